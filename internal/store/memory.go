package store

import (
	"context"
	"sync"
	"time"

	"github.com/feedanchor/feedanchor/internal/models"
)

// MemoryStore implements Store in process memory with the same contract as
// the Redis store. Used in tests and single-process deployments. Swap runs
// under one mutex, so it is all-or-nothing by construction.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry

	// failSwaps injects swap failures for recovery tests.
	failSwaps int
}

type memEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// NewMemoryStore creates an empty in-memory hot-state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry)}
}

// FailNextSwaps makes the next n Swap calls fail without mutating state.
func (m *MemoryStore) FailNextSwaps(n int) {
	m.mu.Lock()
	m.failSwaps = n
	m.mu.Unlock()
}

func (m *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return nil, models.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *MemoryStore) Swap(ctx context.Context, pairs map[string]string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failSwaps > 0 {
		m.failSwaps--
		return models.ErrSwapFailed
	}

	now := time.Now()
	// Validate every staging key before mutating anything.
	for staging := range pairs {
		e, ok := m.entries[staging]
		if !ok || e.expired(now) {
			return models.ErrSwapFailed
		}
	}
	for staging, live := range pairs {
		e := m.entries[staging]
		if ttl > 0 {
			e.expires = now.Add(ttl)
		}
		m.entries[live] = e
		delete(m.entries, staging)
	}
	return nil
}

func (m *MemoryStore) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if e, ok := m.entries[key]; ok && !e.expired(now) && string(e.value) != owner {
		return false, nil
	}
	m.entries[key] = memEntry{value: []byte(owner), expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryStore) ReleaseLease(ctx context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && string(e.value) == owner {
		delete(m.entries, key)
	}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (e memEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}
