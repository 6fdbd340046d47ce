// Package store defines the hot-state store contract shared by the hot
// publisher, the re-anchor coordinator, and the serving loop: TTL-bounded
// point reads and writes, an atomic multi-key swap, and short-TTL leases.
package store

import (
	"context"
	"fmt"
	"time"
)

// Store is the per-symbol keyed hot state substrate. Implementations must
// guarantee that no reader observes a half-applied Swap.
type Store interface {
	// Put writes one key with a TTL (0 means no expiry).
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get reads one key; returns models.ErrNotFound when absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes keys; missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Swap atomically renames every staging key onto its live key, applying
	// ttl to each renamed key. All renames commit or none do; a missing
	// staging key fails the whole swap with models.ErrSwapFailed.
	Swap(ctx context.Context, pairs map[string]string, ttl time.Duration) error

	// AcquireLease takes the named lease for owner with a TTL. Returns false
	// when another owner holds it. Re-acquiring one's own lease extends it.
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease drops the lease only if owner still holds it.
	ReleaseLease(ctx context.Context, key, owner string) error

	// Ping reports substrate reachability.
	Ping(ctx context.Context) error

	Close() error
}

// Key scheme. Everything is namespaced per symbol; staging keys carry an
// attempt token so concurrent writers can never collide.

const keyPrefix = "feedanchor"

// BookKey addresses the live order book snapshot for a symbol.
func BookKey(symbol string) string {
	return fmt.Sprintf("%s:book:%s", keyPrefix, symbol)
}

// StatsKey addresses the live aggregates for one symbol and horizon.
func StatsKey(symbol string, horizon time.Duration) string {
	return fmt.Sprintf("%s:stats:%s:%ds", keyPrefix, symbol, int(horizon/time.Second))
}

// FeatureKey addresses the feature snapshot for a second-aligned timestamp.
func FeatureKey(symbol string, ts time.Time) string {
	return fmt.Sprintf("%s:features:%s:%d", keyPrefix, symbol, ts.Unix())
}

// FeatureLatestKey addresses the most recent feature snapshot pointer.
func FeatureLatestKey(symbol string) string {
	return fmt.Sprintf("%s:features:%s:latest", keyPrefix, symbol)
}

// LeaseKey addresses the re-anchor lease for a symbol.
func LeaseKey(symbol string) string {
	return fmt.Sprintf("%s:lease:reanchor:%s", keyPrefix, symbol)
}

// StagingKey derives the staging twin of a live key for one attempt.
func StagingKey(liveKey, attempt string) string {
	return fmt.Sprintf("%s:staging:%s", liveKey, attempt)
}
