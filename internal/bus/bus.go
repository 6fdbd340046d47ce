// Package bus provides the outbound event bus for normalized events:
// per-symbol partitions, best-effort fan-out to subscribers, and a bounded
// replay window the serving loop's fallback path can read.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Message is one record on the bus. Key selects the partition, so per-symbol
// ordering is preserved; no ordering is guaranteed across keys.
type Message struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Key       string    `json:"key"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler processes one delivered message. Handler errors are logged and do
// not stop delivery to other subscribers; the bus is best-effort by contract.
type Handler func(ctx context.Context, msg *Message) error

// EventBus is the fan-out surface the hot publisher writes to.
type EventBus interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	Subscribe(topic string, handler Handler)

	// Replay returns up to limit retained messages for (topic, key), oldest
	// first. The serving loop's fallback path recomputes from this window.
	Replay(topic, key string, limit int) []*Message

	Close() error
}

// MemoryBus is an in-process partitioned EventBus. Each (topic, key) pair
// keeps a bounded ring of recent messages for replay.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
	retained    map[string][]*Message
	retainLimit int
	closed      bool
}

// NewMemoryBus creates a bus retaining up to retainLimit messages per
// partition (defaults to 256 when <= 0).
func NewMemoryBus(retainLimit int) *MemoryBus {
	if retainLimit <= 0 {
		retainLimit = 256
	}
	return &MemoryBus{
		subscribers: make(map[string][]Handler),
		retained:    make(map[string][]*Message),
		retainLimit: retainLimit,
	}
}

func partition(topic, key string) string { return topic + "|" + key }

func (b *MemoryBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	msg := &Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Key:       key,
		Payload:   append([]byte(nil), payload...),
		Timestamp: time.Now(),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return context.Canceled
	}
	p := partition(topic, key)
	ring := append(b.retained[p], msg)
	if len(ring) > b.retainLimit {
		ring = ring[len(ring)-b.retainLimit:]
	}
	b.retained[p] = ring
	handlers := append([]Handler(nil), b.subscribers[topic]...)
	b.mu.Unlock()

	// Synchronous delivery keeps per-key ordering; a failing subscriber
	// never blocks the hot path beyond its own handler.
	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			log.Warn().Err(err).Str("topic", topic).Str("key", key).Msg("bus subscriber failed")
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], handler)
}

func (b *MemoryBus) Replay(topic, key string, limit int) []*Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ring := b.retained[partition(topic, key)]
	if limit > 0 && len(ring) > limit {
		ring = ring[len(ring)-limit:]
	}
	out := make([]*Message, len(ring))
	copy(out, ring)
	return out
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = make(map[string][]Handler)
	return nil
}

// Topics used by the core.
const (
	TopicNormalized = "events.normalized"
	TopicPrediction = "predictions"
)
