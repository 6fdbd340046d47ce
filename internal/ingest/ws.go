package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/feedanchor/feedanchor/internal/metrics"
	"github.com/feedanchor/feedanchor/internal/models"
)

// EventSink receives every successfully normalized event, in arrival order.
type EventSink func(*models.NormalizedEvent)

// FeedHealth is the connection state the gap detector consults: the time-gap
// signal only fires while the feed reports itself healthy, so a dead socket
// is handled by reconnect instead of flooding re-anchors.
type FeedHealth struct {
	Connected    bool      `json:"connected"`
	LastMessage  time.Time `json:"last_message"`
	MessageCount int64     `json:"message_count"`
	DroppedCount int64     `json:"dropped_count"`
	Reconnects   int64     `json:"reconnects"`
}

// FeedConfig configures the WebSocket feed client.
type FeedConfig struct {
	URL              string        // combined-stream endpoint
	Symbols          []string      // exchange symbols, e.g. BTCUSDT
	Streams          []string      // stream suffixes, e.g. trade, depth@100ms, bookTicker
	HandshakeTimeout time.Duration // default 30s
	ReconnectBase    time.Duration // default 1s, doubled up to ReconnectMax
	ReconnectMax     time.Duration // default 30s
}

// FeedClient owns one WebSocket connection to the live feed, decoding every
// frame and pushing normalized events to the sink. Malformed frames are
// counted, logged, and dropped.
type FeedClient struct {
	cfg     FeedConfig
	decoder *Decoder
	sink    EventSink
	metrics *metrics.Registry

	mu     sync.RWMutex
	health FeedHealth
}

// NewFeedClient creates a feed client delivering into sink. reg may be nil.
func NewFeedClient(cfg FeedConfig, sink EventSink, reg *metrics.Registry) *FeedClient {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.ReconnectBase == 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &FeedClient{cfg: cfg, decoder: NewDecoder(), sink: sink, metrics: reg}
}

// Health returns a copy of the current connection health.
func (c *FeedClient) Health() FeedHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// streamURL builds the combined-stream URL for all symbol/stream pairs.
func (c *FeedClient) streamURL() string {
	parts := make([]string, 0, len(c.cfg.Symbols)*len(c.cfg.Streams))
	for _, sym := range c.cfg.Symbols {
		for _, st := range c.cfg.Streams {
			parts = append(parts, fmt.Sprintf("%s@%s", strings.ToLower(sym), st))
		}
	}
	return fmt.Sprintf("%s?streams=%s", c.cfg.URL, strings.Join(parts, "/"))
}

// Run connects and consumes frames until ctx is cancelled, reconnecting with
// exponential backoff on any connection loss.
func (c *FeedClient) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.consumeOnce(ctx)
		c.setConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Warn().Err(err).Dur("backoff", backoff).Msg("feed connection lost, reconnecting")
		c.mu.Lock()
		c.health.Reconnects++
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

func (c *FeedClient) consumeOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()

	log.Info().Str("url", c.cfg.URL).Strs("symbols", c.cfg.Symbols).Msg("feed connected")
	c.setConnected(true)

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *FeedClient) handleFrame(frame []byte) {
	ev, err := c.decoder.Decode(frame, time.Now())

	c.mu.Lock()
	c.health.LastMessage = time.Now()
	c.health.MessageCount++
	if err != nil {
		c.health.DroppedCount++
	}
	c.mu.Unlock()

	if err != nil {
		if c.metrics != nil {
			c.metrics.EventsMalformed.Inc()
		}
		log.Warn().Err(err).Msg("dropping malformed feed frame")
		return
	}
	c.sink(ev)
}

func (c *FeedClient) setConnected(v bool) {
	c.mu.Lock()
	c.health.Connected = v
	c.mu.Unlock()
}
