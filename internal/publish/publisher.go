// Package publish implements the hot path: every normalized event updates the
// in-memory aggregates, commits fresh state to the hot-state store, and is
// republished on the outbound bus. There is no batching delay; a committed
// mutation is visible to the serving loop immediately.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/feedanchor/feedanchor/internal/book"
	"github.com/feedanchor/feedanchor/internal/bus"
	"github.com/feedanchor/feedanchor/internal/features"
	"github.com/feedanchor/feedanchor/internal/metrics"
	"github.com/feedanchor/feedanchor/internal/models"
	"github.com/feedanchor/feedanchor/internal/stats"
	"github.com/feedanchor/feedanchor/internal/store"
)

// GapReporter receives the publisher's per-event bookkeeping. Implemented by
// the gap detector; the publisher never decides on its own that state is bad.
type GapReporter interface {
	EventAccepted(symbol string, seq int64, eventTime time.Time)
	SequenceGap(symbol string, expected, got int64)
}

// Config sizes the hot path.
type Config struct {
	Horizons   []time.Duration // trade stats windows, shortest first
	BookDepth  int             // levels per side persisted, 0 = all
	BookTTL    time.Duration
	StatsTTL   time.Duration
	FeatureTTL time.Duration
}

// symbolState is one symbol's hot aggregates. Guarded by its own mutex: the
// feed goroutine is the steady writer, the re-anchor coordinator briefly
// replaces the whole state on Adopt.
type symbolState struct {
	mu    sync.Mutex
	book  *book.Book
	stats *stats.Set
	quote *models.BestBidAskPayload
	last  time.Time
}

// Publisher applies normalized events for all symbols.
type Publisher struct {
	cfg      Config
	store    store.Store
	bus      bus.EventBus
	reporter GapReporter
	metrics  *metrics.Registry

	mu      sync.RWMutex
	symbols map[string]*symbolState
}

// New creates a hot publisher.
func New(cfg Config, st store.Store, eb bus.EventBus, reporter GapReporter, reg *metrics.Registry) *Publisher {
	if len(cfg.Horizons) == 0 {
		cfg.Horizons = []time.Duration{time.Second, 5 * time.Second, 10 * time.Second, 60 * time.Second}
	}
	return &Publisher{
		cfg:      cfg,
		store:    st,
		bus:      eb,
		reporter: reporter,
		metrics:  reg,
		symbols:  make(map[string]*symbolState),
	}
}

func (p *Publisher) state(symbol string) *symbolState {
	p.mu.RLock()
	s, ok := p.symbols[symbol]
	p.mu.RUnlock()
	if ok {
		return s
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok = p.symbols[symbol]; ok {
		return s
	}
	s = &symbolState{book: book.New(symbol), stats: stats.NewSet(p.cfg.Horizons)}
	p.symbols[symbol] = s
	return s
}

// Publish applies one event and commits the resulting state. Rejected deltas
// raise a sequence-gap signal instead of being applied; a store or bus error
// is contained to this event.
func (p *Publisher) Publish(ctx context.Context, ev *models.NormalizedEvent) error {
	s := p.state(ev.Symbol)
	s.mu.Lock()

	applied := false
	switch ev.Kind {
	case models.KindTrade:
		s.stats.Record(ev.EventTime, ev.Trade.Price, ev.Trade.BuyVolume(), ev.Trade.SellVolume(), ev.SequenceID)
		applied = true

	case models.KindBestBidAsk:
		s.quote = ev.BestBidAsk
		s.stats.Advance(ev.EventTime)
		applied = true

	case models.KindDepthDelta:
		err := s.book.ApplyDelta(ev.DepthDelta, ev.EventTime)
		switch {
		case err == nil:
			s.stats.Advance(ev.EventTime)
			applied = true
		case errors.Is(err, models.ErrStaleDelta):
			// Replayed duplicate; drop without signal.
		default:
			expected := s.book.LastUpdateID() + 1
			s.mu.Unlock()
			p.reporter.SequenceGap(ev.Symbol, expected, ev.DepthDelta.FirstUpdateID)
			return err
		}

	default:
		s.mu.Unlock()
		return fmt.Errorf("%w: unhandled kind %q", models.ErrMalformedMessage, ev.Kind)
	}

	if !applied {
		s.mu.Unlock()
		return nil
	}

	s.last = ev.EventTime
	snap := p.snapshotLocked(s)
	aggs := s.stats.Aggregates()
	s.mu.Unlock()

	p.reporter.EventAccepted(ev.Symbol, ev.SequenceID, ev.EventTime)
	if p.metrics != nil {
		p.metrics.EventsDecoded.WithLabelValues(ev.Symbol, string(ev.Kind)).Inc()
		p.metrics.LastSequenceID.WithLabelValues(ev.Symbol).Set(float64(ev.SequenceID))
	}

	if err := p.commit(ctx, ev.Symbol, snap, aggs, ev.IngestTime); err != nil {
		return err
	}
	return p.republish(ctx, ev)
}

// snapshotLocked materializes the book view, synthesizing a one-level book
// from the latest quote when no depth has been anchored yet.
func (p *Publisher) snapshotLocked(s *symbolState) book.Snapshot {
	snap := s.book.Snapshot(p.cfg.BookDepth)
	if len(snap.Bids) == 0 && len(snap.Asks) == 0 && s.quote != nil {
		snap.Bids = []book.Level{{Price: s.quote.BidPrice, Quantity: s.quote.BidQty}}
		snap.Asks = []book.Level{{Price: s.quote.AskPrice, Quantity: s.quote.AskQty}}
		snap.UpdatedAt = s.last
	}
	return snap
}

// commit writes book, window, and feature state for one symbol.
func (p *Publisher) commit(ctx context.Context, symbol string, snap book.Snapshot, aggs []stats.Aggregates, now time.Time) error {
	bookJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal book: %w", err)
	}
	if err := p.store.Put(ctx, store.BookKey(symbol), bookJSON, p.cfg.BookTTL); err != nil {
		return fmt.Errorf("store book: %w", err)
	}

	for _, agg := range aggs {
		aggJSON, err := json.Marshal(agg)
		if err != nil {
			return fmt.Errorf("marshal stats: %w", err)
		}
		if err := p.store.Put(ctx, store.StatsKey(symbol, agg.Horizon), aggJSON, p.cfg.StatsTTL); err != nil {
			return fmt.Errorf("store stats: %w", err)
		}
	}

	fs := features.Build(snap, aggs, now)
	fsJSON, err := json.Marshal(fs)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	if err := p.store.Put(ctx, store.FeatureKey(symbol, fs.Timestamp), fsJSON, p.cfg.FeatureTTL); err != nil {
		return fmt.Errorf("store features: %w", err)
	}
	if err := p.store.Put(ctx, store.FeatureLatestKey(symbol), fsJSON, p.cfg.FeatureTTL); err != nil {
		return fmt.Errorf("store latest features: %w", err)
	}
	return nil
}

// republish pushes the normalized event onto the outbound bus, best effort.
func (p *Publisher) republish(ctx context.Context, ev *models.NormalizedEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.bus.Publish(ctx, bus.TopicNormalized, ev.Symbol, payload); err != nil {
		log.Warn().Err(err).Str("symbol", ev.Symbol).Msg("bus publish failed")
	}
	return nil
}

// Adopt atomically replaces a symbol's in-memory aggregates. Called by the
// re-anchor coordinator after its staging state has been swapped live.
func (p *Publisher) Adopt(symbol string, bk *book.Book, st *stats.Set) {
	s := p.state(symbol)
	s.mu.Lock()
	s.book = bk
	s.stats = st
	s.last = time.Now()
	s.mu.Unlock()
	log.Info().Str("symbol", symbol).Int64("last_update_id", bk.LastUpdateID()).Msg("adopted re-anchored state")
}

// Aggregates returns the symbol's current window summaries. Used by the gap
// detector's volume cross-check.
func (p *Publisher) Aggregates(symbol string) []stats.Aggregates {
	s := p.state(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.Aggregates()
}

// BookWatermark returns the symbol's current depth watermark.
func (p *Publisher) BookWatermark(symbol string) int64 {
	s := p.state(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.book.LastUpdateID()
}
