// Package serve runs the per-symbol serving loop: on a fixed cadence it
// reads the freshest feature snapshot, enforces a hard per-tick deadline,
// and either emits a prediction or explicitly skips the tick. A skip never
// delays the next tick.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

// Predictor turns a feature snapshot into a score. Treated as a pure
// function; it must not mutate shared state.
type Predictor func(fs *features.Snapshot) (float64, error)

// Result is what one successful tick emits downstream.
type Result struct {
	Symbol     string        `json:"symbol"`
	Timestamp  time.Time     `json:"timestamp"`
	Generation string        `json:"generation"`
	Latency    time.Duration `json:"latency"`
	Prediction float64       `json:"prediction"`
}

// Config tunes the loop. Zero values take the defaults.
type Config struct {
	Symbol        string
	TickInterval  time.Duration // default 1s
	Deadline      time.Duration // hard per-tick budget, default 100ms
	MaxAge        time.Duration // snapshot freshness threshold, default 3s
	FallbackLimit int           // events replayed on fallback, default 256
	Horizons      []time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.Deadline <= 0 {
		c.Deadline = 100 * time.Millisecond
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 3 * time.Second
	}
	if c.FallbackLimit <= 0 {
		c.FallbackLimit = 256
	}
	if len(c.Horizons) == 0 {
		c.Horizons = []time.Duration{time.Second, 5 * time.Second, 10 * time.Second, 60 * time.Second}
	}
	return c
}

// Loop serves one symbol.
type Loop struct {
	cfg       Config
	store     store.Store
	bus       bus.EventBus
	predictor Predictor
	metrics   *metrics.Registry
	now       func() time.Time // swapped in tests
}

// New creates a serving loop for one symbol.
func New(cfg Config, st store.Store, eb bus.EventBus, predictor Predictor, reg *metrics.Registry) *Loop {
	return &Loop{
		cfg:       cfg.withDefaults(),
		store:     st,
		bus:       eb,
		predictor: predictor,
		metrics:   reg,
		now:       time.Now,
	}
}

// Run ticks until ctx is cancelled. Each tick stands alone: its outcome
// never changes the cadence.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Tick(ctx); err != nil && !isRoutine(err) {
				log.Warn().Err(err).Str("symbol", l.cfg.Symbol).Msg("tick failed")
			}
		}
	}
}

// Tick executes one serving pass. Returns models.ErrDeadlineExceeded when
// the budget ran out before emission; that outcome is counted, not logged.
func (l *Loop) Tick(ctx context.Context) (*Result, error) {
	start := l.now()
	deadline := start.Add(l.cfg.Deadline)

	fs, err := l.freshSnapshot(ctx, start)
	if err != nil {
		fs, err = l.fallback(deadline)
		if err != nil {
			l.observe(start, "error")
			return nil, err
		}
	}

	if l.now().After(deadline) {
		l.observe(start, "skip")
		return nil, fmt.Errorf("%w: tick for %s", models.ErrDeadlineExceeded, l.cfg.Symbol)
	}

	prediction, err := l.predictor(fs)
	if err != nil {
		l.observe(start, "error")
		return nil, fmt.Errorf("predict %s: %w", l.cfg.Symbol, err)
	}

	// No partial emission: the deadline is re-checked after every stage.
	elapsed := l.now().Sub(start)
	if elapsed > l.cfg.Deadline {
		l.observe(start, "skip")
		return nil, fmt.Errorf("%w: tick for %s", models.ErrDeadlineExceeded, l.cfg.Symbol)
	}

	result := &Result{
		Symbol:     l.cfg.Symbol,
		Timestamp:  fs.Timestamp,
		Generation: fs.Generation,
		Latency:    elapsed,
		Prediction: prediction,
	}
	l.emit(ctx, result)
	l.observe(start, "emit")
	return result, nil
}

// freshSnapshot reads the latest committed feature snapshot, rejecting
// anything older than the freshness threshold.
func (l *Loop) freshSnapshot(ctx context.Context, now time.Time) (*features.Snapshot, error) {
	raw, err := l.store.Get(ctx, store.FeatureLatestKey(l.cfg.Symbol))
	if err != nil {
		return nil, err
	}
	var fs features.Snapshot
	if err := json.Unmarshal(raw, &fs); err != nil {
		return nil, fmt.Errorf("decode features: %w", err)
	}
	if age := fs.Age(now); age > l.cfg.MaxAge {
		return nil, fmt.Errorf("%w: snapshot age %s", models.ErrNotFound, age.Round(time.Millisecond))
	}
	return &fs, nil
}

// fallback recomputes features from the most recent normalized events still
// retained on the bus. Everything is rebuilt in private buffers; shared
// state is never touched, and the deadline is checked cooperatively between
// events.
func (l *Loop) fallback(deadline time.Time) (*features.Snapshot, error) {
	messages := l.bus.Replay(bus.TopicNormalized, l.cfg.Symbol, l.cfg.FallbackLimit)
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: no snapshot and empty replay window for %s", models.ErrNotFound, l.cfg.Symbol)
	}

	bk := book.New(l.cfg.Symbol)
	st := stats.NewSet(l.cfg.Horizons)
	var quote *models.BestBidAskPayload
	var last time.Time

	for i, msg := range messages {
		// Check the budget every few events so an oversized replay window
		// cannot blow through the tick deadline.
		if i%32 == 0 && l.now().After(deadline) {
			return nil, fmt.Errorf("%w: fallback recompute for %s", models.ErrDeadlineExceeded, l.cfg.Symbol)
		}
		var ev models.NormalizedEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			continue
		}
		switch ev.Kind {
		case models.KindTrade:
			st.Record(ev.EventTime, ev.Trade.Price, ev.Trade.BuyVolume(), ev.Trade.SellVolume(), ev.SequenceID)
		case models.KindBestBidAsk:
			quote = ev.BestBidAsk
			st.Advance(ev.EventTime)
		case models.KindDepthDelta:
			// Replayed deltas against an unanchored private book cannot
			// apply; the quote and trade flow still carry the tick.
			_ = bk.ApplyDelta(ev.DepthDelta, ev.EventTime)
		}
		last = ev.EventTime
	}

	snap := bk.Snapshot(0)
	if len(snap.Bids) == 0 && len(snap.Asks) == 0 && quote != nil {
		snap.Bids = []book.Level{{Price: quote.BidPrice, Quantity: quote.BidQty}}
		snap.Asks = []book.Level{{Price: quote.AskPrice, Quantity: quote.AskQty}}
		snap.UpdatedAt = last
	}
	fs := features.Build(snap, st.Aggregates(), l.now())
	return &fs, nil
}

// emit hands the result to the downstream consumer via the bus, best effort.
func (l *Loop) emit(ctx context.Context, r *Result) {
	payload, err := json.Marshal(r)
	if err != nil {
		log.Error().Err(err).Str("symbol", r.Symbol).Msg("marshal result")
		return
	}
	if err := l.bus.Publish(ctx, bus.TopicPrediction, r.Symbol, payload); err != nil {
		log.Warn().Err(err).Str("symbol", r.Symbol).Msg("prediction publish failed")
	}
}

func (l *Loop) observe(start time.Time, outcome string) {
	if l.metrics != nil {
		l.metrics.ObserveTick(l.cfg.Symbol, outcome, l.now().Sub(start))
	}
}

func isRoutine(err error) bool {
	return errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrDeadlineExceeded)
}
