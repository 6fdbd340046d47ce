// Package reanchor rebuilds a symbol's hot state from the reference source
// and swaps it live atomically. The whole cycle runs under a short-TTL lease
// so concurrent triggers collapse into one fetch-and-swap; live keys are
// never touched until the staging state is complete.
package reanchor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/feedanchor/feedanchor/internal/book"
	"github.com/feedanchor/feedanchor/internal/features"
	"github.com/feedanchor/feedanchor/internal/metrics"
	"github.com/feedanchor/feedanchor/internal/models"
	"github.com/feedanchor/feedanchor/internal/reference"
	"github.com/feedanchor/feedanchor/internal/stats"
	"github.com/feedanchor/feedanchor/internal/store"
)

// Source is the authoritative snapshot provider. Implemented by the
// reference fetcher.
type Source interface {
	GetOrderBookSnapshot(ctx context.Context, symbol string, depth int) (*reference.BookSnapshot, error)
	GetRecentTrades(ctx context.Context, symbol string, limit int) ([]reference.Trade, error)
}

// Adopter receives the rebuilt in-memory aggregates after a successful swap.
// Implemented by the hot publisher.
type Adopter interface {
	Adopt(symbol string, bk *book.Book, st *stats.Set)
}

// Resolver is notified when a cycle for a symbol finishes, successfully or
// not. Implemented by the gap detector.
type Resolver interface {
	Resolved(symbol string)
}

// Config sizes a re-anchor cycle. Zero values take the defaults.
type Config struct {
	LeaseTTL   time.Duration // default 5m
	BookDepth  int           // snapshot levels requested, default 1000
	TradeLimit int           // recent trades replayed into windows, default 500
	Horizons   []time.Duration
	StateTTL   time.Duration // applied to every swapped-in live key
}

func (c Config) withDefaults() Config {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.BookDepth <= 0 {
		c.BookDepth = 1000
	}
	if c.TradeLimit <= 0 {
		c.TradeLimit = 500
	}
	if len(c.Horizons) == 0 {
		c.Horizons = []time.Duration{time.Second, 5 * time.Second, 10 * time.Second, 60 * time.Second}
	}
	if c.StateTTL <= 0 {
		c.StateTTL = time.Minute
	}
	return c
}

// Coordinator executes re-anchor cycles.
type Coordinator struct {
	cfg      Config
	store    store.Store
	source   Source
	adopter  Adopter
	resolver Resolver
	metrics  *metrics.Registry
}

// New creates a coordinator. adopter and resolver may be nil.
func New(cfg Config, st store.Store, source Source, adopter Adopter, resolver Resolver, reg *metrics.Registry) *Coordinator {
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		store:    st,
		source:   source,
		adopter:  adopter,
		resolver: resolver,
		metrics:  reg,
	}
}

// HandleVerdict is the gap detector's handler: run one cycle for the flagged
// symbol, then mark the verdict resolved so the detector can retrigger.
func (c *Coordinator) HandleVerdict(ctx context.Context, v models.GapVerdict) {
	if err := c.Reanchor(ctx, v.Symbol); err != nil {
		log.Error().Err(err).Str("symbol", v.Symbol).Str("cause", string(v.TriggeredBy)).Msg("re-anchor failed")
	}
	if c.resolver != nil {
		c.resolver.Resolved(v.Symbol)
	}
}

// Reanchor rebuilds and swaps one symbol's hot state. Safe to invoke
// concurrently: losing the lease race is a no-op, not an error. On any
// failure before the swap commits, staging keys are discarded and live state
// is untouched.
func (c *Coordinator) Reanchor(ctx context.Context, symbol string) error {
	owner := uuid.NewString()
	leaseKey := store.LeaseKey(symbol)

	acquired, err := c.store.AcquireLease(ctx, leaseKey, owner, c.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		log.Debug().Str("symbol", symbol).Msg("re-anchor already in progress")
		return nil
	}
	defer func() {
		if err := c.store.ReleaseLease(ctx, leaseKey, owner); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("lease release failed")
		}
	}()

	start := time.Now()
	err = c.cycle(ctx, symbol, owner)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	if c.metrics != nil {
		c.metrics.ReanchorTotal.WithLabelValues(symbol, outcome).Inc()
		c.metrics.ReanchorDuration.Observe(time.Since(start).Seconds())
	}
	return err
}

// cycle is one fetch, build, stage, swap pass under a held lease.
func (c *Coordinator) cycle(ctx context.Context, symbol, attempt string) error {
	snap, trades, err := c.fetch(ctx, symbol)
	if err != nil {
		return err
	}

	bk := book.New(symbol)
	bk.Reset(snap.LastUpdateID, snap.Bids, snap.Asks, snap.FetchedAt)

	st := stats.NewSet(c.cfg.Horizons)
	for _, tr := range trades {
		payload := models.TradePayload{Price: tr.Price, Quantity: tr.Quantity, IsBuyerMaker: tr.IsBuyerMaker}
		st.Record(tr.Time, tr.Price, payload.BuyVolume(), payload.SellVolume(), tr.ID)
	}

	pairs, stagingKeys, err := c.stage(ctx, symbol, attempt, bk, st)
	if err != nil {
		c.discard(ctx, stagingKeys)
		return err
	}

	if err := c.store.Swap(ctx, pairs, c.cfg.StateTTL); err != nil {
		c.discard(ctx, stagingKeys)
		return fmt.Errorf("%w: %v", models.ErrSwapFailed, err)
	}

	if c.adopter != nil {
		c.adopter.Adopt(symbol, bk, st)
	}
	log.Info().
		Str("symbol", symbol).
		Int64("last_update_id", snap.LastUpdateID).
		Int("trades_replayed", len(trades)).
		Msg("re-anchored")
	return nil
}

// fetch pulls the book snapshot and recent trades in parallel; the two calls
// are independent.
func (c *Coordinator) fetch(ctx context.Context, symbol string) (*reference.BookSnapshot, []reference.Trade, error) {
	var (
		wg       sync.WaitGroup
		snap     *reference.BookSnapshot
		trades   []reference.Trade
		snapErr  error
		tradeErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		snap, snapErr = c.source.GetOrderBookSnapshot(ctx, symbol, c.cfg.BookDepth)
	}()
	go func() {
		defer wg.Done()
		trades, tradeErr = c.source.GetRecentTrades(ctx, symbol, c.cfg.TradeLimit)
	}()
	wg.Wait()

	if snapErr != nil {
		return nil, nil, fmt.Errorf("book snapshot: %w", snapErr)
	}
	if tradeErr != nil {
		return nil, nil, fmt.Errorf("recent trades: %w", tradeErr)
	}
	return snap, trades, nil
}

// stage writes the rebuilt state under temporary keys and returns the
// staging-to-live rename pairs.
func (c *Coordinator) stage(ctx context.Context, symbol, attempt string, bk *book.Book, st *stats.Set) (map[string]string, []string, error) {
	bookSnap := bk.Snapshot(0)
	aggs := st.Aggregates()
	fs := features.Build(bookSnap, aggs, time.Now())

	pairs := make(map[string]string)
	var stagingKeys []string

	put := func(liveKey string, value interface{}) error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", liveKey, err)
		}
		stagingKey := store.StagingKey(liveKey, attempt)
		// Staging TTL outlives the cycle but not much more, in case a crash
		// leaks keys before the discard.
		if err := c.store.Put(ctx, stagingKey, data, c.cfg.LeaseTTL); err != nil {
			return fmt.Errorf("stage %s: %w", liveKey, err)
		}
		pairs[stagingKey] = liveKey
		stagingKeys = append(stagingKeys, stagingKey)
		return nil
	}

	if err := put(store.BookKey(symbol), bookSnap); err != nil {
		return nil, stagingKeys, err
	}
	for _, agg := range aggs {
		if err := put(store.StatsKey(symbol, agg.Horizon), agg); err != nil {
			return nil, stagingKeys, err
		}
	}
	if err := put(store.FeatureLatestKey(symbol), fs); err != nil {
		return nil, stagingKeys, err
	}
	return pairs, stagingKeys, nil
}

// discard removes leaked staging keys after a failed cycle.
func (c *Coordinator) discard(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := c.store.Delete(ctx, keys...); err != nil {
		log.Warn().Err(err).Int("keys", len(keys)).Msg("staging discard failed")
	}
}
