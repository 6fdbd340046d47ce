package main

import (
	"context"
	"math"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/feedanchor/feedanchor/internal/archive"
	"github.com/feedanchor/feedanchor/internal/bus"
	"github.com/feedanchor/feedanchor/internal/config"
	"github.com/feedanchor/feedanchor/internal/features"
	"github.com/feedanchor/feedanchor/internal/gap"
	"github.com/feedanchor/feedanchor/internal/httpapi"
	"github.com/feedanchor/feedanchor/internal/ingest"
	"github.com/feedanchor/feedanchor/internal/metrics"
	"github.com/feedanchor/feedanchor/internal/models"
	"github.com/feedanchor/feedanchor/internal/publish"
	"github.com/feedanchor/feedanchor/internal/reanchor"
	"github.com/feedanchor/feedanchor/internal/reference"
	"github.com/feedanchor/feedanchor/internal/serve"
	"github.com/feedanchor/feedanchor/internal/stats"
	"github.com/feedanchor/feedanchor/internal/store"
)

// aggregatesFunc adapts a closure to the detector's VolumeSource.
type aggregatesFunc func(symbol string) []stats.Aggregates

func (f aggregatesFunc) Aggregates(symbol string) []stats.Aggregates { return f(symbol) }

// runServe wires the whole pipeline and blocks until SIGINT/SIGTERM.
func runServe(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer st.Close()

	promReg := prometheus.NewRegistry()
	reg := metrics.NewRegistry(promReg)
	eb := bus.NewMemoryBus(0)
	defer eb.Close()

	fetcher := reference.NewFetcher(reference.Config{
		BaseURL:       cfg.Rebuild.ReferenceURL,
		RatePerSecond: cfg.Rebuild.RatePerSecond,
		MaxRetries:    cfg.Rebuild.MaxRetries,
	})

	// The hot path, detector, and coordinator reference each other in a
	// cycle; the closures below are only invoked once everything is built.
	var (
		pub   *publish.Publisher
		coord *reanchor.Coordinator
		feed  *ingest.FeedClient
	)

	detector := gap.New(
		gap.Config{
			TimeGapThreshold:    cfg.Gap.TimeThreshold,
			CheckInterval:       cfg.Gap.CheckInterval,
			VolumeCheckInterval: cfg.Gap.VolumeInterval,
			VolumeHorizon:       cfg.Gap.VolumeHorizon,
			VolumeTolerance:     cfg.Gap.VolumeTolerance,
		},
		func() bool { return feed.Health().Connected },
		aggregatesFunc(func(symbol string) []stats.Aggregates { return pub.Aggregates(symbol) }),
		fetcher,
		func(ctx context.Context, v models.GapVerdict) { coord.HandleVerdict(ctx, v) },
		reg,
	)

	pub = publish.New(publish.Config{
		Horizons:   cfg.Horizons,
		BookTTL:    cfg.Serve.StateTTL,
		StatsTTL:   cfg.Serve.StateTTL,
		FeatureTTL: cfg.Serve.StateTTL,
	}, st, eb, detector, reg)

	coord = reanchor.New(reanchor.Config{
		LeaseTTL:   cfg.Rebuild.LeaseTTL,
		BookDepth:  cfg.Rebuild.BookDepth,
		TradeLimit: cfg.Rebuild.TradeLimit,
		Horizons:   cfg.Horizons,
		StateTTL:   cfg.Serve.StateTTL,
	}, st, fetcher, pub, detector, reg)

	feed = ingest.NewFeedClient(ingest.FeedConfig{
		URL:           cfg.Feed.URL,
		Symbols:       cfg.Symbols,
		Streams:       []string{"trade", "bookTicker", "depth@100ms"},
		ReconnectBase: cfg.Feed.ReconnectBase,
		ReconnectMax:  cfg.Feed.ReconnectMax,
	}, func(ev *models.NormalizedEvent) {
		if err := pub.Publish(ctx, ev); err != nil && !models.IsSequenceGap(err) {
			log.Warn().Err(err).Str("symbol", ev.Symbol).Msg("publish failed")
		}
	}, reg)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("feed client stopped")
			stop()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		detector.Run(ctx)
	}()

	for _, symbol := range cfg.Symbols {
		loop := serve.New(serve.Config{
			Symbol:       symbol,
			TickInterval: cfg.Serve.TickInterval,
			Deadline:     cfg.Serve.Deadline,
			MaxAge:       cfg.Serve.MaxAge,
			Horizons:     cfg.Horizons,
		}, st, eb, flowPredictor, reg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop.Run(ctx)
		}()
	}

	if cfg.Archive.DSN != "" {
		db, err := archive.Open(ctx, cfg.Archive.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		sink := archive.New(archive.Config{
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
		}, db)
		eb.Subscribe(bus.TopicNormalized, sink.HandleMessage)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.Run(ctx)
		}()
	}

	status := &statusTracker{
		symbols:  cfg.Symbols,
		feed:     feed,
		pub:      pub,
		detector: detector,
		stale:    cfg.Gap.TimeThreshold,
	}
	server := httpapi.New(cfg.HTTP.Addr, promReg, status, st)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("http server stopped")
			stop()
		}
	}()

	log.Info().Strs("symbols", cfg.Symbols).Str("feed", cfg.Feed.URL).Msg("pipeline running")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	wg.Wait()
	log.Info().Msg("pipeline stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.RedisConfig) (store.Store, error) {
	if cfg.Addr == "" {
		log.Info().Msg("no redis configured, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	rs := store.NewRedisStore(store.RedisOptions{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		rs.Close()
		return nil, err
	}
	log.Info().Str("addr", cfg.Addr).Msg("connected to redis")
	return rs, nil
}

// flowPredictor is the downstream scoring function: a bounded blend of order
// flow and book imbalance in [-1, 1].
func flowPredictor(fs *features.Snapshot) (float64, error) {
	var flow float64
	if len(fs.Windows) > 0 {
		flow = fs.Windows[0].VolumeImbalance
	}
	score := 0.6*flow + 0.4*fs.DepthImbalance
	return math.Max(-1, math.Min(1, score)), nil
}

// statusTracker assembles the /status view from the live components.
type statusTracker struct {
	symbols  []string
	feed     *ingest.FeedClient
	pub      *publish.Publisher
	detector *gap.Detector
	stale    time.Duration
}

func (s *statusTracker) Status() []httpapi.SymbolStatus {
	health := s.feed.Health()
	now := time.Now()

	out := make([]httpapi.SymbolStatus, 0, len(s.symbols))
	for _, symbol := range s.symbols {
		age := s.stale + time.Second
		if last := s.detector.LastApplied(symbol); !last.IsZero() {
			age = now.Sub(last)
		}
		anchored := s.pub.BookWatermark(symbol) > 0
		out = append(out, httpapi.SymbolStatus{
			Symbol:        symbol,
			State:         httpapi.StateFor(health.Connected, anchored, age, s.stale),
			LastEventAge:  age.Milliseconds(),
			LastSequence:  s.detector.LastSequence(symbol),
			BookAnchored:  anchored,
			FeedConnected: health.Connected,
		})
	}
	return out
}
