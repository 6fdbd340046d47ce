// Package gap watches the per-symbol event flow and decides when hot state
// can no longer be trusted. Three independent signals feed the decision:
// sequence continuity, time since the last applied event, and a periodic
// volume cross-check against the reference source. Any one of them raises a
// GapVerdict; verdicts for a symbol are deduplicated while a re-anchor is
// already in flight.
package gap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/feedanchor/feedanchor/internal/metrics"
	"github.com/feedanchor/feedanchor/internal/models"
	"github.com/feedanchor/feedanchor/internal/stats"
)

// Handler consumes verdicts. Implemented by the re-anchor coordinator; it is
// invoked on its own goroutine and may block on network I/O.
type Handler func(ctx context.Context, verdict models.GapVerdict)

// HealthFunc reports whether the feed connection currently considers itself
// healthy. Time-gap evaluation is suppressed while the feed is down: a
// disconnected feed is a reconnect problem, not a state-trust problem.
type HealthFunc func() bool

// VolumeSource exposes the locally accumulated window aggregates.
type VolumeSource interface {
	Aggregates(symbol string) []stats.Aggregates
}

// ReferenceCounter fetches a coarse independent trade count for the volume
// cross-check. Implemented by the reference fetcher.
type ReferenceCounter interface {
	RecentTradeCount(ctx context.Context, symbol string, window time.Duration) (int64, error)
}

// Config holds the detector thresholds. Zero values take the defaults.
type Config struct {
	TimeGapThreshold    time.Duration // silence before a time verdict, default 5s
	CheckInterval       time.Duration // evaluation cadence, default 1s
	VolumeCheckInterval time.Duration // volume cross-check cadence, default 30s; <0 disables
	VolumeHorizon       time.Duration // window compared against the reference, default 60s
	VolumeTolerance     float64       // allowed relative deviation, default 0.5
}

func (c Config) withDefaults() Config {
	if c.TimeGapThreshold <= 0 {
		c.TimeGapThreshold = 5 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Second
	}
	if c.VolumeCheckInterval == 0 {
		c.VolumeCheckInterval = 30 * time.Second
	}
	if c.VolumeHorizon <= 0 {
		c.VolumeHorizon = 60 * time.Second
	}
	if c.VolumeTolerance <= 0 {
		c.VolumeTolerance = 0.5
	}
	return c
}

// track is one symbol's detection state.
type track struct {
	lastSeq     int64
	lastApplied time.Time // wall clock of the last accepted event
	timeGapOpen bool      // a time verdict was raised and no event arrived since
	inFlight    bool      // a verdict was handed off and not yet resolved
}

// Detector evaluates the three gap signals and hands verdicts to the
// re-anchor coordinator. It implements the publisher's GapReporter.
type Detector struct {
	cfg      Config
	healthy  HealthFunc
	volumes  VolumeSource
	refCount ReferenceCounter
	handler  Handler
	metrics  *metrics.Registry

	mu     sync.Mutex
	tracks map[string]*track
	runCtx context.Context // set by Run; handler goroutines inherit it
}

// New creates a detector. volumes and refCount may be nil, which disables the
// volume cross-check.
func New(cfg Config, healthy HealthFunc, volumes VolumeSource, refCount ReferenceCounter, handler Handler, reg *metrics.Registry) *Detector {
	return &Detector{
		cfg:      cfg.withDefaults(),
		healthy:  healthy,
		volumes:  volumes,
		refCount: refCount,
		handler:  handler,
		metrics:  reg,
		tracks:   make(map[string]*track),
		runCtx:   context.Background(),
	}
}

func (d *Detector) track(symbol string) *track {
	t, ok := d.tracks[symbol]
	if !ok {
		t = &track{lastApplied: time.Now()}
		d.tracks[symbol] = t
	}
	return t
}

// EventAccepted records a successfully applied event. A new event closes any
// open time-gap verdict so renewed silence can raise a fresh one.
func (d *Detector) EventAccepted(symbol string, seq int64, eventTime time.Time) {
	d.mu.Lock()
	t := d.track(symbol)
	t.lastSeq = seq
	t.lastApplied = time.Now()
	t.timeGapOpen = false
	d.mu.Unlock()
}

// SequenceGap is called by the publisher when a depth delta's window is not
// contiguous with the book watermark. Exactly one verdict is raised per skip;
// further signals are suppressed until the re-anchor resolves.
func (d *Detector) SequenceGap(symbol string, expected, got int64) {
	d.raise(models.GapVerdict{
		Symbol:      symbol,
		TriggeredBy: models.GapCauseSequence,
		DetectedAt:  time.Now(),
		Severity:    models.SeverityCritical,
		Detail:      fmt.Sprintf("expected watermark %d, got %d", expected, got),
	})
}

// Resolved clears the in-flight marker for a symbol. Called by the re-anchor
// coordinator after a cycle completes or is abandoned, so the next evaluation
// window can retrigger if the symbol is still gapped. An open time-gap stays
// open: renewed silence is the same silence until a new event arrives.
func (d *Detector) Resolved(symbol string) {
	d.mu.Lock()
	d.track(symbol).inFlight = false
	d.mu.Unlock()
}

// raise dispatches a verdict unless one is already in flight for the symbol.
func (d *Detector) raise(v models.GapVerdict) {
	d.mu.Lock()
	t := d.track(v.Symbol)
	if t.inFlight {
		d.mu.Unlock()
		return
	}
	t.inFlight = true
	if v.TriggeredBy == models.GapCauseTime {
		t.timeGapOpen = true
	}
	ctx := d.runCtx
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.GapVerdicts.WithLabelValues(v.Symbol, string(v.TriggeredBy)).Inc()
	}
	log.Warn().
		Str("symbol", v.Symbol).
		Str("cause", string(v.TriggeredBy)).
		Str("severity", string(v.Severity)).
		Str("detail", v.Detail).
		Msg("gap verdict raised")

	if d.handler != nil {
		go d.handler(ctx, v)
	}
}

// Run evaluates the time and volume signals on a fixed cadence until ctx is
// cancelled. Sequence signals arrive via SequenceGap independently. Handler
// goroutines run under this ctx, so shutdown cancels an in-flight re-anchor.
func (d *Detector) Run(ctx context.Context) {
	d.mu.Lock()
	d.runCtx = ctx
	d.mu.Unlock()

	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()

	lastVolumeCheck := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.EvaluateTime(now)
			if d.cfg.VolumeCheckInterval > 0 && now.Sub(lastVolumeCheck) >= d.cfg.VolumeCheckInterval {
				lastVolumeCheck = now
				d.EvaluateVolume(ctx)
			}
		}
	}
}

// EvaluateTime raises a time verdict for every symbol whose feed is healthy
// but silent past the threshold. At most one verdict per silence: the open
// marker is cleared only by a newly accepted event.
func (d *Detector) EvaluateTime(now time.Time) {
	if d.healthy != nil && !d.healthy() {
		return
	}

	var stale []models.GapVerdict
	d.mu.Lock()
	for symbol, t := range d.tracks {
		elapsed := now.Sub(t.lastApplied)
		if d.metrics != nil {
			d.metrics.EventAge.WithLabelValues(symbol).Set(elapsed.Seconds())
		}
		if t.inFlight || t.timeGapOpen {
			continue
		}
		if elapsed <= d.cfg.TimeGapThreshold {
			continue
		}
		stale = append(stale, models.GapVerdict{
			Symbol:      symbol,
			TriggeredBy: models.GapCauseTime,
			DetectedAt:  now,
			Severity:    models.SeverityCritical,
			Detail:      fmt.Sprintf("no event for %s (threshold %s)", elapsed.Round(time.Millisecond), d.cfg.TimeGapThreshold),
		})
	}
	d.mu.Unlock()

	for _, v := range stale {
		d.raise(v)
	}
}

// EvaluateVolume cross-checks locally accumulated trade counts against an
// independently fetched reference count. A reference failure skips the check;
// the reliability path must never take the hot path down with it.
func (d *Detector) EvaluateVolume(ctx context.Context) {
	if d.volumes == nil || d.refCount == nil {
		return
	}

	d.mu.Lock()
	symbols := make([]string, 0, len(d.tracks))
	for symbol, t := range d.tracks {
		if !t.inFlight {
			symbols = append(symbols, symbol)
		}
	}
	d.mu.Unlock()

	for _, symbol := range symbols {
		local, ok := d.localCount(symbol)
		if !ok {
			continue
		}
		ref, err := d.refCount.RecentTradeCount(ctx, symbol, d.cfg.VolumeHorizon)
		if err != nil {
			log.Debug().Err(err).Str("symbol", symbol).Msg("volume cross-check skipped")
			continue
		}
		if ref == 0 && local == 0 {
			continue
		}
		base := float64(ref)
		if base < 1 {
			base = 1
		}
		deviation := abs(float64(local)-float64(ref)) / base
		if deviation <= d.cfg.VolumeTolerance {
			continue
		}
		d.raise(models.GapVerdict{
			Symbol:      symbol,
			TriggeredBy: models.GapCauseVolume,
			DetectedAt:  time.Now(),
			Severity:    models.SeverityWarning,
			Detail:      fmt.Sprintf("local trade count %d vs reference %d over %s", local, ref, d.cfg.VolumeHorizon),
		})
	}
}

// localCount returns the trade count of the window matching the configured
// volume horizon.
func (d *Detector) localCount(symbol string) (int64, bool) {
	for _, agg := range d.volumes.Aggregates(symbol) {
		if agg.Horizon == d.cfg.VolumeHorizon {
			return agg.TradeCount, true
		}
	}
	return 0, false
}

// LastSequence returns the last accepted sequence id for a symbol.
func (d *Detector) LastSequence(symbol string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tracks[symbol]; ok {
		return t.lastSeq
	}
	return 0
}

// LastApplied returns the wall-clock time of the last accepted event for a
// symbol, or the zero time if none has been seen.
func (d *Detector) LastApplied(symbol string) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tracks[symbol]; ok {
		return t.lastApplied
	}
	return time.Time{}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
