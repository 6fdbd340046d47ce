// Package metrics exposes the observability surface of the ingestion core:
// per-symbol watermarks and freshness, gap triggers, re-anchor outcomes, and
// serving-loop tick latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every Prometheus metric the core emits.
type Registry struct {
	// Ingestion
	EventsDecoded   *prometheus.CounterVec
	EventsMalformed prometheus.Counter
	LastSequenceID  *prometheus.GaugeVec
	EventAge        *prometheus.GaugeVec

	// Gap detection
	GapVerdicts *prometheus.CounterVec

	// Re-anchoring
	ReanchorTotal    *prometheus.CounterVec
	ReanchorDuration prometheus.Histogram

	// Serving loop
	TicksTotal   *prometheus.CounterVec
	TickLatency  prometheus.Histogram
	SkippedTicks prometheus.Counter
}

// NewRegistry builds the metric set and registers it with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		EventsDecoded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedanchor_events_decoded_total",
				Help: "Normalized events accepted from the feed by kind",
			},
			[]string{"symbol", "kind"},
		),
		EventsMalformed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "feedanchor_events_malformed_total",
				Help: "Raw feed frames dropped as malformed",
			},
		),
		LastSequenceID: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "feedanchor_last_sequence_id",
				Help: "Last applied exchange sequence id per symbol",
			},
			[]string{"symbol"},
		),
		EventAge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "feedanchor_event_age_seconds",
				Help: "Seconds since the last applied event per symbol",
			},
			[]string{"symbol"},
		),
		GapVerdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedanchor_gap_verdicts_total",
				Help: "Gap verdicts raised by trigger cause",
			},
			[]string{"symbol", "cause"},
		),
		ReanchorTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedanchor_reanchor_total",
				Help: "Re-anchor attempts by outcome",
			},
			[]string{"symbol", "outcome"},
		),
		ReanchorDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "feedanchor_reanchor_duration_seconds",
				Help:    "Wall time of completed re-anchor cycles",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),
		TicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedanchor_serving_ticks_total",
				Help: "Serving-loop ticks by outcome",
			},
			[]string{"symbol", "outcome"},
		),
		TickLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "feedanchor_serving_tick_latency_seconds",
				Help:    "End-to-end serving tick latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
		),
		SkippedTicks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "feedanchor_serving_skipped_ticks_total",
				Help: "Ticks abandoned at the deadline guard",
			},
		),
	}

	reg.MustRegister(
		r.EventsDecoded, r.EventsMalformed, r.LastSequenceID, r.EventAge,
		r.GapVerdicts,
		r.ReanchorTotal, r.ReanchorDuration,
		r.TicksTotal, r.TickLatency, r.SkippedTicks,
	)
	return r
}

// NewTestRegistry builds a registry on a private prometheus registry, for
// tests that need metrics wiring without global registration conflicts.
func NewTestRegistry() (*Registry, *prometheus.Registry) {
	pr := prometheus.NewRegistry()
	return NewRegistry(pr), pr
}

// ObserveTick records one serving tick outcome and its latency.
func (r *Registry) ObserveTick(symbol, outcome string, elapsed time.Duration) {
	r.TicksTotal.WithLabelValues(symbol, outcome).Inc()
	r.TickLatency.Observe(elapsed.Seconds())
	if outcome == "skip" {
		r.SkippedTicks.Inc()
	}
}
