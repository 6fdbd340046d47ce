// Package stats maintains per-symbol rolling trade statistics over multiple
// trailing horizons. Eviction is event-time based, relative to the latest
// applied event time, so replayed streams produce identical aggregates.
package stats

import (
	"math"
	"time"
)

// trade is one ring-buffer entry.
type trade struct {
	eventTime time.Time
	price     float64
	buyVol    float64
	sellVol   float64
}

// Window accumulates trades over one trailing horizon. Old entries are
// evicted lazily on the next write, amortized O(1) per trade.
type Window struct {
	horizon   time.Duration
	entries   []trade
	head      int
	buyVol    float64
	sellVol   float64
	count     int64
	watermark int64
	latest    time.Time
}

// NewWindow creates a rolling window over the given horizon.
func NewWindow(horizon time.Duration) *Window {
	return &Window{horizon: horizon}
}

// Record adds one trade and evicts entries whose event time falls outside the
// trailing horizon relative to the latest seen event time. seq is the trade's
// exchange sequence id; the window keeps the highest seen as its watermark.
func (w *Window) Record(eventTime time.Time, price, buyVol, sellVol float64, seq int64) {
	if eventTime.After(w.latest) {
		w.latest = eventTime
	}
	if seq > w.watermark {
		w.watermark = seq
	}
	w.entries = append(w.entries, trade{eventTime: eventTime, price: price, buyVol: buyVol, sellVol: sellVol})
	w.buyVol += buyVol
	w.sellVol += sellVol
	w.count++
	w.evict()
}

// Advance moves the window's notion of the latest event time forward without
// recording a trade, evicting entries that age out. Lets aggregates settle to
// zero when the feed keeps flowing but no trades print.
func (w *Window) Advance(eventTime time.Time) {
	if eventTime.After(w.latest) {
		w.latest = eventTime
	}
	w.evict()
}

func (w *Window) evict() {
	cutoff := w.latest.Add(-w.horizon)
	for w.head < len(w.entries) {
		e := w.entries[w.head]
		if e.eventTime.After(cutoff) {
			break
		}
		w.buyVol -= e.buyVol
		w.sellVol -= e.sellVol
		w.count--
		w.head++
	}
	// Compact once the dead prefix dominates.
	if w.head > 64 && w.head*2 > len(w.entries) {
		w.entries = append([]trade(nil), w.entries[w.head:]...)
		w.head = 0
	}
	// Volumes are sums of non-negative inputs; clamp drift to the invariant.
	if w.count == 0 {
		w.buyVol = 0
		w.sellVol = 0
	}
}

// Horizon returns the trailing horizon this window covers.
func (w *Window) Horizon() time.Duration { return w.horizon }

// Watermark returns the highest trade sequence id seen.
func (w *Window) Watermark() int64 { return w.watermark }

// Aggregates is the point-in-time summary of one window.
type Aggregates struct {
	Horizon     time.Duration `json:"horizon"`
	TradeCount  int64         `json:"trade_count"`
	BuyVolume   float64       `json:"buy_volume"`
	SellVolume  float64       `json:"sell_volume"`
	VWAP        float64       `json:"vwap"`
	Volatility  float64       `json:"volatility"`
	AvgSize     float64       `json:"avg_size"`
	Imbalance   float64       `json:"imbalance"`
	Watermark   int64         `json:"watermark"`
	LatestEvent time.Time     `json:"latest_event"`
}

// Aggregates computes the current window summary. VWAP and volatility walk
// the live entries; the window is sized for sub-minute horizons so the scan
// stays cheap.
func (w *Window) Aggregates() Aggregates {
	agg := Aggregates{
		Horizon:     w.horizon,
		TradeCount:  w.count,
		BuyVolume:   w.buyVol,
		SellVolume:  w.sellVol,
		Watermark:   w.watermark,
		LatestEvent: w.latest,
	}
	total := w.buyVol + w.sellVol
	if total > 0 {
		agg.Imbalance = (w.buyVol - w.sellVol) / total
		agg.AvgSize = total / float64(w.count)
	}

	live := w.entries[w.head:]
	if len(live) == 0 {
		return agg
	}
	var value, volume, sum float64
	for _, e := range live {
		v := e.buyVol + e.sellVol
		value += e.price * v
		volume += v
		sum += e.price
	}
	if volume > 0 {
		agg.VWAP = value / volume
	}
	mean := sum / float64(len(live))
	if len(live) > 1 {
		var ss float64
		for _, e := range live {
			d := e.price - mean
			ss += d * d
		}
		agg.Volatility = math.Sqrt(ss / float64(len(live)-1))
	}
	return agg
}

// Set tracks one symbol's windows across all configured horizons.
type Set struct {
	windows []*Window
}

// NewSet builds windows for each horizon.
func NewSet(horizons []time.Duration) *Set {
	s := &Set{windows: make([]*Window, 0, len(horizons))}
	for _, h := range horizons {
		s.windows = append(s.windows, NewWindow(h))
	}
	return s
}

// Record fans one trade out to every horizon window.
func (s *Set) Record(eventTime time.Time, price, buyVol, sellVol float64, seq int64) {
	for _, w := range s.windows {
		w.Record(eventTime, price, buyVol, sellVol, seq)
	}
}

// Advance ages every window forward to eventTime.
func (s *Set) Advance(eventTime time.Time) {
	for _, w := range s.windows {
		w.Advance(eventTime)
	}
}

// Aggregates returns the summary for every horizon, shortest first.
func (s *Set) Aggregates() []Aggregates {
	out := make([]Aggregates, 0, len(s.windows))
	for _, w := range s.windows {
		out = append(out, w.Aggregates())
	}
	return out
}

// Watermark returns the highest trade sequence id seen across the set.
func (s *Set) Watermark() int64 {
	var wm int64
	for _, w := range s.windows {
		if w.Watermark() > wm {
			wm = w.Watermark()
		}
	}
	return wm
}
