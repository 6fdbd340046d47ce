// Package book maintains per-symbol order book state from depth deltas with
// strict update-id continuity and a no-crossed-book invariant.
package book

import (
	"sort"
	"time"

	"github.com/feedanchor/feedanchor/internal/models"
)

// Book is the live order book for one symbol. Levels are keyed by price;
// ordered views are materialized on snapshot. Not safe for concurrent use;
// the hot publisher is the single writer per symbol.
type Book struct {
	symbol       string
	bids         map[float64]float64
	asks         map[float64]float64
	lastUpdateID int64
	version      int64
	updatedAt    time.Time
}

// Level is one ordered price level.
type Level struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Snapshot is the serializable view of a book, bids descending and asks
// ascending. Stored in the hot-state store and rebuilt during re-anchor.
type Snapshot struct {
	Symbol       string    `json:"symbol"`
	LastUpdateID int64     `json:"last_update_id"`
	Version      int64     `json:"version"`
	Bids         []Level   `json:"bids"`
	Asks         []Level   `json:"asks"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// New creates an empty, unanchored book. The first applied delta is rejected
// until Reset seeds a watermark from an authoritative snapshot.
func New(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   make(map[float64]float64),
		asks:   make(map[float64]float64),
	}
}

// Reset replaces the entire book from an authoritative snapshot and seeds the
// watermark. Used on first anchor and by the re-anchor coordinator.
func (b *Book) Reset(lastUpdateID int64, bids, asks []models.PriceLevel, at time.Time) {
	b.bids = make(map[float64]float64, len(bids))
	b.asks = make(map[float64]float64, len(asks))
	for _, l := range bids {
		if l.Quantity > 0 {
			b.bids[l.Price] = l.Quantity
		}
	}
	for _, l := range asks {
		if l.Quantity > 0 {
			b.asks[l.Price] = l.Quantity
		}
	}
	b.lastUpdateID = lastUpdateID
	b.version++
	b.updatedAt = at
}

// Anchored reports whether the book has a seeded watermark.
func (b *Book) Anchored() bool { return b.lastUpdateID > 0 }

// LastUpdateID returns the current watermark.
func (b *Book) LastUpdateID() int64 { return b.lastUpdateID }

// Version returns the mutation counter, incremented on every accepted change.
func (b *Book) Version() int64 { return b.version }

// ApplyDelta applies one incremental depth update.
//
// Continuity: the delta's update-id window must cover exactly the next id
// past the watermark. Deltas entirely behind the watermark are duplicates and
// return ErrStaleDelta; windows starting past the expected id return a
// *SequenceGapError. Reordering is never buffered; it resolves via re-anchor.
//
// A delta whose application would cross the book is rolled back and reported
// as ErrCrossedBook, which the caller routes to the gap detector.
func (b *Book) ApplyDelta(d *models.DepthDeltaPayload, eventTime time.Time) error {
	if !b.Anchored() {
		return &models.SequenceGapError{Symbol: b.symbol, Expected: 0, Got: d.FirstUpdateID}
	}
	target := b.lastUpdateID + 1
	if d.FinalUpdateID < target {
		return models.ErrStaleDelta
	}
	if d.FirstUpdateID > target {
		return &models.SequenceGapError{Symbol: b.symbol, Expected: target, Got: d.FirstUpdateID}
	}

	undo := b.apply(d)
	if b.crossed() {
		undo()
		return models.ErrCrossedBook
	}

	b.lastUpdateID = d.FinalUpdateID
	b.version++
	b.updatedAt = eventTime
	return nil
}

// apply mutates both sides and returns a closure restoring prior quantities.
func (b *Book) apply(d *models.DepthDeltaPayload) func() {
	type prior struct {
		side  map[float64]float64
		price float64
		qty   float64
		had   bool
	}
	priors := make([]prior, 0, len(d.Bids)+len(d.Asks))

	set := func(side map[float64]float64, l models.PriceLevel) {
		old, had := side[l.Price]
		priors = append(priors, prior{side: side, price: l.Price, qty: old, had: had})
		if l.Quantity == 0 {
			delete(side, l.Price)
			return
		}
		side[l.Price] = l.Quantity
	}
	for _, l := range d.Bids {
		set(b.bids, l)
	}
	for _, l := range d.Asks {
		set(b.asks, l)
	}

	return func() {
		for i := len(priors) - 1; i >= 0; i-- {
			p := priors[i]
			if p.had {
				p.side[p.price] = p.qty
			} else {
				delete(p.side, p.price)
			}
		}
	}
}

// crossed reports whether the best bid meets or exceeds the best ask.
func (b *Book) crossed() bool {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return false
	}
	return bid.Price >= ask.Price
}

// BestBid returns the highest bid level, if any.
func (b *Book) BestBid() (Level, bool) {
	return extreme(b.bids, func(p, best float64) bool { return p > best })
}

// BestAsk returns the lowest ask level, if any.
func (b *Book) BestAsk() (Level, bool) {
	return extreme(b.asks, func(p, best float64) bool { return p < best })
}

func extreme(side map[float64]float64, better func(p, best float64) bool) (Level, bool) {
	var best Level
	found := false
	for p, q := range side {
		if !found || better(p, best.Price) {
			best = Level{Price: p, Quantity: q}
			found = true
		}
	}
	return best, found
}

// Snapshot materializes the ordered view, bids descending and asks ascending,
// truncated to depth levels per side (0 means all).
func (b *Book) Snapshot(depth int) Snapshot {
	snap := Snapshot{
		Symbol:       b.symbol,
		LastUpdateID: b.lastUpdateID,
		Version:      b.version,
		Bids:         sortedLevels(b.bids, true),
		Asks:         sortedLevels(b.asks, false),
		UpdatedAt:    b.updatedAt,
	}
	if depth > 0 {
		if len(snap.Bids) > depth {
			snap.Bids = snap.Bids[:depth]
		}
		if len(snap.Asks) > depth {
			snap.Asks = snap.Asks[:depth]
		}
	}
	return snap
}

func sortedLevels(side map[float64]float64, desc bool) []Level {
	levels := make([]Level, 0, len(side))
	for p, q := range side {
		levels = append(levels, Level{Price: p, Quantity: q})
	}
	sort.Slice(levels, func(i, j int) bool {
		if desc {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	return levels
}

// Depth returns the number of levels per side.
func (b *Book) Depth() (bids, asks int) { return len(b.bids), len(b.asks) }
