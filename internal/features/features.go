// Package features derives the engineered feature vector served to the
// downstream prediction consumer from order book state and trade windows.
package features

import (
	"time"

	"github.com/google/uuid"

	"github.com/feedanchor/feedanchor/internal/book"
	"github.com/feedanchor/feedanchor/internal/stats"
)

// WindowFeatures is the per-horizon slice of the feature vector.
type WindowFeatures struct {
	HorizonSec      int     `json:"horizon_sec"`
	TradeCount      int64   `json:"trade_count"`
	BuyVolume       float64 `json:"buy_volume"`
	SellVolume      float64 `json:"sell_volume"`
	VWAP            float64 `json:"vwap"`
	PriceVolatility float64 `json:"price_volatility"`
	VolumeImbalance float64 `json:"volume_imbalance"`
	AvgTradeSize    float64 `json:"avg_trade_size"`
	TradesPerSec    float64 `json:"trades_per_sec"`
}

// Snapshot is the full feature vector for one symbol at one second-aligned
// instant. Generation identifies the exact book/window versions that produced
// it; the serving loop uses it to detect staleness across re-anchors.
type Snapshot struct {
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
	Generation string    `json:"generation"`

	BookVersion    int64 `json:"book_version"`
	LastUpdateID   int64 `json:"last_update_id"`
	TradeWatermark int64 `json:"trade_watermark"`

	BestBidPrice   float64 `json:"best_bid_price"`
	BestBidQty     float64 `json:"best_bid_qty"`
	BestAskPrice   float64 `json:"best_ask_price"`
	BestAskQty     float64 `json:"best_ask_qty"`
	MidPrice       float64 `json:"mid_price"`
	MicroPrice     float64 `json:"micro_price"`
	SpreadBps      float64 `json:"spread_bps"`
	DepthImbalance float64 `json:"depth_imbalance"`

	Windows []WindowFeatures `json:"windows"`

	ComputedAt time.Time `json:"computed_at"`
}

// Generation tokens are opaque; uuids keep them unique across process
// restarts and re-anchors without any coordination.
func newGeneration() string { return uuid.NewString() }

// Build computes a feature snapshot from the current book snapshot and window
// aggregates. now is the hot path's ingest clock; the snapshot timestamp is
// truncated to the second so the serving loop can address it by (symbol, sec).
func Build(bookSnap book.Snapshot, windows []stats.Aggregates, now time.Time) Snapshot {
	snap := Snapshot{
		Symbol:       bookSnap.Symbol,
		Timestamp:    now.Truncate(time.Second),
		Generation:   newGeneration(),
		BookVersion:  bookSnap.Version,
		LastUpdateID: bookSnap.LastUpdateID,
		ComputedAt:   now,
	}

	if len(bookSnap.Bids) > 0 && len(bookSnap.Asks) > 0 {
		bid := bookSnap.Bids[0]
		ask := bookSnap.Asks[0]
		snap.BestBidPrice = bid.Price
		snap.BestBidQty = bid.Quantity
		snap.BestAskPrice = ask.Price
		snap.BestAskQty = ask.Quantity
		snap.MidPrice = (bid.Price + ask.Price) / 2
		if qty := bid.Quantity + ask.Quantity; qty > 0 {
			snap.MicroPrice = (bid.Price*ask.Quantity + ask.Price*bid.Quantity) / qty
		}
		if snap.MidPrice > 0 {
			snap.SpreadBps = (ask.Price - bid.Price) / snap.MidPrice * 10000
		}
		snap.DepthImbalance = depthImbalance(bookSnap)
	}

	for _, agg := range windows {
		wf := WindowFeatures{
			HorizonSec:      int(agg.Horizon / time.Second),
			TradeCount:      agg.TradeCount,
			BuyVolume:       agg.BuyVolume,
			SellVolume:      agg.SellVolume,
			VWAP:            agg.VWAP,
			PriceVolatility: agg.Volatility,
			VolumeImbalance: agg.Imbalance,
			AvgTradeSize:    agg.AvgSize,
		}
		if secs := agg.Horizon.Seconds(); secs > 0 {
			wf.TradesPerSec = float64(agg.TradeCount) / secs
		}
		snap.Windows = append(snap.Windows, wf)
		if agg.Watermark > snap.TradeWatermark {
			snap.TradeWatermark = agg.Watermark
		}
	}
	return snap
}

// depthImbalance sums resting quantity across all materialized levels:
// (sumBid - sumAsk) / (sumBid + sumAsk).
func depthImbalance(s book.Snapshot) float64 {
	var sumBid, sumAsk float64
	for _, l := range s.Bids {
		sumBid += l.Quantity
	}
	for _, l := range s.Asks {
		sumAsk += l.Quantity
	}
	if sumBid+sumAsk == 0 {
		return 0
	}
	return (sumBid - sumAsk) / (sumBid + sumAsk)
}

// Age returns how far behind now the snapshot's compute time is.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.ComputedAt)
}
