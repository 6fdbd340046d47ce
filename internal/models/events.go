// Package models defines the normalized event types and error taxonomy
// shared by the ingestion, recovery, and serving components.
package models

import (
	"fmt"
	"time"
)

// EventKind is the closed set of normalized feed message kinds.
type EventKind string

const (
	KindTrade      EventKind = "trade"
	KindBestBidAsk EventKind = "best_bid_ask"
	KindDepthDelta EventKind = "depth_delta"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case KindTrade, KindBestBidAsk, KindDepthDelta:
		return true
	}
	return false
}

// NormalizedEvent is the canonical in-memory form of a raw feed message.
// SequenceID always comes from the exchange-provided identifier so gaps are
// externally verifiable. Exactly one payload field is non-nil, matching Kind.
type NormalizedEvent struct {
	Symbol     string    `json:"symbol"`
	Kind       EventKind `json:"kind"`
	SequenceID int64     `json:"sequence_id"`
	EventTime  time.Time `json:"event_time"`
	IngestTime time.Time `json:"ingest_time"`

	Trade      *TradePayload      `json:"trade,omitempty"`
	BestBidAsk *BestBidAskPayload `json:"best_bid_ask,omitempty"`
	DepthDelta *DepthDeltaPayload `json:"depth_delta,omitempty"`
}

// TradePayload carries a single executed trade.
type TradePayload struct {
	Price        float64 `json:"price"`
	Quantity     float64 `json:"quantity"`
	IsBuyerMaker bool    `json:"is_buyer_maker"`
}

// BuyVolume returns the taker-buy quantity of the trade (zero when the
// buyer was the maker, i.e. the aggressor was selling).
func (t TradePayload) BuyVolume() float64 {
	if t.IsBuyerMaker {
		return 0
	}
	return t.Quantity
}

// SellVolume returns the taker-sell quantity of the trade.
func (t TradePayload) SellVolume() float64 {
	if t.IsBuyerMaker {
		return t.Quantity
	}
	return 0
}

// BestBidAskPayload carries a top-of-book quote update.
type BestBidAskPayload struct {
	BidPrice float64 `json:"bid_price"`
	BidQty   float64 `json:"bid_qty"`
	AskPrice float64 `json:"ask_price"`
	AskQty   float64 `json:"ask_qty"`
}

// PriceLevel is one price level of a depth update.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// DepthDeltaPayload carries an incremental order book update. FirstUpdateID
// and FinalUpdateID delimit the exchange update-id window covered by the
// delta; continuity against the book watermark is checked on apply.
type DepthDeltaPayload struct {
	FirstUpdateID int64        `json:"first_update_id"`
	FinalUpdateID int64        `json:"final_update_id"`
	Bids          []PriceLevel `json:"bids"`
	Asks          []PriceLevel `json:"asks"`
}

// GapCause identifies which independent signal raised a gap verdict.
type GapCause string

const (
	GapCauseSequence GapCause = "sequence"
	GapCauseTime     GapCause = "time"
	GapCauseVolume   GapCause = "volume"
)

// GapSeverity ranks how urgently a symbol needs re-anchoring.
type GapSeverity string

const (
	SeverityWarning  GapSeverity = "warning"
	SeverityCritical GapSeverity = "critical"
)

// GapVerdict is the Gap Detector's decision that a symbol's hot state can no
// longer be trusted. Ephemeral; consumed by the Re-anchor Coordinator.
type GapVerdict struct {
	Symbol      string      `json:"symbol"`
	TriggeredBy GapCause    `json:"triggered_by"`
	DetectedAt  time.Time   `json:"detected_at"`
	Severity    GapSeverity `json:"severity"`
	Detail      string      `json:"detail,omitempty"`
}

func (v GapVerdict) String() string {
	return fmt.Sprintf("gap[%s] symbol=%s severity=%s %s", v.TriggeredBy, v.Symbol, v.Severity, v.Detail)
}
