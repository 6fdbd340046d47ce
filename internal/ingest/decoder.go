// Package ingest turns raw feed messages into normalized events and owns the
// WebSocket connection to the live feed.
package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/feedanchor/feedanchor/internal/models"
)

// Raw wire shapes, Binance combined-stream style. Prices and quantities
// arrive as strings and are parsed exactly before conversion.

type rawEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type rawHeader struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
}

type rawTrade struct {
	rawHeader
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	IsBuyerMaker bool   `json:"m"`
}

type rawBookTicker struct {
	Symbol   string `json:"s"`
	UpdateID int64  `json:"u"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

type rawDepthUpdate struct {
	rawHeader
	FirstUpdateID int64       `json:"U"`
	FinalUpdateID int64       `json:"u"`
	Bids          [][2]string `json:"b"`
	Asks          [][2]string `json:"a"`
}

// Decoder normalizes raw feed frames. Stateless and safe for concurrent use.
type Decoder struct{}

// NewDecoder creates a decoder.
func NewDecoder() *Decoder { return &Decoder{} }

// Decode accepts one raw frame and returns exactly one normalized event, or
// an error wrapping models.ErrMalformedMessage. A bad frame never blocks the
// stream; callers log and drop. The sequence id is always the exchange's own
// identifier so gaps stay externally verifiable.
func (d *Decoder) Decode(frame []byte, ingestTime time.Time) (*models.NormalizedEvent, error) {
	var env rawEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, malformed("envelope: %v", err)
	}
	payload := env.Data
	if len(payload) == 0 {
		// Frames may also arrive bare, without the combined-stream wrapper.
		payload = frame
	}

	var hdr rawHeader
	if err := json.Unmarshal(payload, &hdr); err != nil {
		return nil, malformed("header: %v", err)
	}

	switch hdr.EventType {
	case "trade", "aggTrade":
		return d.decodeTrade(payload, ingestTime)
	case "depthUpdate":
		return d.decodeDepth(payload, ingestTime)
	case "":
		// bookTicker frames carry no event type field.
		return d.decodeBookTicker(payload, ingestTime)
	default:
		return nil, malformed("unknown event type %q", hdr.EventType)
	}
}

func (d *Decoder) decodeTrade(payload []byte, ingestTime time.Time) (*models.NormalizedEvent, error) {
	var raw rawTrade
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, malformed("trade: %v", err)
	}
	if raw.Symbol == "" || raw.TradeID == 0 {
		return nil, malformed("trade missing symbol or id")
	}
	price, err := parsePositive(raw.Price)
	if err != nil {
		return nil, malformed("trade price %q: %v", raw.Price, err)
	}
	qty, err := parsePositive(raw.Quantity)
	if err != nil {
		return nil, malformed("trade qty %q: %v", raw.Quantity, err)
	}
	return &models.NormalizedEvent{
		Symbol:     raw.Symbol,
		Kind:       models.KindTrade,
		SequenceID: raw.TradeID,
		EventTime:  time.UnixMilli(raw.EventTime),
		IngestTime: ingestTime,
		Trade: &models.TradePayload{
			Price:        price,
			Quantity:     qty,
			IsBuyerMaker: raw.IsBuyerMaker,
		},
	}, nil
}

func (d *Decoder) decodeBookTicker(payload []byte, ingestTime time.Time) (*models.NormalizedEvent, error) {
	var raw rawBookTicker
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, malformed("bookTicker: %v", err)
	}
	if raw.Symbol == "" || raw.UpdateID == 0 {
		return nil, malformed("bookTicker missing symbol or update id")
	}
	bp, err := parsePositive(raw.BidPrice)
	if err != nil {
		return nil, malformed("bookTicker bid %q: %v", raw.BidPrice, err)
	}
	ap, err := parsePositive(raw.AskPrice)
	if err != nil {
		return nil, malformed("bookTicker ask %q: %v", raw.AskPrice, err)
	}
	bq, err := parseNonNegative(raw.BidQty)
	if err != nil {
		return nil, malformed("bookTicker bid qty: %v", err)
	}
	aq, err := parseNonNegative(raw.AskQty)
	if err != nil {
		return nil, malformed("bookTicker ask qty: %v", err)
	}
	return &models.NormalizedEvent{
		Symbol:     raw.Symbol,
		Kind:       models.KindBestBidAsk,
		SequenceID: raw.UpdateID,
		EventTime:  ingestTime,
		IngestTime: ingestTime,
		BestBidAsk: &models.BestBidAskPayload{
			BidPrice: bp, BidQty: bq,
			AskPrice: ap, AskQty: aq,
		},
	}, nil
}

func (d *Decoder) decodeDepth(payload []byte, ingestTime time.Time) (*models.NormalizedEvent, error) {
	var raw rawDepthUpdate
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, malformed("depthUpdate: %v", err)
	}
	if raw.Symbol == "" || raw.FinalUpdateID == 0 {
		return nil, malformed("depthUpdate missing symbol or update ids")
	}
	bids, err := parseLevels(raw.Bids)
	if err != nil {
		return nil, malformed("depthUpdate bids: %v", err)
	}
	asks, err := parseLevels(raw.Asks)
	if err != nil {
		return nil, malformed("depthUpdate asks: %v", err)
	}
	return &models.NormalizedEvent{
		Symbol:     raw.Symbol,
		Kind:       models.KindDepthDelta,
		SequenceID: raw.FinalUpdateID,
		EventTime:  time.UnixMilli(raw.EventTime),
		IngestTime: ingestTime,
		DepthDelta: &models.DepthDeltaPayload{
			FirstUpdateID: raw.FirstUpdateID,
			FinalUpdateID: raw.FinalUpdateID,
			Bids:          bids,
			Asks:          asks,
		},
	}, nil
}

func parseLevels(raw [][2]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		price, err := parsePositive(pair[0])
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", pair[0], err)
		}
		qty, err := parseNonNegative(pair[1])
		if err != nil {
			return nil, fmt.Errorf("qty %q: %w", pair[1], err)
		}
		levels = append(levels, models.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

func parsePositive(s string) (float64, error) {
	v, err := parseNonNegative(s)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return v, nil
}

func parseNonNegative(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("must not be negative")
	}
	f, _ := d.Float64()
	return f, nil
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", models.ErrMalformedMessage, fmt.Sprintf(format, args...))
}
