package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedanchor/feedanchor/internal/models"
)

func TestDecode_Trade(t *testing.T) {
	now := time.Now()
	frame := []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","E":1735689600123,"s":"BTCUSDT","t":987654,"p":"45123.50","q":"0.250","m":true}}`)

	ev, err := NewDecoder().Decode(frame, now)
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", ev.Symbol)
	assert.Equal(t, models.KindTrade, ev.Kind)
	assert.Equal(t, int64(987654), ev.SequenceID)
	assert.Equal(t, time.UnixMilli(1735689600123), ev.EventTime)
	assert.Equal(t, now, ev.IngestTime)

	require.NotNil(t, ev.Trade)
	assert.Equal(t, 45123.50, ev.Trade.Price)
	assert.Equal(t, 0.250, ev.Trade.Quantity)
	assert.True(t, ev.Trade.IsBuyerMaker)
	assert.Equal(t, 0.25, ev.Trade.SellVolume())
	assert.Equal(t, 0.0, ev.Trade.BuyVolume())
}

func TestDecode_DepthUpdate(t *testing.T) {
	frame := []byte(`{"e":"depthUpdate","E":1735689600500,"s":"BTCUSDT","U":1001,"u":1003,"b":[["45000.00","1.5"],["44999.00","0"]],"a":[["45001.00","2.0"]]}`)

	ev, err := NewDecoder().Decode(frame, time.Now())
	require.NoError(t, err)

	assert.Equal(t, models.KindDepthDelta, ev.Kind)
	assert.Equal(t, int64(1003), ev.SequenceID)
	require.NotNil(t, ev.DepthDelta)
	assert.Equal(t, int64(1001), ev.DepthDelta.FirstUpdateID)
	require.Len(t, ev.DepthDelta.Bids, 2)
	assert.Equal(t, 0.0, ev.DepthDelta.Bids[1].Quantity, "zero qty level kept as removal marker")
	require.Len(t, ev.DepthDelta.Asks, 1)
}

func TestDecode_BookTicker(t *testing.T) {
	frame := []byte(`{"u":2002,"s":"BTCUSDT","b":"45000.10","B":"3.2","a":"45000.90","A":"1.1"}`)

	ev, err := NewDecoder().Decode(frame, time.Now())
	require.NoError(t, err)

	assert.Equal(t, models.KindBestBidAsk, ev.Kind)
	assert.Equal(t, int64(2002), ev.SequenceID)
	require.NotNil(t, ev.BestBidAsk)
	assert.Equal(t, 45000.10, ev.BestBidAsk.BidPrice)
	assert.Equal(t, 1.1, ev.BestBidAsk.AskQty)
}

func TestDecode_Malformed(t *testing.T) {
	cases := []struct {
		name  string
		frame string
	}{
		{"not_json", `{{{`},
		{"unknown_type", `{"e":"kline","s":"BTCUSDT","E":1}`},
		{"trade_missing_id", `{"e":"trade","s":"BTCUSDT","p":"1.0","q":"1.0"}`},
		{"trade_bad_price", `{"e":"trade","s":"BTCUSDT","t":5,"p":"abc","q":"1.0"}`},
		{"trade_negative_qty", `{"e":"trade","s":"BTCUSDT","t":5,"p":"1.0","q":"-2"}`},
		{"depth_bad_level", `{"e":"depthUpdate","s":"BTCUSDT","U":1,"u":2,"b":[["x","1"]],"a":[]}`},
		{"ticker_missing_symbol", `{"u":7,"b":"1","B":"1","a":"2","A":"1"}`},
	}
	d := NewDecoder()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := d.Decode([]byte(tc.frame), time.Now())
			assert.Nil(t, ev)
			assert.ErrorIs(t, err, models.ErrMalformedMessage)
		})
	}
}
