package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedanchor/feedanchor/internal/metrics"
)

type fakeStatus struct {
	statuses []SymbolStatus
}

func (f *fakeStatus) Status() []SymbolStatus { return f.statuses }

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

func TestHandleHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		s := New(":0", nil, nil, &fakePinger{})
		rec := httptest.NewRecorder()
		s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("store_unreachable", func(t *testing.T) {
		s := New(":0", nil, nil, &fakePinger{err: errors.New("connection refused")})
		rec := httptest.NewRecorder()
		s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "degraded", body["status"])
	})
}

func TestHandleStatus(t *testing.T) {
	status := &fakeStatus{statuses: []SymbolStatus{
		{Symbol: "BTCUSDT", State: "ok", LastEventAge: 1500, LastSequence: 42, BookAnchored: true, FeedConnected: true},
	}}
	s := New(":0", nil, status, nil)

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body []SymbolStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, "BTCUSDT", body[0].Symbol)
	assert.Equal(t, "ok", body[0].State)
	// The age field is plain milliseconds on the wire, not nanoseconds.
	assert.Contains(t, rec.Body.String(), `"last_event_age_ms":1500`)
}

func TestMetricsEndpoint(t *testing.T) {
	reg, gatherer := metrics.NewTestRegistry()
	reg.EventsDecoded.WithLabelValues("BTCUSDT", "trade").Inc()

	s := New(":0", gatherer, nil, nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "feedanchor_events_decoded_total")
}

func TestStateFor(t *testing.T) {
	assert.Equal(t, "down", StateFor(false, true, 0, time.Second))
	assert.Equal(t, "degraded", StateFor(true, false, 0, time.Second))
	assert.Equal(t, "degraded", StateFor(true, true, 2*time.Second, time.Second))
	assert.Equal(t, "ok", StateFor(true, true, 500*time.Millisecond, time.Second))
}
