package gap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedanchor/feedanchor/internal/metrics"
	"github.com/feedanchor/feedanchor/internal/models"
	"github.com/feedanchor/feedanchor/internal/stats"
)

type verdictSink struct {
	ch chan models.GapVerdict
}

func newVerdictSink() *verdictSink {
	return &verdictSink{ch: make(chan models.GapVerdict, 16)}
}

func (s *verdictSink) handle(ctx context.Context, v models.GapVerdict) {
	s.ch <- v
}

func (s *verdictSink) next(t *testing.T) models.GapVerdict {
	t.Helper()
	select {
	case v := <-s.ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("expected a verdict")
		return models.GapVerdict{}
	}
}

func (s *verdictSink) none(t *testing.T) {
	t.Helper()
	select {
	case v := <-s.ch:
		t.Fatalf("unexpected verdict: %s", v)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeVolumes struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (f *fakeVolumes) Aggregates(symbol string) []stats.Aggregates {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []stats.Aggregates{{Horizon: 60 * time.Second, TradeCount: f.counts[symbol]}}
}

type fakeCounter struct {
	count int64
	err   error
}

func (f *fakeCounter) RecentTradeCount(ctx context.Context, symbol string, window time.Duration) (int64, error) {
	return f.count, f.err
}

func TestDetector_SequenceGap(t *testing.T) {
	sink := newVerdictSink()
	reg, _ := metrics.NewTestRegistry()
	d := New(Config{}, nil, nil, nil, sink.handle, reg)

	d.EventAccepted("BTCUSDT", 100, time.Now())
	d.SequenceGap("BTCUSDT", 101, 150)

	v := sink.next(t)
	assert.Equal(t, models.GapCauseSequence, v.TriggeredBy)
	assert.Equal(t, models.SeverityCritical, v.Severity)
	assert.Equal(t, "BTCUSDT", v.Symbol)

	t.Run("deduplicated_while_in_flight", func(t *testing.T) {
		d.SequenceGap("BTCUSDT", 101, 151)
		d.SequenceGap("BTCUSDT", 101, 152)
		sink.none(t)
	})

	t.Run("retriggers_after_resolution", func(t *testing.T) {
		d.Resolved("BTCUSDT")
		d.SequenceGap("BTCUSDT", 201, 300)
		v := sink.next(t)
		assert.Equal(t, models.GapCauseSequence, v.TriggeredBy)
	})

	t.Run("symbols_are_independent", func(t *testing.T) {
		d.SequenceGap("ETHUSDT", 11, 20)
		v := sink.next(t)
		assert.Equal(t, "ETHUSDT", v.Symbol)
	})
}

func TestDetector_TimeGap(t *testing.T) {
	sink := newVerdictSink()
	healthy := true
	d := New(Config{TimeGapThreshold: 5 * time.Second}, func() bool { return healthy }, nil, nil, sink.handle, nil)

	d.EventAccepted("BTCUSDT", 1, time.Now())

	t.Run("silent_past_threshold", func(t *testing.T) {
		d.EvaluateTime(time.Now().Add(6 * time.Second))
		v := sink.next(t)
		assert.Equal(t, models.GapCauseTime, v.TriggeredBy)
	})

	t.Run("no_duplicate_until_new_event", func(t *testing.T) {
		d.Resolved("BTCUSDT")
		// The feed is still silent; the first verdict already covered it.
		d.EvaluateTime(time.Now().Add(10 * time.Second))
		sink.none(t)

		d.EventAccepted("BTCUSDT", 2, time.Now())
		d.EvaluateTime(time.Now().Add(7 * time.Second))
		v := sink.next(t)
		assert.Equal(t, models.GapCauseTime, v.TriggeredBy)
	})

	t.Run("suppressed_while_feed_down", func(t *testing.T) {
		d.Resolved("BTCUSDT")
		d.EventAccepted("BTCUSDT", 3, time.Now())
		healthy = false
		d.EvaluateTime(time.Now().Add(time.Minute))
		sink.none(t)
	})

	t.Run("within_threshold", func(t *testing.T) {
		healthy = true
		d.EventAccepted("BTCUSDT", 4, time.Now())
		d.EvaluateTime(time.Now().Add(2 * time.Second))
		sink.none(t)
	})
}

func TestDetector_VolumeCrossCheck(t *testing.T) {
	ctx := context.Background()
	volumes := &fakeVolumes{counts: map[string]int64{"BTCUSDT": 100}}
	counter := &fakeCounter{count: 100}

	sink := newVerdictSink()
	d := New(Config{VolumeHorizon: 60 * time.Second, VolumeTolerance: 0.5}, nil, volumes, counter, sink.handle, nil)
	d.EventAccepted("BTCUSDT", 1, time.Now())

	t.Run("within_tolerance", func(t *testing.T) {
		d.EvaluateVolume(ctx)
		sink.none(t)
	})

	t.Run("beyond_tolerance", func(t *testing.T) {
		counter.count = 400
		d.EvaluateVolume(ctx)
		v := sink.next(t)
		assert.Equal(t, models.GapCauseVolume, v.TriggeredBy)
		assert.Equal(t, models.SeverityWarning, v.Severity)
	})

	t.Run("reference_failure_skips_check", func(t *testing.T) {
		d.Resolved("BTCUSDT")
		counter.err = context.DeadlineExceeded
		d.EvaluateVolume(ctx)
		sink.none(t)
	})
}

func TestDetector_LastSequence(t *testing.T) {
	d := New(Config{}, nil, nil, nil, nil, nil)
	require.Equal(t, int64(0), d.LastSequence("BTCUSDT"))
	d.EventAccepted("BTCUSDT", 42, time.Now())
	assert.Equal(t, int64(42), d.LastSequence("BTCUSDT"))
}

func TestDetector_HandlerInheritsRunContext(t *testing.T) {
	ctxCh := make(chan context.Context, 1)
	d := New(Config{CheckInterval: time.Hour}, nil, nil, nil,
		func(ctx context.Context, v models.GapVerdict) { ctxCh <- ctx }, nil)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(runCtx)

	// Run installs its context asynchronously; retrigger until the handler
	// sees a cancellable one.
	var got context.Context
	require.Eventually(t, func() bool {
		d.SequenceGap("BTCUSDT", 100, 200)
		select {
		case got = <-ctxCh:
		case <-time.After(100 * time.Millisecond):
			return false
		}
		if got.Done() == nil {
			d.Resolved("BTCUSDT")
			return false
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-got.Done():
	case <-time.After(time.Second):
		t.Fatal("handler context not cancelled on shutdown")
	}
}

func TestDetector_LastApplied(t *testing.T) {
	d := New(Config{}, nil, nil, nil, nil, nil)
	require.True(t, d.LastApplied("BTCUSDT").IsZero())

	before := time.Now()
	d.EventAccepted("BTCUSDT", 42, time.Now())
	last := d.LastApplied("BTCUSDT")
	assert.False(t, last.Before(before))
	// Independent per symbol.
	assert.True(t, d.LastApplied("ETHUSDT").IsZero())
}
