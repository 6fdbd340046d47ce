package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, pr interface{ Gather() ([]*dto.MetricFamily, error) }) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := pr.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

func TestRegistry_GapAndTickMetrics(t *testing.T) {
	r, pr := NewTestRegistry()

	r.GapVerdicts.WithLabelValues("BTCUSDT", "sequence").Inc()
	r.GapVerdicts.WithLabelValues("BTCUSDT", "time").Inc()
	r.ObserveTick("BTCUSDT", "emit", 20*time.Millisecond)
	r.ObserveTick("BTCUSDT", "skip", 120*time.Millisecond)

	fams := gather(t, pr)

	gaps := fams["feedanchor_gap_verdicts_total"]
	require.NotNil(t, gaps)
	assert.Len(t, gaps.GetMetric(), 2)

	skips := fams["feedanchor_serving_skipped_ticks_total"]
	require.NotNil(t, skips)
	assert.Equal(t, 1.0, skips.GetMetric()[0].GetCounter().GetValue())

	lat := fams["feedanchor_serving_tick_latency_seconds"]
	require.NotNil(t, lat)
	assert.Equal(t, uint64(2), lat.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestRegistry_PerSymbolGauges(t *testing.T) {
	r, pr := NewTestRegistry()
	r.LastSequenceID.WithLabelValues("BTCUSDT").Set(12345)
	r.EventAge.WithLabelValues("BTCUSDT").Set(0.25)

	fams := gather(t, pr)
	seq := fams["feedanchor_last_sequence_id"]
	require.NotNil(t, seq)
	assert.Equal(t, 12345.0, seq.GetMetric()[0].GetGauge().GetValue())
}
