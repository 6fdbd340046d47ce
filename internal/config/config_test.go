package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
symbols: [BTCUSDT, ETHUSDT]
gap:
  time_threshold: 10s
serve:
  deadline: 250ms
  tick_interval: 2s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Symbols)
	assert.Equal(t, 10*time.Second, cfg.Gap.TimeThreshold)
	assert.Equal(t, 250*time.Millisecond, cfg.Serve.Deadline)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5*time.Minute, cfg.Rebuild.LeaseTTL)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("FEEDANCHOR_SERVE_DEADLINE", "50ms")
	t.Setenv("FEEDANCHOR_REDIS_ADDR", "localhost:6379")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, cfg.Serve.Deadline)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidate_VolumeHorizonIgnoredWhenCheckDisabled(t *testing.T) {
	cfg := Default()
	cfg.Gap.VolumeInterval = -1
	cfg.Gap.VolumeHorizon = 42 * time.Second
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no_symbols", func(c *Config) { c.Symbols = nil }},
		{"no_feed_url", func(c *Config) { c.Feed.URL = "" }},
		{"zero_gap_threshold", func(c *Config) { c.Gap.TimeThreshold = 0 }},
		{"no_horizons", func(c *Config) { c.Horizons = nil }},
		{"volume_horizon_not_a_stats_window", func(c *Config) { c.Gap.VolumeHorizon = 42 * time.Second }},
		{"deadline_exceeds_tick", func(c *Config) { c.Serve.TickInterval = 50 * time.Millisecond }},
		{"archive_without_batch", func(c *Config) { c.Archive.DSN = "postgres://x"; c.Archive.BatchSize = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
