// Package config loads the process configuration: YAML file first, then
// environment overrides. Every threshold in the pipeline is configurable
// here; the compiled-in values are defaults, not constants.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	Symbols []string `yaml:"symbols" envconfig:"SYMBOLS"`

	// Horizons are the trailing stats windows kept per symbol. The gap
	// detector's volume cross-check reads one of these, so VolumeHorizon
	// must be a member.
	Horizons []time.Duration `yaml:"horizons" envconfig:"STATS_HORIZONS"`

	Feed    FeedConfig    `yaml:"feed"`
	Redis   RedisConfig   `yaml:"redis"`
	Gap     GapConfig     `yaml:"gap"`
	Rebuild RebuildConfig `yaml:"rebuild"`
	Serve   ServeConfig   `yaml:"serve"`
	HTTP    HTTPConfig    `yaml:"http"`
	Archive ArchiveConfig `yaml:"archive"`
	Log     LogConfig     `yaml:"log"`
}

// FeedConfig tunes the hot websocket path.
type FeedConfig struct {
	URL           string        `yaml:"url" envconfig:"FEED_URL"`
	ReconnectBase time.Duration `yaml:"reconnect_base" envconfig:"FEED_RECONNECT_BASE"`
	ReconnectMax  time.Duration `yaml:"reconnect_max" envconfig:"FEED_RECONNECT_MAX"`
}

// RedisConfig selects and tunes the hot-state store. When Addr is empty the
// process runs on the in-memory store.
type RedisConfig struct {
	Addr     string `yaml:"addr" envconfig:"REDIS_ADDR"`
	Password string `yaml:"password" envconfig:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" envconfig:"REDIS_DB"`
}

// GapConfig tunes the three gap signals.
type GapConfig struct {
	TimeThreshold   time.Duration `yaml:"time_threshold" envconfig:"GAP_TIME_THRESHOLD"`
	CheckInterval   time.Duration `yaml:"check_interval" envconfig:"GAP_CHECK_INTERVAL"`
	VolumeInterval  time.Duration `yaml:"volume_interval" envconfig:"GAP_VOLUME_INTERVAL"`
	VolumeHorizon   time.Duration `yaml:"volume_horizon" envconfig:"GAP_VOLUME_HORIZON"`
	VolumeTolerance float64       `yaml:"volume_tolerance" envconfig:"GAP_VOLUME_TOLERANCE"`
}

// RebuildConfig tunes the reference fetch and re-anchor cycle.
type RebuildConfig struct {
	ReferenceURL  string        `yaml:"reference_url" envconfig:"REFERENCE_URL"`
	LeaseTTL      time.Duration `yaml:"lease_ttl" envconfig:"REANCHOR_LEASE_TTL"`
	BookDepth     int           `yaml:"book_depth" envconfig:"REANCHOR_BOOK_DEPTH"`
	TradeLimit    int           `yaml:"trade_limit" envconfig:"REANCHOR_TRADE_LIMIT"`
	RatePerSecond float64       `yaml:"rate_per_second" envconfig:"REFERENCE_RATE"`
	MaxRetries    int           `yaml:"max_retries" envconfig:"REFERENCE_MAX_RETRIES"`
}

// ServeConfig tunes the serving loops.
type ServeConfig struct {
	TickInterval time.Duration `yaml:"tick_interval" envconfig:"SERVE_TICK_INTERVAL"`
	Deadline     time.Duration `yaml:"deadline" envconfig:"SERVE_DEADLINE"`
	MaxAge       time.Duration `yaml:"max_age" envconfig:"SERVE_MAX_AGE"`
	StateTTL     time.Duration `yaml:"state_ttl" envconfig:"SERVE_STATE_TTL"`
}

// HTTPConfig tunes the observability server.
type HTTPConfig struct {
	Addr string `yaml:"addr" envconfig:"HTTP_ADDR"`
}

// ArchiveConfig tunes the cold archival sink. When DSN is empty archival is
// disabled.
type ArchiveConfig struct {
	DSN           string        `yaml:"dsn" envconfig:"ARCHIVE_DSN"`
	BatchSize     int           `yaml:"batch_size" envconfig:"ARCHIVE_BATCH_SIZE"`
	FlushInterval time.Duration `yaml:"flush_interval" envconfig:"ARCHIVE_FLUSH_INTERVAL"`
}

// LogConfig tunes structured logging.
type LogConfig struct {
	Level string `yaml:"level" envconfig:"LOG_LEVEL"`
	File  string `yaml:"file" envconfig:"LOG_FILE"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Symbols:  []string{"BTCUSDT"},
		Horizons: []time.Duration{time.Second, 5 * time.Second, 10 * time.Second, 60 * time.Second},
		Feed: FeedConfig{
			URL:           "wss://stream.binance.com:9443",
			ReconnectBase: time.Second,
			ReconnectMax:  30 * time.Second,
		},
		Gap: GapConfig{
			TimeThreshold:   5 * time.Second,
			CheckInterval:   time.Second,
			VolumeInterval:  30 * time.Second,
			VolumeHorizon:   60 * time.Second,
			VolumeTolerance: 0.5,
		},
		Rebuild: RebuildConfig{
			ReferenceURL:  "https://api.binance.com",
			LeaseTTL:      5 * time.Minute,
			BookDepth:     1000,
			TradeLimit:    500,
			RatePerSecond: 10,
			MaxRetries:    3,
		},
		Serve: ServeConfig{
			TickInterval: time.Second,
			Deadline:     100 * time.Millisecond,
			MaxAge:       3 * time.Second,
			StateTTL:     time.Minute,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Archive: ArchiveConfig{
			BatchSize:     200,
			FlushInterval: 5 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the effective configuration: defaults, then the YAML file if
// path is non-empty, then FEEDANCHOR_* environment variables. A .env file in
// the working directory is folded into the environment first.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := envconfig.Process("FEEDANCHOR", &cfg); err != nil {
		return cfg, fmt.Errorf("env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: at least one symbol required")
	}
	if c.Feed.URL == "" {
		return fmt.Errorf("config: feed url required")
	}
	if c.Gap.TimeThreshold <= 0 {
		return fmt.Errorf("config: gap time threshold must be positive")
	}
	if len(c.Horizons) == 0 {
		return fmt.Errorf("config: at least one stats horizon required")
	}
	if c.Gap.VolumeInterval > 0 {
		found := false
		for _, h := range c.Horizons {
			if h == c.Gap.VolumeHorizon {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("config: gap volume horizon %s is not one of the stats horizons %v", c.Gap.VolumeHorizon, c.Horizons)
		}
	}
	if c.Serve.Deadline <= 0 {
		return fmt.Errorf("config: serve deadline must be positive")
	}
	if c.Serve.TickInterval < c.Serve.Deadline {
		return fmt.Errorf("config: tick interval %s shorter than deadline %s", c.Serve.TickInterval, c.Serve.Deadline)
	}
	if c.Archive.DSN != "" && c.Archive.BatchSize <= 0 {
		return fmt.Errorf("config: archive batch size must be positive")
	}
	return nil
}
