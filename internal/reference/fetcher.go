// Package reference is the slow authoritative path: REST snapshots of the
// order book and recent trade history, used to rebuild hot state after a gap
// and to cross-check locally accumulated volume. Calls are rate limited,
// breakered, and retried with bounded backoff; a persistently failing
// reference source degrades freshness, never availability.
package reference

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/feedanchor/feedanchor/internal/models"
)

// BookSnapshot is an authoritative order book state at a known watermark.
type BookSnapshot struct {
	Symbol       string
	LastUpdateID int64
	Bids         []models.PriceLevel
	Asks         []models.PriceLevel
	FetchedAt    time.Time
}

// Trade is one historical trade from the reference source.
type Trade struct {
	ID           int64
	Price        float64
	Quantity     float64
	IsBuyerMaker bool
	Time         time.Time
}

// Config holds the fetcher tuning. Zero values take the defaults.
type Config struct {
	BaseURL        string        // default https://api.binance.com
	RequestTimeout time.Duration // per-attempt timeout, default 10s
	RatePerSecond  float64       // default 10
	Burst          int           // default 5
	MaxRetries     int           // attempts per call, default 3
	RetryBase      time.Duration // backoff base, default 250ms
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.binance.com"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 10
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 250 * time.Millisecond
	}
	return c
}

// Fetcher pulls reference state over REST.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewFetcher creates a reference fetcher.
func NewFetcher(cfg Config) *Fetcher {
	cfg = cfg.withDefaults()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "reference-fetcher",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return &Fetcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breaker: breaker,
	}
}

type rawDepth struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type rawTrade struct {
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	Time         int64  `json:"time"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

// GetOrderBookSnapshot fetches the current book at the reference source's
// watermark. depth <= 0 requests the source default.
func (f *Fetcher) GetOrderBookSnapshot(ctx context.Context, symbol string, depth int) (*BookSnapshot, error) {
	q := url.Values{"symbol": {symbol}}
	if depth > 0 {
		q.Set("limit", strconv.Itoa(depth))
	}

	var raw rawDepth
	if err := f.getJSON(ctx, "/api/v3/depth", q, &raw); err != nil {
		return nil, err
	}

	bids, err := parseLevels(raw.Bids)
	if err != nil {
		return nil, fmt.Errorf("%w: depth bids: %v", models.ErrReferenceFetch, err)
	}
	asks, err := parseLevels(raw.Asks)
	if err != nil {
		return nil, fmt.Errorf("%w: depth asks: %v", models.ErrReferenceFetch, err)
	}
	return &BookSnapshot{
		Symbol:       symbol,
		LastUpdateID: raw.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
		FetchedAt:    time.Now(),
	}, nil
}

// GetRecentTrades fetches up to limit most recent trades, oldest first.
func (f *Fetcher) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 500
	}
	q := url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(limit)}}

	var raw []rawTrade
	if err := f.getJSON(ctx, "/api/v3/trades", q, &raw); err != nil {
		return nil, err
	}

	trades := make([]Trade, 0, len(raw))
	for _, r := range raw {
		price, err := decimal.NewFromString(r.Price)
		if err != nil {
			return nil, fmt.Errorf("%w: trade %d price %q", models.ErrReferenceFetch, r.ID, r.Price)
		}
		qty, err := decimal.NewFromString(r.Qty)
		if err != nil {
			return nil, fmt.Errorf("%w: trade %d qty %q", models.ErrReferenceFetch, r.ID, r.Qty)
		}
		trades = append(trades, Trade{
			ID:           r.ID,
			Price:        price.InexactFloat64(),
			Quantity:     qty.InexactFloat64(),
			IsBuyerMaker: r.IsBuyerMaker,
			Time:         time.UnixMilli(r.Time),
		})
	}
	return trades, nil
}

// RecentTradeCount returns how many reference trades fall within the trailing
// window. Used by the gap detector's volume cross-check.
func (f *Fetcher) RecentTradeCount(ctx context.Context, symbol string, window time.Duration) (int64, error) {
	trades, err := f.GetRecentTrades(ctx, symbol, 1000)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-window)
	var count int64
	for _, tr := range trades {
		if tr.Time.After(cutoff) {
			count++
		}
	}
	return count, nil
}

// getJSON performs one rate-limited, breakered GET with bounded retries.
func (f *Fetcher) getJSON(ctx context.Context, path string, q url.Values, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := f.cfg.RetryBase * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", models.ErrReferenceFetch, ctx.Err())
			case <-time.After(backoff):
			}
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", models.ErrReferenceFetch, err)
		}

		body, err := f.breaker.Execute(func() (interface{}, error) {
			return f.doGet(ctx, path, q)
		})
		if err != nil {
			lastErr = err
			log.Debug().Err(err).Str("path", path).Int("attempt", attempt+1).Msg("reference request failed")
			continue
		}
		if err := json.Unmarshal(body.([]byte), out); err != nil {
			return fmt.Errorf("%w: decode %s: %v", models.ErrReferenceFetch, path, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", models.ErrReferenceFetch, path, f.cfg.MaxRetries, lastErr)
}

func (f *Fetcher) doGet(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := f.cfg.BaseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}

func parseLevels(raw [][]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("level needs price and quantity, got %v", pair)
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("price %q: %v", pair[0], err)
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("quantity %q: %v", pair[1], err)
		}
		levels = append(levels, models.PriceLevel{Price: price.InexactFloat64(), Quantity: qty.InexactFloat64()})
	}
	return levels, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
