// Package archive is the cold path: a bus subscriber that batches normalized
// events into Postgres. Durability here is best effort from the hot path's
// perspective; a failed flush is retried with the next batch and never backs
// up ingestion.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/feedanchor/feedanchor/internal/bus"
	"github.com/feedanchor/feedanchor/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS normalized_events (
    id          BIGSERIAL PRIMARY KEY,
    symbol      TEXT        NOT NULL,
    kind        TEXT        NOT NULL,
    sequence_id BIGINT      NOT NULL,
    event_time  TIMESTAMPTZ NOT NULL,
    ingest_time TIMESTAMPTZ NOT NULL,
    payload     JSONB       NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_symbol_time ON normalized_events (symbol, event_time);
`

const insertEvent = `
INSERT INTO normalized_events (symbol, kind, sequence_id, event_time, ingest_time, payload)
VALUES (:symbol, :kind, :sequence_id, :event_time, :ingest_time, :payload)`

// row is the flattened insert form of one normalized event.
type row struct {
	Symbol     string    `db:"symbol"`
	Kind       string    `db:"kind"`
	SequenceID int64     `db:"sequence_id"`
	EventTime  time.Time `db:"event_time"`
	IngestTime time.Time `db:"ingest_time"`
	Payload    []byte    `db:"payload"`
}

// Config sizes the sink batching.
type Config struct {
	BatchSize     int           // rows per flush, default 200
	FlushInterval time.Duration // max time a row waits, default 5s
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	return c
}

// Sink batches bus messages into the events table.
type Sink struct {
	cfg  Config
	db   *sqlx.DB
	kick chan struct{}

	mu  sync.Mutex
	buf []row
}

// Open connects to Postgres and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect archive db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure archive schema: %w", err)
	}
	return db, nil
}

// New creates a sink over an open database handle.
func New(cfg Config, db *sqlx.DB) *Sink {
	return &Sink{cfg: cfg.withDefaults(), db: db, kick: make(chan struct{}, 1)}
}

// HandleMessage is the bus subscriber: decode and buffer. A full batch only
// signals Run to flush; the bus delivers synchronously, so no database work
// happens on the caller's goroutine.
func (s *Sink) HandleMessage(ctx context.Context, msg *bus.Message) error {
	var ev models.NormalizedEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return fmt.Errorf("decode archived event: %w", err)
	}

	s.mu.Lock()
	s.buf = append(s.buf, row{
		Symbol:     ev.Symbol,
		Kind:       string(ev.Kind),
		SequenceID: ev.SequenceID,
		EventTime:  ev.EventTime,
		IngestTime: ev.IngestTime,
		Payload:    msg.Payload,
	})
	full := len(s.buf) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run flushes on the configured interval, and immediately when HandleMessage
// signals a full batch, until ctx is cancelled. Then it drains the remaining
// buffer.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drain, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Flush(drain); err != nil {
				log.Warn().Err(err).Msg("archive drain failed")
			}
			cancel()
			return
		case <-s.kick:
			if err := s.Flush(ctx); err != nil {
				log.Warn().Err(err).Msg("archive flush failed")
			}
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				log.Warn().Err(err).Msg("archive flush failed")
			}
		}
	}
}

// Flush writes the buffered rows in one transaction. On failure rows are
// put back for the next attempt.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.requeue(batch)
		return fmt.Errorf("begin archive tx: %w", err)
	}
	if _, err := tx.NamedExecContext(ctx, insertEvent, batch); err != nil {
		tx.Rollback()
		s.requeue(batch)
		return fmt.Errorf("insert archive batch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		s.requeue(batch)
		return fmt.Errorf("commit archive batch: %w", err)
	}
	log.Debug().Int("rows", len(batch)).Msg("archived batch")
	return nil
}

func (s *Sink) requeue(batch []row) {
	s.mu.Lock()
	s.buf = append(batch, s.buf...)
	s.mu.Unlock()
}

// Pending returns the number of buffered rows.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}
