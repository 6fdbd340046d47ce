package archive

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedanchor/feedanchor/internal/bus"
	"github.com/feedanchor/feedanchor/internal/models"
)

func newSink(t *testing.T, batchSize int) (*Sink, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	db := sqlx.NewDb(mockDB, "sqlmock")
	return New(Config{BatchSize: batchSize, FlushInterval: time.Hour}, db), mock
}

func message(t *testing.T, seq int64) *bus.Message {
	t.Helper()
	ev := models.NormalizedEvent{
		Symbol:     "BTCUSDT",
		Kind:       models.KindTrade,
		SequenceID: seq,
		EventTime:  time.Now(),
		IngestTime: time.Now(),
		Trade:      &models.TradePayload{Price: 100.0, Quantity: 0.5},
	}
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	return &bus.Message{Topic: bus.TopicNormalized, Key: "BTCUSDT", Payload: payload}
}

func TestHandleMessage_FullBatchFlushedByRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink, mock := newSink(t, 3)

	require.NoError(t, sink.HandleMessage(ctx, message(t, 1)))
	require.NoError(t, sink.HandleMessage(ctx, message(t, 2)))
	assert.Equal(t, 2, sink.Pending())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO normalized_events").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	done := make(chan struct{})
	go func() {
		sink.Run(ctx)
		close(done)
	}()

	// The third message fills the batch; Run picks up the signal and flushes.
	require.NoError(t, sink.HandleMessage(ctx, message(t, 3)))
	assert.Eventually(t, func() bool { return sink.Pending() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleMessage_FullBatchDoesNotBlockOnSlowDatabase(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink, mock := newSink(t, 1)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO normalized_events").
		WillDelayFor(300 * time.Millisecond).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	done := make(chan struct{})
	go func() {
		sink.Run(ctx)
		close(done)
	}()

	// HandleMessage runs on the feed's publish goroutine; a slow insert must
	// not stall it for the database round-trip.
	start := time.Now()
	require.NoError(t, sink.HandleMessage(ctx, message(t, 1)))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	assert.Eventually(t, func() bool { return sink.Pending() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleMessage_RejectsGarbage(t *testing.T) {
	sink, _ := newSink(t, 10)
	err := sink.HandleMessage(context.Background(), &bus.Message{Payload: []byte("not json")})
	assert.Error(t, err)
	assert.Equal(t, 0, sink.Pending())
}

func TestFlush_RequeuesOnFailure(t *testing.T) {
	ctx := context.Background()
	sink, mock := newSink(t, 10)

	require.NoError(t, sink.HandleMessage(ctx, message(t, 1)))
	require.NoError(t, sink.HandleMessage(ctx, message(t, 2)))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO normalized_events").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	require.Error(t, sink.Flush(ctx))
	assert.Equal(t, 2, sink.Pending(), "failed batch stays buffered")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO normalized_events").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, sink.Flush(ctx))
	assert.Equal(t, 0, sink.Pending())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlush_EmptyBufferIsNoop(t *testing.T) {
	sink, mock := newSink(t, 10)
	require.NoError(t, sink.Flush(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
