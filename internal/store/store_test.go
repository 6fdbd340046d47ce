package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedanchor/feedanchor/internal/models"
)

func TestMemoryStore_PointOps(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	t.Run("get_missing", func(t *testing.T) {
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("put_get_roundtrip", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "k", []byte("v"), 0))
		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), got)
	})

	t.Run("ttl_expiry", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "short", []byte("v"), 10*time.Millisecond))
		time.Sleep(25 * time.Millisecond)
		_, err := s.Get(ctx, "short")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "d", []byte("v"), 0))
		require.NoError(t, s.Delete(ctx, "d", "missing-is-fine"))
		_, err := s.Get(ctx, "d")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestMemoryStore_Swap(t *testing.T) {
	ctx := context.Background()

	t.Run("all_keys_renamed", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.Put(ctx, "stage:a", []byte("A"), 0))
		require.NoError(t, s.Put(ctx, "stage:b", []byte("B"), 0))
		require.NoError(t, s.Put(ctx, "live:a", []byte("old"), 0))

		err := s.Swap(ctx, map[string]string{"stage:a": "live:a", "stage:b": "live:b"}, time.Minute)
		require.NoError(t, err)

		a, err := s.Get(ctx, "live:a")
		require.NoError(t, err)
		assert.Equal(t, []byte("A"), a)
		b, err := s.Get(ctx, "live:b")
		require.NoError(t, err)
		assert.Equal(t, []byte("B"), b)

		_, err = s.Get(ctx, "stage:a")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("missing_staging_key_leaves_live_untouched", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.Put(ctx, "stage:a", []byte("A"), 0))
		require.NoError(t, s.Put(ctx, "live:a", []byte("old-a"), 0))
		require.NoError(t, s.Put(ctx, "live:b", []byte("old-b"), 0))

		err := s.Swap(ctx, map[string]string{"stage:a": "live:a", "stage:missing": "live:b"}, 0)
		assert.ErrorIs(t, err, models.ErrSwapFailed)

		a, err := s.Get(ctx, "live:a")
		require.NoError(t, err)
		assert.Equal(t, []byte("old-a"), a)
		b, err := s.Get(ctx, "live:b")
		require.NoError(t, err)
		assert.Equal(t, []byte("old-b"), b)
	})

	t.Run("injected_failure", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.Put(ctx, "stage:a", []byte("A"), 0))
		s.FailNextSwaps(1)

		err := s.Swap(ctx, map[string]string{"stage:a": "live:a"}, 0)
		assert.ErrorIs(t, err, models.ErrSwapFailed)

		// Staging still present, next attempt succeeds.
		require.NoError(t, s.Swap(ctx, map[string]string{"stage:a": "live:a"}, 0))
	})
}

func TestMemoryStore_Lease(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := LeaseKey("BTCUSDT")

	t.Run("exclusive_between_owners", func(t *testing.T) {
		ok, err := s.AcquireLease(ctx, key, "owner-1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.AcquireLease(ctx, key, "owner-2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("reentrant_for_same_owner", func(t *testing.T) {
		ok, err := s.AcquireLease(ctx, key, "owner-1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("release_is_owner_checked", func(t *testing.T) {
		require.NoError(t, s.ReleaseLease(ctx, key, "owner-2"))
		ok, err := s.AcquireLease(ctx, key, "owner-2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "foreign release must not free the lease")

		require.NoError(t, s.ReleaseLease(ctx, key, "owner-1"))
		ok, err = s.AcquireLease(ctx, key, "owner-2", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("expired_lease_reacquirable", func(t *testing.T) {
		s := NewMemoryStore()
		ok, err := s.AcquireLease(ctx, key, "crashed", 10*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)
		time.Sleep(25 * time.Millisecond)

		ok, err = s.AcquireLease(ctx, key, "repairer", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestKeyScheme(t *testing.T) {
	assert.Equal(t, "feedanchor:book:BTCUSDT", BookKey("BTCUSDT"))
	assert.Equal(t, "feedanchor:stats:BTCUSDT:5s", StatsKey("BTCUSDT", 5*time.Second))
	ts := time.Unix(1735689600, 0)
	assert.Equal(t, "feedanchor:features:BTCUSDT:1735689600", FeatureKey("BTCUSDT", ts))
	assert.Equal(t, "feedanchor:features:BTCUSDT:latest", FeatureLatestKey("BTCUSDT"))
	live := BookKey("BTCUSDT")
	assert.Equal(t, live+":staging:tok", StagingKey(live, "tok"))
}
