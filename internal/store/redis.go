package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/feedanchor/feedanchor/internal/models"
)

// RedisStore implements Store on a Redis instance. The atomic swap and the
// owner-checked lease release run as Lua scripts, which Redis executes
// atomically, so readers never observe a half-swapped key set.
type RedisStore struct {
	client *redis.Client
}

// swapScript renames every staging key onto its live key and re-applies the
// TTL. It verifies all staging keys exist before touching anything, so a lost
// staging write fails the swap with live state untouched.
var swapScript = redis.NewScript(`
for i = 1, #KEYS, 2 do
  if redis.call("EXISTS", KEYS[i]) == 0 then
    return redis.error_reply("missing staging key " .. KEYS[i])
  end
end
for i = 1, #KEYS, 2 do
  redis.call("RENAME", KEYS[i], KEYS[i+1])
  if tonumber(ARGV[1]) > 0 then
    redis.call("PEXPIRE", KEYS[i+1], ARGV[1])
  end
end
return #KEYS / 2
`)

// releaseScript deletes the lease only when the stored owner matches.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOptions carries connection settings for the hot-state store.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedisStore connects a Redis-backed hot-state store.
func NewRedisStore(opts RedisOptions) *RedisStore {
	poolSize := opts.PoolSize
	if poolSize == 0 {
		poolSize = 10
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,

		PoolSize:     poolSize,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
	})
	return &RedisStore{client: client}
}

// NewRedisStoreWithClient wraps an existing client (tests, shared pools).
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrNotFound
	}
	return val, err
}

func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisStore) Swap(ctx context.Context, pairs map[string]string, ttl time.Duration) error {
	if len(pairs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(pairs)*2)
	for staging, live := range pairs {
		keys = append(keys, staging, live)
	}
	err := swapScript.Run(ctx, r.client, keys, ttl.Milliseconds()).Err()
	if err != nil {
		log.Error().Err(err).Int("keys", len(pairs)).Msg("hot-state swap aborted")
		return models.ErrSwapFailed
	}
	return nil
}

func (r *RedisStore) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// Extend our own lease; anyone else's stays untouched.
	current, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; next trigger retries.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if current != owner {
		return false, nil
	}
	return true, r.client.PExpire(ctx, key, ttl).Err()
}

func (r *RedisStore) ReleaseLease(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, r.client, []string{key}, owner).Err()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
