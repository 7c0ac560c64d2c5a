package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/itskum47/PuppetLens/dashboard/observability"
	"github.com/redis/go-redis/v9"
)

// renewLease: if get(key) == holder then pexpire(key, ttl).
// Returns 1 when extended, 0 when PEXPIRE failed, -1 when the key is missing
// and -2 when another holder owns it.
var renewLease = redis.NewScript(`
local val = redis.call("get", KEYS[1])
if not val then
	return -1
end
if val == ARGV[1] then
	return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
else
	return -2
end
`)

var releaseLease = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisStore implements Cache and Coordinator using Redis.
// This is the backend to use whenever more than one dashboard worker
// serves requests: every worker sees the same snapshots.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	// Scripts are cached server side but Run falls back to EVAL when a
	// restart or failover dropped them
	if err := renewLease.Load(ctx, client).Err(); err != nil {
		return nil, fmt.Errorf("load renew script: %w", err)
	}
	if err := releaseLease.Load(ctx, client).Err(); err != nil {
		return nil, fmt.Errorf("load release script: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func observeRedis(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

// --- Cache ---

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	defer observeRedis(time.Now())

	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil // Not found
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set writes the value with a single SET, replacing any previous value.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	defer observeRedis(time.Now())
	return s.client.Set(ctx, key, value, ttl).Err()
}

// --- Coordinator ---

// AcquireLease uses SET key value NX PX ttl.
func (s *RedisStore) AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	defer observeRedis(time.Now())
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// RenewLease extends the TTL if the lease is held by value.
func (s *RedisStore) RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	defer observeRedis(time.Now())

	res, err := renewLease.Run(ctx, s.client, []string{key}, value, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	code, ok := res.(int64)
	if !ok {
		return false, errors.New("unexpected return type from lua script")
	}
	// -1 (missing) and -2 (mismatch) both mean the lease is lost
	return code == 1, nil
}

// ReleaseLease releases the lease if held by value.
func (s *RedisStore) ReleaseLease(ctx context.Context, key string, value string) error {
	defer observeRedis(time.Now())
	return releaseLease.Run(ctx, s.client, []string{key}, value).Err()
}
