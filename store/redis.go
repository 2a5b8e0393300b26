package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// expiryGrace keeps a key alive slightly past its reset time so a request
// landing on the boundary still sees the old window.
const expiryGrace = time.Second

// takeScript runs the fixed-window read-decide-write atomically. Windows are
// hashes {count, reset_at} with reset_at in Unix milliseconds.
//
// KEYS[1] window key
// ARGV[1] limit
// ARGV[2] now (ms)
// ARGV[3] reset_at for a fresh window (ms)
// ARGV[4] key TTL for a fresh window (ms)
//
// Returns {count, reset_at, limited}.
var takeScript = redis.NewScript(`
local data = redis.call('HMGET', KEYS[1], 'count', 'reset_at')
local count = tonumber(data[1])
local reset_at = tonumber(data[2])
local limit = tonumber(ARGV[1])
local now = tonumber(ARGV[2])

if count == nil or reset_at == nil or now > reset_at then
    redis.call('HSET', KEYS[1], 'count', 1, 'reset_at', ARGV[3])
    redis.call('PEXPIRE', KEYS[1], ARGV[4])
    return {1, tonumber(ARGV[3]), 0}
end

if count >= limit then
    return {count, reset_at, 1}
end

count = redis.call('HINCRBY', KEYS[1], 'count', 1)
return {count, reset_at, 0}
`)

// Redis is a Redis-backed implementation of Store for deployments running
// more than one instance. Every Take is a single Lua script execution, so
// concurrent requests from any instance observe one consistent window.
//
// The caller's clock decides window boundaries (it is passed to the script),
// which keeps behaviour identical to the Memory store. Instances should run
// with synchronized clocks.
type Redis struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// RedisConfig holds configuration for Redis connection.
// Populate it from the application's configuration; it never reads the
// environment itself.
type RedisConfig struct {
	// URL is the Redis server address (e.g., "localhost:6379")
	URL string

	// Password for Redis authentication (optional)
	Password string

	// DB is the Redis database number (default: 0)
	DB int

	// Prefix is prepended to all keys (default: "ratelimit:")
	Prefix string

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithRedisClock replaces time.Now for window arithmetic.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *Redis) {
		r.now = now
	}
}

// NewRedis creates a Redis store with the given configuration.
// Validates the connection with a ping before returning.
//
// Example:
//
//	st, err := store.NewRedis(store.RedisConfig{
//		URL:    "localhost:6379",
//		Prefix: "formguard:",
//	})
func NewRedis(config RedisConfig, opts ...RedisOption) (*Redis, error) {
	redisOpts := &redis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
	}
	if config.DialTimeout > 0 {
		redisOpts.DialTimeout = config.DialTimeout
	}

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisFromClient(client, config.Prefix, opts...), nil
}

// NewRedisFromClient wraps an existing client. Close() closes the client.
func NewRedisFromClient(client redis.UniversalClient, prefix string, opts ...RedisOption) *Redis {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	r := &Redis{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Take admits or refuses one request for key under the fixed-window rules
// documented on Store.
func (r *Redis) Take(ctx context.Context, key string, limit int64, window time.Duration) (Window, error) {
	now := r.now()
	resetAt := now.Add(window)
	ttl := window + expiryGrace

	result, err := takeScript.Run(ctx, r.client, []string{r.prefix + key},
		limit,
		now.UnixMilli(),
		resetAt.UnixMilli(),
		ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Window{}, fmt.Errorf("redis take failed: %w", err)
	}
	if len(result) != 3 {
		return Window{}, fmt.Errorf("unexpected result length: got %d, want 3", len(result))
	}

	return Window{
		Count:   result[0],
		ResetAt: time.UnixMilli(result[1]),
		Limited: result[2] == 1,
	}, nil
}

// Get retrieves the current count for the given key without consuming.
// Returns 0 if the key doesn't exist or its window has passed.
func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	vals, err := r.client.HMGet(ctx, r.prefix+key, "count", "reset_at").Result()
	if err != nil {
		return 0, fmt.Errorf("redis get failed: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return 0, nil
	}

	count, err := parseInt(vals[0])
	if err != nil {
		return 0, fmt.Errorf("invalid count: %w", err)
	}
	resetAt, err := parseInt(vals[1])
	if err != nil {
		return 0, fmt.Errorf("invalid reset_at: %w", err)
	}

	if r.now().UnixMilli() > resetAt {
		return 0, nil
	}
	return count, nil
}

// Reset removes the window for the given key.
func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis reset failed: %w", err)
	}
	return nil
}

// Close releases the Redis client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func parseInt(v any) (int64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, errors.New("not a string")
	}
	return strconv.ParseInt(s, 10, 64)
}
