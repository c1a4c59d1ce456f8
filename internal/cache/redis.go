package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "astroinsight:cache:"

// RedisCache stores results in Redis with TTL-based expiry. Capacity
// management is left to Redis' own eviction policy.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// RedisOptions configures a RedisCache.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", opts.Addr, err)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{client: client, ttl: ttl, logger: slog.Default()}, nil
}

func (c *RedisCache) Lookup(ctx context.Context, fingerprint string) (json.RawMessage, bool) {
	data, err := c.client.Get(ctx, keyPrefix+fingerprint).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("cache lookup failed, treating as miss", "error", err)
		return nil, false
	}
	return json.RawMessage(data), true
}

func (c *RedisCache) Store(ctx context.Context, fingerprint string, result json.RawMessage) {
	if err := c.client.Set(ctx, keyPrefix+fingerprint, []byte(result), c.ttl).Err(); err != nil {
		c.logger.Warn("cache store failed", "error", err)
	}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
