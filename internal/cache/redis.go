// Package cache is the Redis-backed volatile layer: artifact references keyed by
// fingerprint, plus short-lived leases that claim generation work.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis stores string values with per-entry expiration. Read failures degrade
// to misses; write failures are returned for the caller to log.
type Redis struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, log zerolog.Logger) *Redis {
	return &Redis{client: client, log: log.With().Str("component", "cache").Logger()}
}

// Get returns the value for key, or false on a miss or any Redis error.
func (c *Redis) Get(ctx context.Context, key string) (string, bool) {
	v, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		c.log.Debug().Str("key", key).Msg("cache miss")
		return "", false
	}
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache read failed, treating as miss")
		return "", false
	}
	if v == "" {
		return "", false
	}
	c.log.Debug().Str("key", key).Msg("cache hit")
	return v, true
}

// Set writes value with the given expiration. Non-positive ttl is a no-op.
func (c *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Ping checks connectivity for health probes.
func (c *Redis) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
