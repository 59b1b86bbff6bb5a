package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Acquire claims key for owner if nobody holds it. It returns the current
// holder, which is owner itself when the claim succeeded.
func (c *Redis) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (string, bool, error) {
	ok, err := c.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease: %w", err)
	}
	if ok {
		return owner, true, nil
	}
	holder, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Released between SETNX and GET; one more attempt settles it.
		ok, err = c.client.SetNX(ctx, key, owner, ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("acquire lease: %w", err)
		}
		if ok {
			return owner, true, nil
		}
		holder, err = c.client.Get(ctx, key).Result()
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", false, fmt.Errorf("read lease holder: %w", err)
	}
	return holder, false, nil
}

// Release deletes key only while owner still holds it.
func (c *Redis) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, c.client, []string{key}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
