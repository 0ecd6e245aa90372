package redis

import (
	"context"
	"fmt"
	"time"
)

// Quota is the outcome of one counted hit against a fixed window limit.
type Quota struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// Hit counts one event under key. The window starts with the first hit.
func (c *Client) Hit(ctx context.Context, key string, limit int, window time.Duration) (Quota, error) {
	key = "ratelimit:" + key
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return Quota{}, fmt.Errorf("rate limit incr: %w", err)
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, key, window).Err(); err != nil {
			return Quota{}, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	if n <= int64(limit) {
		return Quota{Allowed: true, Count: n}, nil
	}

	retry, err := c.ttl(ctx, key)
	if err != nil {
		return Quota{}, fmt.Errorf("rate limit ttl: %w", err)
	}
	return Quota{Allowed: false, Count: n, RetryAfter: retry}, nil
}

// StartCooldown claims key for d. When the key is already held it returns
// false with the time left.
func (c *Client) StartCooldown(ctx context.Context, key string, d time.Duration) (bool, time.Duration, error) {
	key = "cooldown:" + key
	ok, err := c.rdb.SetNX(ctx, key, 1, d).Result()
	if err != nil {
		return false, 0, fmt.Errorf("cooldown setnx: %w", err)
	}
	if ok {
		return true, 0, nil
	}
	left, err := c.ttl(ctx, key)
	if err != nil {
		return false, 0, fmt.Errorf("cooldown ttl: %w", err)
	}
	return false, left, nil
}
