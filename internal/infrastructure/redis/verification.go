package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/portfolio-risk/api/internal/domain"
)

const pendingCodeKeyPattern = "verify:%s:%d" // purpose:userID

func PendingCodeKey(purpose domain.Purpose, userID int64) string {
	return fmt.Sprintf(pendingCodeKeyPattern, purpose, userID)
}

// SavePendingCode replaces any earlier code for the same purpose.
func (c *Client) SavePendingCode(ctx context.Context, purpose domain.Purpose, userID int64, code domain.PendingCode) error {
	key := PendingCodeKey(purpose, userID)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"hash", code.Hash,
			"attempts", code.Attempts,
			"max_attempts", code.MaxAttempts,
			"expires_at", code.ExpiresAt.Unix(),
		)
		pipe.ExpireAt(ctx, key, code.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save pending code: %w", err)
	}
	return nil
}

// GetPendingCode returns ErrNotFound when there is no live code.
func (c *Client) GetPendingCode(ctx context.Context, purpose domain.Purpose, userID int64) (*domain.PendingCode, error) {
	fields, err := c.rdb.HGetAll(ctx, PendingCodeKey(purpose, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get pending code: %w", err)
	}
	if len(fields) == 0 || fields["hash"] == "" {
		return nil, ErrNotFound
	}

	attempts, _ := strconv.Atoi(fields["attempts"])
	maxAttempts, _ := strconv.Atoi(fields["max_attempts"])
	expires, _ := strconv.ParseInt(fields["expires_at"], 10, 64)

	return &domain.PendingCode{
		Hash:        fields["hash"],
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		ExpiresAt:   time.Unix(expires, 0),
	}, nil
}

// IncrementCodeAttempts records a wrong guess and returns the new count.
func (c *Client) IncrementCodeAttempts(ctx context.Context, purpose domain.Purpose, userID int64) (int, error) {
	key := PendingCodeKey(purpose, userID)
	n, err := c.rdb.HIncrBy(ctx, key, "attempts", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("increment code attempts: %w", err)
	}
	// HINCRBY on a key that expired in between recreates it without a TTL
	if n == 1 {
		if ttl, err := c.rdb.TTL(ctx, key).Result(); err == nil && ttl < 0 {
			_ = c.rdb.Del(ctx, key).Err()
			return 0, ErrNotFound
		}
	}
	return int(n), nil
}

func (c *Client) DeletePendingCode(ctx context.Context, purpose domain.Purpose, userID int64) error {
	err := c.rdb.Del(ctx, PendingCodeKey(purpose, userID)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete pending code: %w", err)
	}
	return nil
}
