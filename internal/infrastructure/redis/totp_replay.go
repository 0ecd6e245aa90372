package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// TOTPReplayTTL covers the whole accepted window: the current step and one
// step either side.
const TOTPReplayTTL = 90 * time.Second

const (
	totpReplayKeyPattern = "totp_used:%d:%s" // userID:code
	authFailedKeyPattern = "auth_failed:%d"  // userID
)

func TOTPReplayKey(userID int64, code string) string {
	return fmt.Sprintf(totpReplayKeyPattern, userID, code)
}

func AuthFailedKey(userID int64) string {
	return fmt.Sprintf(authFailedKeyPattern, userID)
}

// MarkTOTPCodeUsed returns false when the code was already accepted once.
func (c *Client) MarkTOTPCodeUsed(ctx context.Context, userID int64, code string) (bool, error) {
	return c.rdb.SetNX(ctx, TOTPReplayKey(userID, code), "used", TOTPReplayTTL).Result()
}

// IncrementAuthFailed counts a failed second-factor attempt. The counter
// lives for lockout, measured from the first failure.
func (c *Client) IncrementAuthFailed(ctx context.Context, userID int64, lockout time.Duration) (int64, error) {
	key := AuthFailedKey(userID)
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, key, lockout).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (c *Client) ResetAuthFailed(ctx context.Context, userID int64) error {
	return c.Delete(ctx, AuthFailedKey(userID))
}

// IsLocked reports whether threshold failures were reached, and for how long
// the lock still holds.
func (c *Client) IsLocked(ctx context.Context, userID int64, threshold int) (bool, time.Duration, error) {
	val, err := c.Get(ctx, AuthFailedKey(userID))
	if errors.Is(err, ErrNotFound) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	n, _ := strconv.ParseInt(val, 10, 64)
	if n < int64(threshold) {
		return false, 0, nil
	}
	ttl, err := c.ttl(ctx, AuthFailedKey(userID))
	if err != nil {
		return false, 0, err
	}
	return true, ttl, nil
}
