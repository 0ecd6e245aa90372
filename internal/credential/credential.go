// Package credential keeps the access token a client obtained from the
// identity service. Storage is injected so callers decide where tokens live.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Storage.Get for a missing or expired key.
var ErrNotFound = errors.New("credential: not found")

// Storage is a minimal key-value store.
type Storage interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Clear(ctx context.Context, key string) error
}

// Token is an access token and what it was issued for.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	UserID      int64     `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the token can no longer be used at now.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Credentials is the token slot of one client profile.
type Credentials struct {
	storage Storage
	key     string
	now     func() time.Time
}

// New returns credentials stored under the given profile name.
func New(storage Storage, profile string) *Credentials {
	return &Credentials{
		storage: storage,
		key:     "credentials:" + profile,
		now:     time.Now,
	}
}

// Save stores the token until it expires.
func (c *Credentials) Save(ctx context.Context, tok Token) error {
	ttl := time.Duration(0)
	if !tok.ExpiresAt.IsZero() {
		ttl = tok.ExpiresAt.Sub(c.now())
		if ttl <= 0 {
			return fmt.Errorf("save credentials: token already expired")
		}
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := c.storage.Set(ctx, c.key, string(raw), ttl); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// Load returns the stored token, or ErrNotFound when there is none or it expired.
func (c *Credentials) Load(ctx context.Context) (Token, error) {
	raw, err := c.storage.Get(ctx, c.key)
	if err != nil {
		return Token{}, err
	}
	var tok Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return Token{}, fmt.Errorf("decode token: %w", err)
	}
	if tok.Expired(c.now()) {
		return Token{}, ErrNotFound
	}
	return tok, nil
}

// Clear forgets the token.
func (c *Credentials) Clear(ctx context.Context) error {
	return c.storage.Clear(ctx, c.key)
}
