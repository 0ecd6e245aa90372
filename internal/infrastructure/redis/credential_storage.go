package redis

import (
	"context"
	"errors"
	"time"

	"github.com/portfolio-risk/api/internal/credential"
)

// CredentialStorage keeps client tokens in Redis so several processes can
// share one login.
type CredentialStorage struct {
	client *Client
	prefix string
}

var _ credential.Storage = (*CredentialStorage)(nil)

func NewCredentialStorage(client *Client, prefix string) *CredentialStorage {
	return &CredentialStorage{client: client, prefix: prefix}
}

func (s *CredentialStorage) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.prefix+key)
	if errors.Is(err, ErrNotFound) {
		return "", credential.ErrNotFound
	}
	return v, err
}

func (s *CredentialStorage) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, value, ttl)
}

func (s *CredentialStorage) Clear(ctx context.Context, key string) error {
	return s.client.Delete(ctx, s.prefix+key)
}
