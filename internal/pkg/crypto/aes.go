package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrSealedTooShort is returned when a sealed value cannot hold a nonce.
var ErrSealedTooShort = errors.New("sealed value too short")

// SecretBox seals TOTP secrets at rest with AES-256-GCM. The owner id is
// bound as additional data so a sealed secret cannot be moved between users.
type SecretBox struct {
	gcm cipher.AEAD
}

// NewSecretBox creates a box. Key must be 32 bytes (256 bits)
func NewSecretBox(key []byte) (*SecretBox, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be exactly 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &SecretBox{gcm: gcm}, nil
}

// Seal returns base64(nonce + ciphertext + tag)
func (b *SecretBox) Seal(secret string, owner int64) (string, error) {
	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := b.gcm.Seal(nonce, nonce, []byte(secret), ownerData(owner))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal for the same owner.
func (b *SecretBox) Open(sealed string, owner int64) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(raw) < b.gcm.NonceSize() {
		return "", ErrSealedTooShort
	}
	nonce, body := raw[:b.gcm.NonceSize()], raw[b.gcm.NonceSize():]
	plain, err := b.gcm.Open(nil, nonce, body, ownerData(owner))
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plain), nil
}

func ownerData(owner int64) []byte {
	return []byte(fmt.Sprintf("user:%d", owner))
}
