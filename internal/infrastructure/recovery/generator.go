// Package recovery generates the one-time recovery codes handed out during
// TOTP setup and checks them against their stored hashes.
package recovery

import (
	"crypto/rand"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	CodeLength = 8 // without the hyphen
	CodeCount  = 10
	// no I, O, 0 or 1
	CodeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// Cost is the bcrypt cost used by Hash. Lowered in tests.
var Cost = bcrypt.DefaultCost

// GenerateCodes returns CodeCount distinct codes in XXXX-XXXX format.
func GenerateCodes() ([]string, error) {
	seen := make(map[string]struct{}, CodeCount)
	codes := make([]string, 0, CodeCount)
	for len(codes) < CodeCount {
		code, err := generateSingleCode()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

func generateSingleCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	var sb strings.Builder
	sb.Grow(CodeLength + 1)
	for i, b := range buf {
		if i == CodeLength/2 {
			sb.WriteByte('-')
		}
		sb.WriteByte(CodeCharset[int(b)%len(CodeCharset)])
	}
	return sb.String(), nil
}

// Hash returns the bcrypt hash of the normalized code.
func Hash(code string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(NormalizeCode(code)), Cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash recovery code: %w", err)
	}
	return string(h), nil
}

// HashAll hashes every code, in order.
func HashAll(codes []string) ([]string, error) {
	hashes := make([]string, len(codes))
	for i, c := range codes {
		h, err := Hash(c)
		if err != nil {
			return nil, err
		}
		hashes[i] = h
	}
	return hashes, nil
}

// Matches reports whether code hashes to hash. Case and hyphens are ignored.
func Matches(hash, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(NormalizeCode(code))) == nil
}

// NormalizeCode strips the hyphen and upper-cases.
func NormalizeCode(code string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(code)), "-", "")
}

// IsRecoveryCodeFormat reports whether input looks like a recovery code
// rather than a TOTP code.
func IsRecoveryCodeFormat(code string) bool {
	normalized := NormalizeCode(code)
	if len(normalized) != CodeLength {
		return false
	}
	for _, c := range normalized {
		if !strings.ContainsRune(CodeCharset, c) {
			return false
		}
	}
	return true
}
