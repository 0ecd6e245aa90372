// Package totp provisions and checks authenticator-app secrets.
package totp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	Digits     = otp.DigitsSix
	Period     = 30
	SecretSize = 20 // 160 bits, 32 base32 chars
	Skew       = 1  // one step either side
	Algorithm  = otp.AlgorithmSHA1

	qrSize = 200
)

// Key is freshly provisioned TOTP material.
type Key struct {
	Secret      string
	OTPAuthURL  string
	Issuer      string
	AccountName string
	// QRCode is a PNG of OTPAuthURL as a data URI.
	QRCode string
}

// Generate creates a new secret for accountName and renders its QR code.
func Generate(issuer, accountName string) (*Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      Period,
		SecretSize:  SecretSize,
		Digits:      Digits,
		Algorithm:   Algorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	qr, err := renderQR(key)
	if err != nil {
		return nil, err
	}

	return &Key{
		Secret:      key.Secret(),
		OTPAuthURL:  key.URL(),
		Issuer:      issuer,
		AccountName: accountName,
		QRCode:      qr,
	}, nil
}

func renderQR(key *otp.Key) (string, error) {
	img, err := key.Image(qrSize, qrSize)
	if err != nil {
		return "", fmt.Errorf("failed to render QR code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("failed to encode QR code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Validate checks code against secret at t, allowing Skew steps of drift.
func Validate(secret, code string, t time.Time) bool {
	valid, _ := totp.ValidateCustom(code, secret, t, totp.ValidateOpts{
		Period:    Period,
		Skew:      Skew,
		Digits:    Digits,
		Algorithm: Algorithm,
	})
	return valid
}

// Step is the time step t falls into. Used to key replay protection.
func Step(t time.Time) int64 {
	return t.Unix() / Period
}

// GenerateCodeAt returns the code for secret at t.
func GenerateCodeAt(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, totp.ValidateOpts{
		Period:    Period,
		Digits:    Digits,
		Algorithm: Algorithm,
	})
}
