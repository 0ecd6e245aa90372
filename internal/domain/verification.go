package domain

import "time"

// Purpose is what a pending verification code proves.
type Purpose string

const (
	PurposeEmail Purpose = "email"
	PurposePhone Purpose = "phone"
)

// Channel is how a code is delivered.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// PendingCode is a hashed one-time code awaiting entry.
type PendingCode struct {
	Hash        string    `json:"hash"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// AttemptsLeft is how many more guesses the code accepts.
func (p *PendingCode) AttemptsLeft() int {
	if left := p.MaxAttempts - p.Attempts; left > 0 {
		return left
	}
	return 0
}

// Exhausted reports whether no guesses remain.
func (p *PendingCode) Exhausted() bool {
	return p.AttemptsLeft() == 0
}
