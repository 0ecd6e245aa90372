package registration

import "time"

// Provisioning is what an authenticator app needs to start producing codes.
type Provisioning struct {
	// QRCode is a data URI of a PNG image encoding OTPAuthURL.
	QRCode      string
	Secret      string
	OTPAuthURL  string
	Issuer      string
	AccountName string
}

// Session is the state of one registration attempt. It is a value: the
// transition functions return an updated copy and never share slices with
// their input.
type Session struct {
	Stage             Stage
	UserID            int64
	Email             string
	Phone             string
	Provisioning      *Provisioning
	RecoveryCodes     []string
	PendingCodeExpiry time.Time
	// ResendUnlocksAt is the expiry of the first code sent for the current
	// stage. Resends do not move it.
	ResendUnlocksAt time.Time
	FailedAttempts  int
	LastError       string
	EnteredCode     string
	// Generation is bumped by Reset. Results issued under an older
	// generation are discarded.
	Generation uint64
}

// NewSession returns a session at the first stage.
func NewSession() Session {
	return Session{Stage: StageAccountInfo}
}

func (s Session) clone() Session {
	if s.Provisioning != nil {
		p := *s.Provisioning
		s.Provisioning = &p
	}
	if s.RecoveryCodes != nil {
		s.RecoveryCodes = append([]string(nil), s.RecoveryCodes...)
	}
	return s
}

// CodeExpiresIn is the time left on the pending one-time code, zero once expired.
func (s Session) CodeExpiresIn(now time.Time) time.Duration {
	if s.PendingCodeExpiry.IsZero() || !now.Before(s.PendingCodeExpiry) {
		return 0
	}
	return s.PendingCodeExpiry.Sub(now)
}

// CodeExpired reports whether the pending one-time code can no longer be submitted.
func (s Session) CodeExpired(now time.Time) bool {
	return !s.PendingCodeExpiry.IsZero() && now.After(s.PendingCodeExpiry)
}

// TOTPCountdown returns the seconds left in the current 30 second TOTP step.
// Display only: the identity service owns the real validation window.
func TOTPCountdown(now time.Time) int {
	return totpPeriod - int(now.Unix()%totpPeriod)
}

const totpPeriod = 30
