package registration

import "time"

const (
	// DefaultCodeWindow is how long a sent one-time code stays submittable.
	DefaultCodeWindow = 5 * time.Minute
	// DefaultAlternatePathThreshold is the failure count after which the UI
	// offers resend or recovery-code entry.
	DefaultAlternatePathThreshold = 2
)

// Policy holds the deployment choices the machine depends on.
type Policy struct {
	RequirePhone           bool
	CodeWindow             time.Duration
	AlternatePathThreshold int
}

// DefaultPolicy requires a phone number.
func DefaultPolicy() Policy {
	return Policy{
		RequirePhone:           true,
		CodeWindow:             DefaultCodeWindow,
		AlternatePathThreshold: DefaultAlternatePathThreshold,
	}
}

func (p Policy) withDefaults() Policy {
	if p.CodeWindow <= 0 {
		p.CodeWindow = DefaultCodeWindow
	}
	if p.AlternatePathThreshold <= 0 {
		p.AlternatePathThreshold = DefaultAlternatePathThreshold
	}
	return p
}
