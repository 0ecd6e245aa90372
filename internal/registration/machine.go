package registration

import (
	"strings"
	"time"

	"github.com/portfolio-risk/api/internal/pkg/validation"
)

const (
	msgCodeExpired  = "Verification code has expired. Please request a new one."
	msgCodeRequired = "Enter the 6-digit code or a recovery code"
	msgCodeFormat   = "Code must be exactly 6 digits"
)

// Machine holds the pure transition functions of the wizard. It keeps no
// state of its own: every method takes a Session and returns a new one.
type Machine struct {
	policy Policy
}

// NewMachine returns a machine for the given policy.
func NewMachine(policy Policy) Machine {
	return Machine{policy: policy.withDefaults()}
}

// Policy returns the effective policy.
func (m Machine) Policy() Policy {
	return m.policy
}

// SubmitAccountInfo validates the first stage locally and, when it passes,
// asks for the account to be created.
func (m Machine) SubmitAccountInfo(s Session, in AccountInput) (Session, Effect, error) {
	if s.Stage != StageAccountInfo {
		return s, nil, illegal("submit account info", s.Stage)
	}

	s = s.clone()
	s.LastError = ""
	if f := in.check(m.policy); f != nil {
		return s, nil, f
	}
	return s, RegisterAccount{Gen: s.Generation, Request: in.request()}, nil
}

// ResolveRegister applies the register-step1 result.
func (m Machine) ResolveRegister(s Session, eff RegisterAccount, res Result[AccountCreated], now time.Time) (Session, error) {
	if eff.Gen != s.Generation {
		return s, ErrStaleResult
	}
	if s.Stage != StageAccountInfo {
		return s, illegal("resolve register", s.Stage)
	}

	s = s.clone()
	created, f := res.Unwrap()
	if f != nil {
		s.LastError = f.Message
		return s, f
	}

	s.UserID = created.UserID
	s.Email = eff.Request.Email
	s.Phone = eff.Request.Phone
	s.Stage = StageEmailVerification
	s.FailedAttempts = 0
	s.EnteredCode = ""
	s.PendingCodeExpiry = now.Add(m.policy.CodeWindow)
	s.ResendUnlocksAt = s.PendingCodeExpiry
	return s, nil
}

// SubmitVerificationCode checks an email or SMS code locally and forwards it.
// stage must be the session's current stage.
func (m Machine) SubmitVerificationCode(s Session, stage Stage, code string, now time.Time) (Session, Effect, error) {
	channel, ok := stage.channel()
	if !ok || s.Stage != stage {
		return s, nil, illegal("submit verification code for "+stage.String(), s.Stage)
	}

	s = s.clone()
	s.LastError = ""
	code = strings.TrimSpace(code)

	if !validation.IsOTPCode(code) {
		s.FailedAttempts++
		s.EnteredCode = ""
		return s, nil, &Failure{Kind: KindValidation, Message: msgCodeFormat, Field: "code"}
	}
	if s.CodeExpired(now) {
		s.EnteredCode = ""
		s.LastError = msgCodeExpired
		return s, nil, &Failure{Kind: KindExpired, Message: msgCodeExpired, Field: "code"}
	}

	s.EnteredCode = code
	return s, VerifyCode{Gen: s.Generation, Channel: channel, UserID: s.UserID, Code: code}, nil
}

// ResolveVerifyCode applies a verify-email or verify-phone result.
func (m Machine) ResolveVerifyCode(s Session, eff VerifyCode, res Result[Ack], now time.Time) (Session, error) {
	if eff.Gen != s.Generation {
		return s, ErrStaleResult
	}
	if ch, ok := s.Stage.channel(); !ok || ch != eff.Channel {
		return s, illegal("resolve verification code", s.Stage)
	}

	s = s.clone()
	if _, f := res.Unwrap(); f != nil {
		s.LastError = f.Message
		if f.Kind == KindRejected {
			s.FailedAttempts++
			s.EnteredCode = ""
		}
		return s, f
	}

	s.FailedAttempts = 0
	s.EnteredCode = ""
	switch {
	case s.Stage == StageEmailVerification && s.Phone != "":
		// the service sends the SMS code once the email is verified
		s.Stage = StagePhoneVerification
		s.PendingCodeExpiry = now.Add(m.policy.CodeWindow)
		s.ResendUnlocksAt = s.PendingCodeExpiry
	default:
		s.Stage = StageTOTPSetup
		s.PendingCodeExpiry = time.Time{}
		s.ResendUnlocksAt = time.Time{}
	}
	return s, nil
}

// RequestTOTPProvisioning asks for the TOTP secret and recovery codes.
func (m Machine) RequestTOTPProvisioning(s Session) (Session, Effect, error) {
	if s.Stage != StageTOTPSetup || s.UserID == 0 {
		return s, nil, illegal("request totp provisioning", s.Stage)
	}

	s = s.clone()
	s.LastError = ""
	return s, ProvisionTOTP{Gen: s.Generation, UserID: s.UserID}, nil
}

// ResolveProvision stores the provisioning material and moves on to
// TOTP verification. Failures leave the stage at TOTP setup.
func (m Machine) ResolveProvision(s Session, eff ProvisionTOTP, res Result[Provisioned]) (Session, error) {
	if eff.Gen != s.Generation {
		return s, ErrStaleResult
	}
	if s.Stage != StageTOTPSetup {
		return s, illegal("resolve totp provisioning", s.Stage)
	}

	s = s.clone()
	p, f := res.Unwrap()
	if f != nil {
		s.LastError = f.Message
		return s, f
	}

	prov := p.Provisioning
	s.Provisioning = &prov
	s.RecoveryCodes = append([]string(nil), p.RecoveryCodes...)
	s.Stage = StageTOTPVerification
	s.FailedAttempts = 0
	return s, nil
}

// SubmitTOTPCode forwards a TOTP code or a recovery code. Six digit input is
// treated as TOTP; anything else non-numeric is passed on untouched for the
// service to recognise as a recovery code.
func (m Machine) SubmitTOTPCode(s Session, code string) (Session, Effect, error) {
	if s.Stage != StageTOTPVerification {
		return s, nil, illegal("submit totp code", s.Stage)
	}

	s = s.clone()
	s.LastError = ""
	code = strings.TrimSpace(code)

	switch {
	case code == "":
		s.FailedAttempts++
		s.EnteredCode = ""
		return s, nil, &Failure{Kind: KindValidation, Message: msgCodeRequired, Field: "totp_code"}
	case isDigits(code) && !validation.IsOTPCode(code):
		s.FailedAttempts++
		s.EnteredCode = ""
		return s, nil, &Failure{Kind: KindValidation, Message: msgCodeFormat, Field: "totp_code"}
	}

	s.EnteredCode = code
	return s, VerifyTOTP{Gen: s.Generation, UserID: s.UserID, Code: code}, nil
}

// ResolveTOTP applies a verify-totp result.
func (m Machine) ResolveTOTP(s Session, eff VerifyTOTP, res Result[Ack]) (Session, error) {
	if eff.Gen != s.Generation {
		return s, ErrStaleResult
	}
	if s.Stage != StageTOTPVerification {
		return s, illegal("resolve totp code", s.Stage)
	}

	s = s.clone()
	if _, f := res.Unwrap(); f != nil {
		s.LastError = f.Message
		if f.Kind == KindRejected {
			s.FailedAttempts++
			s.EnteredCode = ""
		}
		return s, f
	}

	s.Stage = StageComplete
	s.FailedAttempts = 0
	s.EnteredCode = ""
	return s, nil
}

// RequestResend asks for a new code on the channel of the current stage.
// Resends are not attempt-limited here; throttling belongs to the service.
func (m Machine) RequestResend(s Session, channel Channel) (Session, Effect, error) {
	if ch, ok := s.Stage.channel(); !ok || ch != channel {
		return s, nil, illegal("resend via "+string(channel), s.Stage)
	}
	return m.resend(s, channel)
}

// RequestFallbackResend asks for a new code on any channel, including the
// one not matching the current stage. Used for the explicit "send it another
// way" affordance.
func (m Machine) RequestFallbackResend(s Session, channel Channel) (Session, Effect, error) {
	if _, ok := s.Stage.channel(); !ok || !channel.Valid() {
		return s, nil, illegal("fallback resend via "+string(channel), s.Stage)
	}
	return m.resend(s, channel)
}

func (m Machine) resend(s Session, channel Channel) (Session, Effect, error) {
	s = s.clone()
	s.LastError = ""
	s.EnteredCode = ""
	return s, Resend{Gen: s.Generation, UserID: s.UserID, Channel: channel}, nil
}

// ResolveResend restarts the code window once the service confirmed the send.
func (m Machine) ResolveResend(s Session, eff Resend, res Result[Ack], now time.Time) (Session, error) {
	if eff.Gen != s.Generation {
		return s, ErrStaleResult
	}
	if _, ok := s.Stage.channel(); !ok {
		return s, illegal("resolve resend", s.Stage)
	}

	s = s.clone()
	if _, f := res.Unwrap(); f != nil {
		s.LastError = f.Message
		return s, f
	}

	s.PendingCodeExpiry = now.Add(m.policy.CodeWindow)
	s.FailedAttempts = 0
	s.EnteredCode = ""
	return s, nil
}

// Reset discards everything and starts over. Allowed from any stage.
func (m Machine) Reset(s Session) Session {
	next := NewSession()
	next.Generation = s.Generation + 1
	return next
}

// ShowAlternatePath reports whether the UI should offer resend or
// recovery-code entry. Advisory only.
func (m Machine) ShowAlternatePath(s Session) bool {
	return s.FailedAttempts >= m.policy.AlternatePathThreshold
}

// ResendAvailable reports whether the resend action should be enabled: once
// the stage's first code has expired, or earlier when the alternate path is
// shown. Later resends do not lock it again.
func (m Machine) ResendAvailable(s Session, now time.Time) bool {
	if _, ok := s.Stage.channel(); !ok {
		return false
	}
	unlock := s.ResendUnlocksAt
	if unlock.IsZero() {
		unlock = s.PendingCodeExpiry
	}
	return (!unlock.IsZero() && now.After(unlock)) || m.ShowAlternatePath(s)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
