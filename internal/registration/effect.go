package registration

// Effect describes the identity service call a transition asks the caller
// to perform. The result is fed back through the matching Resolve method.
type Effect interface {
	generation() uint64
}

// RegisterAccount asks for register-step1.
type RegisterAccount struct {
	Gen     uint64
	Request AccountRequest
}

// VerifyCode asks for verify-email or verify-phone.
type VerifyCode struct {
	Gen     uint64
	Channel Channel
	UserID  int64
	Code    string
}

// ProvisionTOTP asks for setup-totp.
type ProvisionTOTP struct {
	Gen    uint64
	UserID int64
}

// VerifyTOTP asks for verify-totp with a TOTP or recovery code.
type VerifyTOTP struct {
	Gen    uint64
	UserID int64
	Code   string
}

// Resend asks for request-otp.
type Resend struct {
	Gen     uint64
	UserID  int64
	Channel Channel
}

func (e RegisterAccount) generation() uint64 { return e.Gen }
func (e VerifyCode) generation() uint64      { return e.Gen }
func (e ProvisionTOTP) generation() uint64   { return e.Gen }
func (e VerifyTOTP) generation() uint64      { return e.Gen }
func (e Resend) generation() uint64          { return e.Gen }
