package identity

// Paths of the identity service, relative to its base URL.
const (
	PathRegister    = "/register-step1"
	PathVerifyEmail = "/verify-email"
	PathVerifyPhone = "/verify-phone"
	PathSetupTOTP   = "/setup-totp"
	PathVerifyTOTP  = "/verify-totp"
	PathRequestOTP  = "/request-otp"
	PathLogin       = "/login"
	PathLoginOTP    = "/login-otp"
	PathUserStatus  = "/user-status/"
	PathMe          = "/me"
)

// Next-step hints returned alongside successful responses.
const (
	StepEmailVerification = "email_verification"
	StepPhoneVerification = "phone_verification"
	StepTOTPSetup         = "totp_setup"
	StepTOTPVerification  = "totp_verification"
	StepLogin             = "login"
)

type RegisterRequest struct {
	Username    string `json:"username" binding:"required,username"`
	Email       string `json:"email" binding:"required,email,max=255"`
	FullName    string `json:"full_name" binding:"required,max=255"`
	PhoneNumber string `json:"phone_number" binding:"omitempty,phone"`
	Password    string `json:"password" binding:"required,strongpassword"`
}

type RegisterResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	UserID   int64  `json:"user_id,omitempty"`
	NextStep string `json:"next_step,omitempty"`
}

// CodeRequest is the body of verify-email and verify-phone.
type CodeRequest struct {
	UserID int64  `json:"user_id" binding:"required,gt=0"`
	Code   string `json:"code" binding:"required,otpcode"`
}

type VerificationResponse struct {
	Success           bool   `json:"success"`
	Message           string `json:"message"`
	AttemptsRemaining *int   `json:"attempts_remaining,omitempty"`
	NextStep          string `json:"next_step,omitempty"`
	CanResend         bool   `json:"can_resend"`
	ResendCooldown    int    `json:"resend_cooldown"`
}

type SetupTOTPRequest struct {
	UserID int64 `json:"user_id" binding:"required,gt=0"`
}

type SetupTOTPResponse struct {
	Success     bool     `json:"success"`
	Message     string   `json:"message"`
	QRCode      string   `json:"qr_code,omitempty"`
	BackupCodes []string `json:"backup_codes,omitempty"`
	Secret      string   `json:"secret,omitempty"`
	OTPAuthURL  string   `json:"otpauth_url,omitempty"`
}

// VerifyTOTPRequest carries either a 6-digit TOTP code or a recovery code.
type VerifyTOTPRequest struct {
	UserID   int64  `json:"user_id" binding:"required,gt=0"`
	TOTPCode string `json:"totp_code" binding:"required,min=6,max=32"`
}

type RequestOTPRequest struct {
	UserID int64  `json:"user_id" binding:"required,gt=0"`
	Method string `json:"method" binding:"required,oneof=email sms"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required,max=255"`
	Password string `json:"password" binding:"required,max=128"`
}

type LoginOTPRequest struct {
	UserID  int64  `json:"user_id" binding:"required,gt=0"`
	OTPCode string `json:"otp_code" binding:"required,min=6,max=32"`
}

type LoginResponse struct {
	Success          bool     `json:"success"`
	Message          string   `json:"message"`
	UserID           int64    `json:"user_id,omitempty"`
	Requires2FA      bool     `json:"requires_2fa"`
	AvailableMethods []string `json:"available_methods,omitempty"`
	AccessToken      string   `json:"access_token,omitempty"`
	TokenType        string   `json:"token_type,omitempty"`
	ExpiresIn        int      `json:"expires_in,omitempty"`
}

type UserStatusResponse struct {
	UserID             int64    `json:"user_id"`
	Username           string   `json:"username"`
	Email              string   `json:"email"`
	PhoneNumber        string   `json:"phone_number,omitempty"`
	RegistrationStatus string   `json:"registration_status"`
	EmailVerified      bool     `json:"is_email_verified"`
	PhoneVerified      bool     `json:"is_phone_verified"`
	TwoFactorEnabled   bool     `json:"two_factor_enabled"`
	AvailableMethods   []string `json:"available_auth_methods"`
	NextRequiredStep   string   `json:"next_required_step,omitempty"`
}

type ProfileResponse struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

// envelope is the subset of every response the client inspects before
// decoding the operation-specific body. Problem documents carry detail/title.
type envelope struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
	Title   string `json:"title"`
}

func (e envelope) text() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Detail != "":
		return e.Detail
	}
	return e.Title
}
