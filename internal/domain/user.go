package domain

import (
	"time"
)

// RegistrationStatus is how far an account got through sign-up.
type RegistrationStatus string

const (
	StatusPendingEmail RegistrationStatus = "pending_email"
	StatusPendingPhone RegistrationStatus = "pending_phone"
	StatusPendingTOTP  RegistrationStatus = "pending_totp"
	StatusActive       RegistrationStatus = "active"
)

// Next-step names shared with the wire format.
const (
	StepEmailVerification = "email_verification"
	StepPhoneVerification = "phone_verification"
	StepTOTPSetup         = "totp_setup"
	StepTOTPVerification  = "totp_verification"
	StepLogin             = "login"
)

// Authentication methods advertised to clients.
const (
	MethodPassword = "password"
	MethodTOTP     = "totp"
	MethodRecovery = "recovery"
)

type User struct {
	ID                  int64              `json:"id"`
	Username            string             `json:"username"`
	Email               string             `json:"email"`
	FullName            string             `json:"full_name"`
	PhoneNumber         string             `json:"phone_number,omitempty"`
	PasswordHash        string             `json:"-"`
	TOTPSecretEncrypted string             `json:"-"`
	TOTPEnabled         bool               `json:"totp_enabled"`
	EmailVerified       bool               `json:"is_email_verified"`
	PhoneVerified       bool               `json:"is_phone_verified"`
	Status              RegistrationStatus `json:"registration_status"`
	LastLoginAt         *time.Time         `json:"last_login_at,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// HasPhone reports whether the account registered a phone number.
func (u *User) HasPhone() bool {
	return u.PhoneNumber != ""
}

// ReadyForTOTP reports whether every contact channel has been verified.
func (u *User) ReadyForTOTP() bool {
	return u.EmailVerified && (!u.HasPhone() || u.PhoneVerified)
}

// StatusAfterEmail is the status an account moves to once its email is verified.
func (u *User) StatusAfterEmail() RegistrationStatus {
	if u.HasPhone() && !u.PhoneVerified {
		return StatusPendingPhone
	}
	return StatusPendingTOTP
}

// NextStep names the registration step the account still has to complete.
func (u *User) NextStep() string {
	switch {
	case !u.EmailVerified:
		return StepEmailVerification
	case u.HasPhone() && !u.PhoneVerified:
		return StepPhoneVerification
	case u.TOTPEnabled:
		return StepLogin
	case u.TOTPSecretEncrypted != "":
		return StepTOTPVerification
	default:
		return StepTOTPSetup
	}
}

// AvailableMethods lists how the account can authenticate.
func (u *User) AvailableMethods() []string {
	methods := []string{MethodPassword}
	if u.TOTPEnabled {
		methods = append(methods, MethodTOTP, MethodRecovery)
	}
	return methods
}

// CanLogin reports whether the account finished registration.
func (u *User) CanLogin() bool {
	return u.Status == StatusActive
}
