package registration

import "context"

// AccountRequest is the payload of the first registration step.
type AccountRequest struct {
	Username string
	Email    string
	FullName string
	Phone    string
	Password string
}

// AccountCreated is returned once the identity service stored the account.
type AccountCreated struct {
	UserID  int64
	Message string
}

// Ack is a plain acknowledgement carrying the service message.
type Ack struct {
	Message string
}

// Provisioned is the TOTP enrolment material.
type Provisioned struct {
	Provisioning  Provisioning
	RecoveryCodes []string
}

// Gateway is the identity service as seen by the wizard. Implementations
// decode responses into tagged results and never return untyped payloads.
type Gateway interface {
	RegisterAccount(ctx context.Context, req AccountRequest) Result[AccountCreated]
	VerifyCode(ctx context.Context, channel Channel, userID int64, code string) Result[Ack]
	SetupTOTP(ctx context.Context, userID int64) Result[Provisioned]
	VerifyTOTP(ctx context.Context, userID int64, code string) Result[Ack]
	RequestOTP(ctx context.Context, userID int64, channel Channel) Result[Ack]
}
