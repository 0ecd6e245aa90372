package registration

import (
	"strings"

	"github.com/portfolio-risk/api/internal/pkg/validation"
)

// AccountInput is what the user typed on the first stage.
type AccountInput struct {
	Username        string `json:"username" validate:"required,username"`
	Email           string `json:"email" validate:"required,email"`
	FullName        string `json:"full_name" validate:"required,max=255"`
	Phone           string `json:"phone_number" validate:"omitempty,phone"`
	Password        string `json:"password" validate:"required,strongpassword"`
	ConfirmPassword string `json:"confirm_password" validate:"eqfield=Password"`
}

var validate = validation.New()

// check validates the input field by field and returns the first problem
// as a validation failure, with no side effects.
func (in AccountInput) check(policy Policy) *Failure {
	in.FullName = strings.TrimSpace(in.FullName)
	in.Phone = strings.TrimSpace(in.Phone)

	if err := validate.Struct(in); err != nil {
		fe := validation.Fields(err)[0]
		return &Failure{Kind: KindValidation, Message: fe.Message, Field: fe.Field}
	}
	if policy.RequirePhone && in.Phone == "" {
		return &Failure{Kind: KindValidation, Message: "Phone number is required", Field: "phone_number"}
	}
	return nil
}

func (in AccountInput) request() AccountRequest {
	req := AccountRequest{
		Username: in.Username,
		Email:    strings.TrimSpace(in.Email),
		FullName: strings.TrimSpace(in.FullName),
		Password: in.Password,
	}
	if p := strings.TrimSpace(in.Phone); p != "" {
		req.Phone = validation.NormalizePhone(p)
	}
	return req
}
