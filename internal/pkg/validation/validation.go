// Package validation holds the field rules shared by the registration wizard
// and the HTTP binding layer of the identity service.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

const (
	UsernameMinLength = 3
	UsernameMaxLength = 50
	PasswordMinLength = 8
	OTPCodeLength     = 6
)

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	e164Pattern     = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)
	phoneStrip      = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
)

// IsUsername reports whether s is 3 to 50 letters, digits or underscores.
func IsUsername(s string) bool {
	return len(s) >= UsernameMinLength && len(s) <= UsernameMaxLength && usernamePattern.MatchString(s)
}

// PasswordProblem returns a human readable reason the password is too weak,
// or "" when it is acceptable.
func PasswordProblem(p string) string {
	if len(p) < PasswordMinLength {
		return fmt.Sprintf("Password must be at least %d characters", PasswordMinLength)
	}
	var upper, lower, digit bool
	for _, r := range p {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper {
		return "Password must contain at least one uppercase letter"
	}
	if !lower {
		return "Password must contain at least one lowercase letter"
	}
	if !digit {
		return "Password must contain at least one number"
	}
	return ""
}

// NormalizePhone strips punctuation and assumes a US country code for bare
// ten digit numbers. The result is not guaranteed to be valid.
func NormalizePhone(s string) string {
	p := phoneStrip.Replace(strings.TrimSpace(s))
	if p == "" || strings.HasPrefix(p, "+") {
		return p
	}
	if len(p) == 10 {
		return "+1" + p
	}
	return "+" + p
}

// IsPhone reports whether s normalizes to an E.164 number.
func IsPhone(s string) bool {
	return e164Pattern.MatchString(NormalizePhone(s))
}

// IsOTPCode reports whether s is exactly six ASCII digits.
func IsOTPCode(s string) bool {
	if len(s) != OTPCodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Register adds the custom tags to v: username, strongpassword, phone, otpcode.
func Register(v *validator.Validate) error {
	rules := map[string]validator.Func{
		"username":       func(fl validator.FieldLevel) bool { return IsUsername(fl.Field().String()) },
		"strongpassword": func(fl validator.FieldLevel) bool { return PasswordProblem(fl.Field().String()) == "" },
		"phone":          func(fl validator.FieldLevel) bool { return IsPhone(fl.Field().String()) },
		"otpcode":        func(fl validator.FieldLevel) bool { return IsOTPCode(fl.Field().String()) },
	}
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("register %s: %w", tag, err)
		}
	}
	v.RegisterTagNameFunc(jsonName)
	return nil
}

// New returns a validator with the custom tags registered.
func New() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := Register(v); err != nil {
		panic(err)
	}
	return v
}

// FieldError is a single failed rule in wire naming.
type FieldError struct {
	Field   string
	Message string
}

// Fields converts a validator error into ordered field errors. Errors that
// did not come from the validator yield a single entry with an empty field.
func Fields(err error) []FieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Message: err.Error()}}
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{Field: fe.Field(), Message: message(fe)})
	}
	return out
}

// Map flattens Fields into field -> message.
func Map(err error) map[string]string {
	m := make(map[string]string)
	for _, fe := range Fields(err) {
		if _, ok := m[fe.Field]; !ok {
			m[fe.Field] = fe.Message
		}
	}
	return m
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", label(fe.Field()))
	case "username":
		return "Username must be 3-50 characters of letters, numbers and underscores"
	case "strongpassword":
		return PasswordProblem(fe.Value().(string))
	case "eqfield":
		return "Passwords do not match"
	case "email":
		return "Email address is not valid"
	case "phone":
		return "Phone number must be in international format, for example +15551234567"
	case "otpcode":
		return "Code must be exactly 6 digits"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", label(fe.Field()), fe.Param())
	case "min", "max", "len":
		return fmt.Sprintf("%s has an invalid length", label(fe.Field()))
	}
	return fmt.Sprintf("%s is not valid", label(fe.Field()))
}

func label(field string) string {
	s := strings.ReplaceAll(field, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func jsonName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}
