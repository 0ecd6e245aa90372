package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType identifies the category of error
type ErrorType string

const (
	TypeValidation     ErrorType = "validation_error"
	TypeAuthentication ErrorType = "authentication_error"
	TypeAuthorization  ErrorType = "authorization_error"
	TypeNotFound       ErrorType = "not_found"
	TypeConflict       ErrorType = "conflict"
	TypeRateLimit      ErrorType = "rate_limit_exceeded"
	TypeInternal       ErrorType = "internal_error"
)

const typeBase = "https://portfolio-risk.dev/errors/"

// AppError represents RFC 7807 Problem Details
type AppError struct {
	Type       string            `json:"type"`
	Title      string            `json:"title"`
	Status     int               `json:"status"`
	Detail     string            `json:"detail"`
	Instance   string            `json:"instance,omitempty"`
	Action     string            `json:"action,omitempty"`
	Errors     map[string]string `json:"errors,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	RetryAfter int               `json:"retry_after,omitempty"`
	err        error             // internal error for logging
}

func (e *AppError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Title, e.err)
	}
	return e.Title
}

func (e *AppError) Unwrap() error {
	return e.err
}

func (e *AppError) WithError(err error) *AppError {
	e.err = err
	return e
}

func (e *AppError) WithRequestID(id string) *AppError {
	e.RequestID = id
	return e
}

func (e *AppError) WithErrors(errs map[string]string) *AppError {
	e.Errors = errs
	return e
}

func (e *AppError) WithInstance(instance string) *AppError {
	e.Instance = instance
	return e
}

// WithRetryAfter records how many seconds the caller should wait.
func (e *AppError) WithRetryAfter(seconds int) *AppError {
	e.RetryAfter = seconds
	return e
}

// As extracts an *AppError from err.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func ValidationError(detail, action string) *AppError {
	return &AppError{
		Type:   typeBase + "validation",
		Title:  "Invalid request",
		Status: http.StatusBadRequest,
		Detail: detail,
		Action: action,
	}
}

func AuthenticationError(detail, action string) *AppError {
	return &AppError{
		Type:   typeBase + "authentication",
		Title:  "Authentication failed",
		Status: http.StatusUnauthorized,
		Detail: detail,
		Action: action,
	}
}

func AuthorizationError(detail, action string) *AppError {
	return &AppError{
		Type:   typeBase + "authorization",
		Title:  "Access denied",
		Status: http.StatusForbidden,
		Detail: detail,
		Action: action,
	}
}

func NotFoundError(resource string) *AppError {
	return &AppError{
		Type:   typeBase + "not-found",
		Title:  "Not found",
		Status: http.StatusNotFound,
		Detail: fmt.Sprintf("%s not found", resource),
		Action: "Check the identifier and try again",
	}
}

func ConflictError(detail, action string) *AppError {
	return &AppError{
		Type:   typeBase + "conflict",
		Title:  "Conflict",
		Status: http.StatusConflict,
		Detail: detail,
		Action: action,
	}
}

// PreconditionError reports a step requested before the steps it depends on.
func PreconditionError(detail, action string) *AppError {
	return &AppError{
		Type:   typeBase + "precondition",
		Title:  "Step not available",
		Status: http.StatusPreconditionFailed,
		Detail: detail,
		Action: action,
	}
}

func RateLimitError() *AppError {
	return &AppError{
		Type:   typeBase + "rate-limit",
		Title:  "Too many requests",
		Status: http.StatusTooManyRequests,
		Detail: "You have sent too many requests in a short period",
		Action: "Wait a moment and try again",
	}
}

func InternalError(detail, action string) *AppError {
	return &AppError{
		Type:   typeBase + "internal",
		Title:  "Internal error",
		Status: http.StatusInternalServerError,
		Detail: detail,
		Action: action,
	}
}

func ServiceUnavailableError(detail, action string) *AppError {
	return &AppError{
		Type:   typeBase + "service-unavailable",
		Title:  "Service unavailable",
		Status: http.StatusServiceUnavailable,
		Detail: detail,
		Action: action,
	}
}

// LockedError creates a 423 Locked error for accounts locked after repeated failures.
func LockedError(detail, action string) *AppError {
	return &AppError{
		Type:   typeBase + "locked",
		Title:  "Account locked",
		Status: http.StatusLocked,
		Detail: detail,
		Action: action,
	}
}

// TooManyRequestsError creates a 429 with a specific detail, used by per-action limits.
func TooManyRequestsError(detail, action string) *AppError {
	return &AppError{
		Type:   typeBase + "too-many-requests",
		Title:  "Too many requests",
		Status: http.StatusTooManyRequests,
		Detail: detail,
		Action: action,
	}
}
