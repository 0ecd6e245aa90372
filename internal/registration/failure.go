package registration

import (
	"errors"
	"fmt"
)

// Kind classifies a failed operation.
type Kind string

const (
	// KindValidation is detected locally before any network call.
	KindValidation Kind = "validation"
	// KindRejected means the identity service declined the request.
	KindRejected Kind = "rejected"
	// KindExpired means the pending code window has passed.
	KindExpired Kind = "expired"
	// KindNetwork means the call did not complete.
	KindNetwork Kind = "network"
	// KindUnknown means the response could not be understood.
	KindUnknown Kind = "unknown"
)

// Retriable reports whether re-invoking the same operation may succeed
// without new input from the user.
func (k Kind) Retriable() bool {
	return k == KindNetwork
}

// Failure is the structured error returned by every operation.
type Failure struct {
	Kind    Kind
	Message string
	// Field names the offending input for validation failures.
	Field string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

var (
	// ErrIllegalTransition is returned when an operation does not match the
	// current stage. It signals a caller bug and never changes the session.
	ErrIllegalTransition = errors.New("registration: illegal transition")
	// ErrStaleResult is returned when a result belongs to a session
	// generation that has since been reset. The result is discarded.
	ErrStaleResult = errors.New("registration: stale result discarded")
	// ErrBusy is returned when an operation is started while another one is
	// still waiting on the identity service.
	ErrBusy = errors.New("registration: operation already in flight")
)

func illegal(op string, stage Stage) error {
	return fmt.Errorf("%w: %s during %s", ErrIllegalTransition, op, stage)
}

// Result is the tagged outcome of one identity service call: either a value
// or a failure, never both.
type Result[T any] struct {
	value   T
	failure *Failure
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Err wraps a failure.
func Err[T any](kind Kind, message string) Result[T] {
	return Result[T]{failure: &Failure{Kind: kind, Message: message}}
}

// IsOk reports whether the result holds a value.
func (r Result[T]) IsOk() bool {
	return r.failure == nil
}

// Unwrap returns the value and the failure; exactly one is meaningful.
func (r Result[T]) Unwrap() (T, *Failure) {
	return r.value, r.failure
}
