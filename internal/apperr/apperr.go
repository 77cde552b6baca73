// Package apperr defines the error taxonomy shared by the engine services.
//
// ValidationError and StateError are surfaced synchronously to callers;
// transport failures are classified per destination and never abort a bulk
// operation (see internal/transport).
package apperr

import (
	"errors"
	"fmt"
)

// ErrNotFound reports an unknown job or campaign id.
var ErrNotFound = errors.New("not found")

// ValidationError rejects bad input shape/size/range before any side effect.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StateError rejects an operation that is invalid for the current status,
// e.g. rescheduling a job that already fired.
type StateError struct {
	Msg string
}

func (e *StateError) Error() string { return e.Msg }

func Statef(format string, args ...any) error {
	return &StateError{Msg: fmt.Sprintf(format, args...)}
}

// IsState reports whether err is a StateError.
func IsState(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}
