// Package domainerrors carries coded errors across service boundaries.
//
// Services return *Error values so transports can map them to status codes
// without string matching. Stores return sentinel errors instead (see
// pkg/platform/sentinel) which services translate into codes.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers and transports.
type Code string

const (
	// Platform codes.
	CodeInvalidArgument Code = "invalid_argument"
	CodeNotFound        Code = "not_found"
	CodeConflict        Code = "conflict"
	CodeUnauthorized    Code = "unauthorized"
	CodeForbidden       Code = "forbidden"
	CodeRateLimited     Code = "rate_limited"
	CodeTimeout         Code = "timeout"
	CodeInternal        Code = "internal_error"

	// Batch lifecycle codes.
	CodeWrongState         Code = "wrong_state"
	CodeInvalidTransition  Code = "invalid_transition"
	CodeAlreadyJoined      Code = "already_joined"
	CodeAlreadyRegistered  Code = "already_registered"
	CodeAlreadyBalancePaid Code = "already_balance_paid"
	CodeAlreadySlashed     Code = "already_slashed"
	CodeBatchFull          Code = "batch_full"
	CodeTooEarly           Code = "too_early"

	// Retrieval codes.
	CodeResultsNotReady Code = "results_not_ready"
	CodeNoMatch         Code = "no_match"
)

// Error is a coded domain error. Message is safe to show to callers unless
// the code is CodeInternal.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code and message, which lets tests
// use errors.Is against a freshly constructed value.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// HasCode reports whether any *Error in err's chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// Is is shorthand for HasCode.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf returns the outermost code in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
