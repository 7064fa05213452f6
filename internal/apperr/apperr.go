// Package apperr defines the stable error taxonomy shared by every
// subsystem of the runtime, so the IPC layer can map any internal
// failure to a wire error code without type-switching on each
// subsystem's concrete error types.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies an error's place in the taxonomy (spec §7).
type Code string

const (
	CodeInputValidation     Code = "INPUT_VALIDATION"
	CodeNotAuthenticated    Code = "NOT_AUTHENTICATED"
	CodeAuthExpired         Code = "AUTH_EXPIRED"
	CodeModelNotLoaded      Code = "MODEL_NOT_LOADED"
	CodeModelLoadFailed     Code = "MODEL_LOAD_FAILED"
	CodeAlreadyLoaded       Code = "ALREADY_LOADED"
	CodeQueueFull           Code = "QUEUE_FULL"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeMemoryExceeded      Code = "MEMORY_EXCEEDED"
	CodeTimeout             Code = "TIMEOUT"
	CodeCancelled           Code = "CANCELLED"
	CodeProtocolError       Code = "PROTOCOL_ERROR"
	CodeUnsupportedPlatform Code = "UNSUPPORTED_PLATFORM"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// Error is the concrete error type carried across every subsystem
// boundary in this runtime.
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

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an *Error wrapping an existing error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the Code from err if it (or something it wraps) is
// an *Error, defaulting to CodeInternal otherwise.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}
