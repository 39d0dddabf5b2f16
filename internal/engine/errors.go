package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/stemsi/exstem-taker/internal/model"
)

// ErrorType is the discriminator carried by every error surfaced to the UI layer.
type ErrorType string

const (
	ErrorConflict          ErrorType = "EXISTING_SESSION_CONFLICT"
	ErrorValidation        ErrorType = "VALIDATION"
	ErrorOffline           ErrorType = "OFFLINE"
	ErrorAlreadySubmitting ErrorType = "ALREADY_SUBMITTING"
	ErrorFatal             ErrorType = "FATAL"
	ErrorRecoveryFailed    ErrorType = "RECOVERY_FAILED"
)

// Code narrows an ErrorType down to the concrete cause.
type Code string

const (
	CodeOutOfRange      Code = "OUT_OF_RANGE"
	CodeLocked          Code = "LOCKED"
	CodeInvalidState    Code = "INVALID_STATE"
	CodeNotSectioned    Code = "NOT_SECTIONED"
	CodeNoAnswer        Code = "NO_ANSWER"
	CodeAnswerStaged    Code = "ANSWER_STAGED"
	CodeReviewReadOnly  Code = "REVIEW_READ_ONLY"
	CodeInvalidChoice   Code = "INVALID_CHOICE"
	CodeUnmounted       Code = "UNMOUNTED"
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeTokenExpired    Code = "TOKEN_EXPIRED"
	CodeNetwork         Code = "NETWORK"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeServer          Code = "SERVER"
)

// Option is a forward path offered to the user alongside an error.
type Option string

const (
	OptionResume     Option = "resume"
	OptionStartFresh Option = "start_fresh"
	OptionRetry      Option = "retry"
	OptionAbandon    Option = "abandon"
	OptionDashboard  Option = "dashboard"
)

// Error is the single error shape produced by the engine and its API client.
type Error struct {
	Type      ErrorType              `json:"type"`
	Code      Code                   `json:"code,omitempty"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable"`
	Conflict  *model.ExistingSession `json:"conflict,omitempty"`
	Options   []Option               `json:"options,omitempty"`
	Err       error                  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsType reports whether err carries the given discriminator.
func IsType(err error, t ErrorType) bool {
	e, ok := AsError(err)
	return ok && e.Type == t
}

// NewValidationError builds a locally-detected error; it never reaches the server.
func NewValidationError(code Code, message string) *Error {
	return &Error{Type: ErrorValidation, Code: code, Message: message}
}

// NewOfflineError builds a retryable network error. State is preserved.
func NewOfflineError(err error) *Error {
	return &Error{
		Type:      ErrorOffline,
		Code:      CodeNetwork,
		Message:   "You are offline. Your progress is kept; retry once the connection is back.",
		Retryable: true,
		Options:   []Option{OptionRetry},
		Err:       err,
	}
}

// NewUnavailableError builds a retryable error for a server that answered but
// could not serve the request right now. The network itself is fine.
func NewUnavailableError(err error) *Error {
	return &Error{
		Type:      ErrorOffline,
		Code:      CodeUnavailable,
		Message:   "The server is busy. Your progress is kept; retry in a moment.",
		Retryable: true,
		Options:   []Option{OptionRetry},
		Err:       err,
	}
}

// IsTransportFailure reports whether err means the request never reached the
// server.
func IsTransportFailure(err error) bool {
	e, ok := AsError(err)
	return ok && e.Type == ErrorOffline && e.Code == CodeNetwork
}

// NewConflictError builds the error returned when the user already has a session.
func NewConflictError(existing *model.ExistingSession, err error) *Error {
	return &Error{
		Type:     ErrorConflict,
		Message:  "You already have a session in progress for this test.",
		Conflict: existing,
		Options:  []Option{OptionResume, OptionStartFresh},
		Err:      err,
	}
}

// NewRecoveryFailure builds the attempt-neutral technical recovery error.
func NewRecoveryFailure(err error) *Error {
	return &Error{
		Type:    ErrorRecoveryFailed,
		Message: "Your previous session could not be restored due to a technical problem. This will not count against your attempt limit.",
		Options: []Option{OptionStartFresh},
		Err:     err,
	}
}

// NewFatalError builds an unrecoverable error with retry-from-scratch and abandon paths.
func NewFatalError(code Code, message string, err error) *Error {
	return &Error{
		Type:    ErrorFatal,
		Code:    code,
		Message: message,
		Options: []Option{OptionRetry, OptionAbandon, OptionDashboard},
		Err:     err,
	}
}

func alreadySubmittingError(op string) *Error {
	return &Error{
		Type:      ErrorAlreadySubmitting,
		Message:   fmt.Sprintf("Please wait, %s is still in progress.", op),
		Retryable: true,
	}
}

func invalidStateError(op string, state State) *Error {
	return NewValidationError(CodeInvalidState, fmt.Sprintf("cannot %s while session is %s", op, state))
}

func unmountedError() *Error {
	return NewValidationError(CodeUnmounted, "session view has been closed")
}

// classify turns an error coming back from the API into an *Error exactly once.
// Errors already classified by the client pass through unchanged.
func classify(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewOfflineError(err)
	}
	return NewFatalError(CodeServer, "Something went wrong while talking to the server.", err)
}
