package library

import "errors"

// Code classifies failures of core operations.
type Code string

const (
	CodeValidation  Code = "validation"
	CodeNotFound    Code = "not_found"
	CodeUnavailable Code = "unavailable"
	CodeForbidden   Code = "forbidden"
	CodeConflict    Code = "conflict"
	CodeOperation   Code = "operation"
	CodeAuth        Code = "auth"
)

// Error is returned by every LibraryManager operation. Message is safe to
// show to the caller; Cause is for logs.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	ErrValidation  = &Error{Code: CodeValidation}
	ErrNotFound    = &Error{Code: CodeNotFound}
	ErrUnavailable = &Error{Code: CodeUnavailable}
	ErrForbidden   = &Error{Code: CodeForbidden}
	ErrConflict    = &Error{Code: CodeConflict}
	ErrOperation   = &Error{Code: CodeOperation}
	ErrAuth        = &Error{Code: CodeAuth}
)

func newError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// operationError wraps an unexpected store failure. Typed errors pass
// through untouched so a workflow can return whatever its steps produced.
func operationError(msg string, cause error) error {
	var e *Error
	if errors.As(cause, &e) {
		return cause
	}
	return &Error{Code: CodeOperation, Message: msg, Cause: cause}
}

// CodeOf extracts the code of err, or "" for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// MessageOf returns the caller-facing message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}
