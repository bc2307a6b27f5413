// Package errs defines the error taxonomy shared by every subsystem.
// Each error carries a stable machine-checkable code so callers can
// branch on failure kind without string-matching prose.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable machine-checkable failure code.
type Kind string

const (
	Validation      Kind = "validation_error"
	NotFound        Kind = "not_found"
	InvalidState    Kind = "invalid_state"
	PolicyDenied    Kind = "policy_denied"
	Conflict        Kind = "conflict"
	UpstreamTimeout Kind = "upstream_timeout"
	Internal        Kind = "internal_error"
)

// Error is a kinded error. The message is safe to return to callers;
// the wrapped cause is for logs only.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kinded error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and caller-safe message to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain. Unknown errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// MessageOf returns the caller-safe message for an error chain.
// Unkinded errors report a generic message so internals never leak.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps a failure kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case InvalidState, Conflict:
		return http.StatusConflict
	case PolicyDenied:
		return http.StatusForbidden
	case UpstreamTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
