// Package apierr defines the error taxonomy shared by every domain package.
//
// Domain packages declare their sentinel errors with New, wrap them with
// fmt.Errorf("...: %w", err) as they travel up, and transports (HTTP
// envelope, websocket frames) resolve the kind with KindOf.
package apierr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind string

const (
	Validation        Kind = "validation_error"
	Unauthorized      Kind = "unauthorized"
	Forbidden         Kind = "forbidden"
	NotFound          Kind = "not_found"
	Conflict          Kind = "conflict"
	InsufficientFunds Kind = "insufficient_funds"
	Upstream          Kind = "upstream_failure"
	Internal          Kind = "internal_error"
)

// Error is a classified error. Code is an optional finer-grained machine
// code (e.g. "room_full") surfaced alongside the kind.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error suitable for use as a package sentinel.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Code: string(kind), Message: message}
}

// WithCode returns a classified error carrying a specific code.
func WithCode(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap classifies an arbitrary error, keeping it in the chain.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Code: string(kind), Message: message, Err: err}
}

// Validationf is shorthand for a validation error with a fixed message.
func Validationf(message string) *Error {
	return New(Validation, message)
}

// KindOf walks the error chain and returns the first classification found.
// Unclassified errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// CodeOf returns the machine code for err.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Code != "" {
			return e.Code
		}
		return string(e.Kind)
	}
	return string(Internal)
}

// MessageOf returns the user-facing message for err. Internal errors never
// leak their detail.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != Internal {
		return e.Message
	}
	return "An unexpected error occurred"
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation, InsufficientFunds:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Upstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
