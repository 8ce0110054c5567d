// Package apperr defines the error taxonomy used across the gateway's
// services and HTTP surface. Every error that crosses a service boundary
// should carry a Kind so transports can map it to a status code without
// inspecting message text.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping and logging.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindUnauthenticated    Kind = "unauthenticated"
	KindForbidden          Kind = "forbidden"
	KindRateLimited        Kind = "rate_limited"
	KindRetryableTransient Kind = "retryable_transient"
	KindCursorExpired      Kind = "cursor_expired"
	KindCommandFailed      Kind = "command_failed"
	KindParseError         Kind = "parse_error"
	KindTimeout            Kind = "timeout"
	KindSystemUnavailable  Kind = "system_unavailable"
	KindInternal           Kind = "internal"
)

// httpStatus maps each Kind to the HTTP status code used by the REST surface.
var httpStatus = map[Kind]int{
	KindValidation:         http.StatusBadRequest,
	KindNotFound:           http.StatusNotFound,
	KindConflict:           http.StatusConflict,
	KindUnauthenticated:    http.StatusUnauthorized,
	KindForbidden:          http.StatusForbidden,
	KindRateLimited:        http.StatusTooManyRequests,
	KindRetryableTransient: http.StatusServiceUnavailable,
	KindCursorExpired:      http.StatusGone,
	KindCommandFailed:      http.StatusUnprocessableEntity,
	KindParseError:         http.StatusBadRequest,
	KindTimeout:            http.StatusGatewayTimeout,
	KindSystemUnavailable:  http.StatusServiceUnavailable,
	KindInternal:           http.StatusInternalServerError,
}

// Error is the structured error type returned by domain services.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status code this error's Kind maps to.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New creates an Error of the given Kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given Kind that wraps an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetails sets the structured detail fields on e and returns e itself
// (not a copy) so callers can chain it at the construction site.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf extracts the Kind from err. It returns "" when err is nil and
// KindInternal when err is not an *Error and does not wrap one.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

var (
	// ErrNotFound is a sentinel usable with errors.Is for simple not-found checks.
	ErrNotFound = New(KindNotFound, "not found")
	// ErrConflict is a sentinel usable with errors.Is for optimistic-lock conflicts.
	ErrConflict = New(KindConflict, "conflict")
)
