// Package errdefs defines the coded errors the control plane raises across
// package boundaries.
//
// Engine operations fail with exactly one of five codes: unauthorized,
// forbidden, not_found, conflict, rate_limited. The HTTP layer maps codes to
// status codes; everything else wraps causes with fmt.Errorf("failed to X:
// %w", err) and stays internal.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an engine error.
type Code string

const (
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeRateLimited  Code = "rate_limited"
)

// Error is a coded engine error with a one-line human-readable message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Is matches any *Error carrying the same code, so
// errors.Is(err, ErrConflict) works on constructed errors.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// Sentinels for errors.Is checks.
var (
	ErrUnauthorized = &Error{Code: CodeUnauthorized, Message: "unauthorized"}
	ErrForbidden    = &Error{Code: CodeForbidden, Message: "forbidden"}
	ErrNotFound     = &Error{Code: CodeNotFound, Message: "not found"}
	ErrConflict     = &Error{Code: CodeConflict, Message: "conflict"}
	ErrRateLimited  = &Error{Code: CodeRateLimited, Message: "rate limited"}
)

// Unauthorized returns a CodeUnauthorized error.
func Unauthorized(format string, args ...interface{}) error {
	return &Error{Code: CodeUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// Forbidden returns a CodeForbidden error.
func Forbidden(format string, args ...interface{}) error {
	return &Error{Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a CodeNotFound error.
func NotFound(format string, args ...interface{}) error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict returns a CodeConflict error.
func Conflict(format string, args ...interface{}) error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// RateLimited returns a CodeRateLimited error.
func RateLimited(format string, args ...interface{}) error {
	return &Error{Code: CodeRateLimited, Message: fmt.Sprintf(format, args...)}
}

// IsUnauthorized reports whether err carries CodeUnauthorized.
func IsUnauthorized(err error) bool { return CodeOf(err) == CodeUnauthorized }

// IsForbidden reports whether err carries CodeForbidden.
func IsForbidden(err error) bool { return CodeOf(err) == CodeForbidden }

// IsNotFound reports whether err carries CodeNotFound.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsConflict reports whether err carries CodeConflict.
func IsConflict(err error) bool { return CodeOf(err) == CodeConflict }

// IsRateLimited reports whether err carries CodeRateLimited.
func IsRateLimited(err error) bool { return CodeOf(err) == CodeRateLimited }

// CodeOf extracts the code from err, unwrapping as needed. Uncoded errors
// yield the empty code.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// MessageOf extracts the human-readable message from a coded error, or the
// plain Error() string for uncoded errors.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// HTTPStatus maps a coded error to its HTTP status. Uncoded errors map to
// 500.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
