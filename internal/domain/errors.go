// Package domain provides canonical error types for the gateway.
package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind represents the category of a gateway error.
type ErrorKind string

const (
	// KindMissingCredential indicates no API key was presented.
	KindMissingCredential ErrorKind = "missing_credential"

	// KindInvalidCredential indicates the API key is not in the credential set.
	KindInvalidCredential ErrorKind = "invalid_credential"

	// KindRateLimitExceeded indicates a rate-limit scope rejected the request.
	KindRateLimitExceeded ErrorKind = "rate_limit_exceeded"

	// KindRouteNotFound indicates no route matched the request path.
	KindRouteNotFound ErrorKind = "route_not_found"

	// KindServiceUnavailable indicates the backend could not be reached.
	KindServiceUnavailable ErrorKind = "service_unavailable"

	// KindValidation indicates a malformed request.
	KindValidation ErrorKind = "validation"

	// KindInternal indicates an unanticipated failure.
	KindInternal ErrorKind = "internal"
)

// Error codes reported to clients in the error envelope.
const (
	CodeMissingAPIKey      = "MISSING_API_KEY"
	CodeInvalidAPIKey      = "INVALID_API_KEY"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeRouteNotFound      = "ROUTE_NOT_FOUND"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeValidation         = "VALIDATION_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// Error is the canonical error value threaded through the request pipeline
// and rendered into the error envelope.
type Error struct {
	// Kind is the category of error
	Kind ErrorKind

	// Code is the client-facing error code
	Code string

	// Message is the human-readable, client-safe message
	Message string

	// StatusCode is the suggested HTTP status code
	StatusCode int

	// Field names the offending input for validation errors
	Field string

	// RetryAfter is set for rate-limit rejections
	RetryAfter time.Duration

	// Service names the backend for service-unavailable errors
	Service string

	// Details carries extra client-safe data (e.g. known paths for 404s)
	Details map[string]any

	// cause is the underlying error; logged server-side only
	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindMissingCredential:
		return http.StatusUnauthorized
	case KindInvalidCredential:
		return http.StatusForbidden
	case KindRouteNotFound:
		return http.StatusNotFound
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (e *Error) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	secs := int(e.RetryAfter / time.Second)
	if e.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}

// Cause returns the underlying error, if any.
func (e *Error) Cause() error {
	return e.cause
}

// NewError creates a new gateway error.
func NewError(kind ErrorKind, code, message string) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithDetail adds a client-safe detail.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// Convenience constructors for the gateway taxonomy

// ErrMissingCredential creates a missing-credential error.
func ErrMissingCredential() *Error {
	return NewError(KindMissingCredential, CodeMissingAPIKey,
		"API key is required. Provide it in the x-api-key header or as Authorization: Bearer <key>")
}

// ErrInvalidCredential creates an invalid-credential error.
func ErrInvalidCredential() *Error {
	return NewError(KindInvalidCredential, CodeInvalidAPIKey, "The provided API key is not valid")
}

// ErrRateLimitExceeded creates a rate-limit error.
func ErrRateLimitExceeded(message string, retryAfter time.Duration) *Error {
	e := NewError(KindRateLimitExceeded, CodeRateLimitExceeded, message)
	e.RetryAfter = retryAfter
	return e
}

// ErrRouteNotFound creates a not-found error listing the known paths.
func ErrRouteNotFound(path string, known []string) *Error {
	return NewError(KindRouteNotFound, CodeRouteNotFound, fmt.Sprintf("Route %s not found", path)).
		WithDetail("availableEndpoints", known)
}

// ErrServiceUnavailable creates a backend-unavailable error. The cause is
// never shown to clients.
func ErrServiceUnavailable(service string, cause error) *Error {
	e := NewError(KindServiceUnavailable, CodeServiceUnavailable,
		fmt.Sprintf("%s service is currently unavailable", service))
	e.Service = service
	return e.WithCause(cause)
}

// ErrValidation creates a validation error for the given field.
func ErrValidation(field, message string) *Error {
	e := NewError(KindValidation, CodeValidation, message)
	e.Field = field
	return e
}

// ErrInternal creates a generic internal error.
func ErrInternal(cause error) *Error {
	return NewError(KindInternal, CodeInternal, "An unexpected error occurred").WithCause(cause)
}

// AsError converts any error into a *Error. Errors outside the taxonomy
// become InternalError with a generic client message.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr
	}
	return ErrInternal(err)
}

// IsKind reports whether err is a gateway error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind == kind
	}
	return false
}
