// Package vigilerr defines the error taxonomy shared by the Vigil services
// and the HTTP transport. Services return *Error values; the transport maps
// them to status codes and renders them as {"error": ..., "detail": ...}.
package vigilerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a service error carrying an HTTP status code and an optional
// machine-readable detail payload.
type Error struct {
	Message string
	Status  int
	Detail  any

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Message }

// New builds an error with the given status and message.
func New(status int, format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Status: status}
}

// NotFound reports a missing resource. The detail carries the resource name
// and identifier so clients can tell which lookup failed.
func NotFound(resource, identifier string) *Error {
	return &Error{
		Message: fmt.Sprintf("%s '%s' not found", resource, identifier),
		Status:  http.StatusNotFound,
		Detail:  map[string]string{"resource": resource, "identifier": identifier},
	}
}

// Validation reports malformed input. The detail names the offending field.
func Validation(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Status: http.StatusUnprocessableEntity}
}

// Unauthorized reports missing or invalid credentials.
func Unauthorized(message string) *Error {
	if message == "" {
		message = "Authentication required"
	}
	return &Error{Message: message, Status: http.StatusUnauthorized}
}

// Forbidden reports an authenticated but disallowed request.
func Forbidden(message string) *Error {
	return &Error{Message: message, Status: http.StatusForbidden}
}

// Conflict reports a state conflict such as a duplicate email or an invalid
// replay transition.
func Conflict(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Status: http.StatusConflict}
}

// BadRequest reports a request that is well formed but invalid for the
// current resource state.
func BadRequest(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Status: http.StatusBadRequest}
}

// Internal wraps a storage or downstream failure as an opaque 500. The
// wrapped cause is preserved for logging but never rendered to clients.
func Internal(message string, cause error) *Error {
	return &Error{Message: message, Status: http.StatusInternalServerError, cause: cause}
}

// Unwrap exposes the wrapped cause so errors.Is/As keep working. The cause is
// logged server-side and never rendered to clients.
func (e *Error) Unwrap() error { return e.cause }

// As extracts a *Error from an error chain. The boolean reports whether the
// chain contained one.
func As(err error) (*Error, bool) {
	var ve *Error
	ok := errors.As(err, &ve)
	return ve, ok
}
