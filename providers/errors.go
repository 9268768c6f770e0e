package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies adapter failures for the selector and the HTTP layer.
type ErrorKind string

// Adapter error kinds. All of them trigger failover in the selector; the
// kind decides the surfaced status when every candidate fails.
const (
	KindTimeout        ErrorKind = "timeout"
	KindAuth           ErrorKind = "auth"
	KindUnavailable    ErrorKind = "unavailable"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindHTTP           ErrorKind = "http"
)

// Error is the uniform adapter failure type. Status carries the upstream
// HTTP status when one was received (0 otherwise).
type Error struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Message  string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (%d): %s", e.Provider, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// NewError builds an adapter error with an explicit kind.
func NewError(provider string, kind ErrorKind, status int, message string, cause error) *Error {
	return &Error{Provider: provider, Kind: kind, Status: status, Message: message, Err: cause}
}

// WrapHTTPStatus classifies an upstream HTTP status into an adapter error.
func WrapHTTPStatus(provider string, status int, message string) *Error {
	kind := KindHTTP
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		kind = KindInvalidRequest
	case status >= 500:
		kind = KindUnavailable
	}
	return &Error{Provider: provider, Kind: kind, Status: status, Message: message}
}

// WrapTransport classifies a transport-level failure (no HTTP status).
func WrapTransport(provider string, err error) *Error {
	kind := KindUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Provider: provider, Kind: kind, Message: err.Error(), Err: err}
}

// KindOf extracts the error kind from err, or KindUnavailable for
// non-adapter errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnavailable
}

// StatusOf extracts the upstream HTTP status from err, or 0.
func StatusOf(err error) int {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Status
	}
	return 0
}
