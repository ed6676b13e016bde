// Package protection implements the admission gate placed in front of every
// externally triggered operation: a sliding-window rate limiter, a circuit
// breaker, and a connection monitor, composed by Manager.
package protection

import (
	"errors"
	"net/http"
)

// Error is a caller-visible rejection. It is never counted as a breaker
// failure because the caller, not the protected operation, caused it.
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// NewError builds a rejection value. Callers keep the result as a sentinel.
func NewError(code, message string, status int) *Error {
	return &Error{Code: code, Message: message, Status: status}
}

var (
	ErrServiceUnavailable = NewError("SERVICE_UNAVAILABLE", "service is shutting down", http.StatusServiceUnavailable)
	ErrRateLimitExceeded  = NewError("RATE_LIMIT_EXCEEDED", "too many requests, slow down", http.StatusServiceUnavailable)
	ErrSystemOverloaded   = NewError("SYSTEM_OVERLOADED", "too many active connections", http.StatusServiceUnavailable)
	ErrCircuitOpen        = NewError("CIRCUIT_OPEN", "service temporarily unavailable", http.StatusServiceUnavailable)
)

// AsError reports whether err is (or wraps) a rejection and returns it.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRejection reports whether err was caused by the caller.
func IsRejection(err error) bool {
	_, ok := AsError(err)
	return ok
}
