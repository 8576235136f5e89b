// Package apierrors provides the structured error taxonomy used across
// the registry, buses, lifecycle, and wise authority components.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a RuntimeError's kind.
type ErrorCode string

const (
	// Circuit breaker (CB_*)
	ErrCodeCircuitOpen ErrorCode = "CB_1001"

	// Security (SEC_*)
	ErrCodeSecurityViolation ErrorCode = "SEC_2001"

	// Bus (BUS_*)
	ErrCodeAllProvidersFailed ErrorCode = "BUS_3001"
	ErrCodeServiceUnavailable ErrorCode = "BUS_3002"
	ErrCodeTimeout            ErrorCode = "BUS_3003"

	// Validation (VAL_*)
	ErrCodeValidation ErrorCode = "VAL_4001"
	ErrCodeNotFound    ErrorCode = "VAL_4002"

	// Lifecycle (LC_*)
	ErrCodeShuttingDown ErrorCode = "LC_5001"
)

// RuntimeError is the structured error type returned across component
// boundaries. It mirrors the shape of a conventional service error
// (code, message, HTTP status, details, wrapped cause) so handlers can
// translate it directly into an HTTP response.
type RuntimeError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *RuntimeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// WithDetails attaches a key/value pair and returns the same error for
// chaining at the construction site.
func (e *RuntimeError) WithDetails(key string, value interface{}) *RuntimeError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newErr(code ErrorCode, message string, status int) *RuntimeError {
	return &RuntimeError{Code: code, Message: message, HTTPStatus: status}
}

func wrapErr(code ErrorCode, message string, status int, err error) *RuntimeError {
	return &RuntimeError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// ErrCircuitOpen is a shared CircuitOpen error without provider
// details; CircuitBreaker.CheckAndRaise builds a fresh one with
// CircuitOpen instead of returning this value.
var ErrCircuitOpen = newErr(ErrCodeCircuitOpen, "circuit breaker is open", http.StatusServiceUnavailable)

// CircuitOpen constructs a fresh CircuitOpen error carrying the
// provider name that tripped it.
func CircuitOpen(provider string) *RuntimeError {
	return newErr(ErrCodeCircuitOpen, "circuit breaker is open", http.StatusServiceUnavailable).
		WithDetails("provider", provider)
}

// SecurityViolation covers mock/real LLM mixing, invalid WA signatures,
// JWT algorithm confusion, and unauthorized emergency keys.
func SecurityViolation(reason string) *RuntimeError {
	return newErr(ErrCodeSecurityViolation, reason, http.StatusForbidden)
}

// AllProvidersFailed is the terminal error of an exhausted failover
// chain; it carries the last provider error observed.
func AllProvidersFailed(last error) *RuntimeError {
	return wrapErr(ErrCodeAllProvidersFailed, "all providers failed", http.StatusServiceUnavailable, last)
}

// Timeout is a fast-failed, non-retried timeout.
func Timeout(operation string) *RuntimeError {
	return newErr(ErrCodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

// ValidationError covers malformed requests or context at a boundary.
func ValidationError(field, reason string) *RuntimeError {
	return newErr(ErrCodeValidation, reason, http.StatusBadRequest).
		WithDetails("field", field)
}

// NotFound covers unknown WAs, tasks, adapters, deferrals, or config
// paths.
func NotFound(resource, id string) *RuntimeError {
	return newErr(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// ShuttingDown is returned when a mutating operation is refused because
// shutdown is in progress.
func ShuttingDown() *RuntimeError {
	return newErr(ErrCodeShuttingDown, "shutting down", http.StatusServiceUnavailable)
}

// ServiceUnavailable covers a required service absent from the
// registry; buses other than the LLM bus prefer this over raising.
func ServiceUnavailable(serviceType string) *RuntimeError {
	return newErr(ErrCodeServiceUnavailable, "service unavailable", http.StatusServiceUnavailable).
		WithDetails("service_type", serviceType)
}

// Is reports whether err is a RuntimeError with the given code.
func Is(err error, code ErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// As extracts a RuntimeError from an error chain.
func As(err error) *RuntimeError {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re
	}
	return nil
}

// HTTPStatus returns the HTTP status for an error, defaulting to 500.
func HTTPStatus(err error) int {
	if re := As(err); re != nil {
		return re.HTTPStatus
	}
	return http.StatusInternalServerError
}
