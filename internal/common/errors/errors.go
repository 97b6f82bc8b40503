// Package errors provides the application-wide error taxonomy for agentd.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes, one per taxonomy kind.
const (
	ErrCodeValidation       = "VALIDATION"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeCapacityExceeded = "CAPACITY_EXCEEDED"
	ErrCodeBackendFailure   = "BACKEND_FAILURE"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeInternal         = "INTERNAL"
)

// AppError represents a classified application error carrying an HTTP
// status and, where applicable, the backend's own error text.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	// BackendMessage carries the backend's verbatim error text for
	// BackendFailure errors, per the user-visible-failures contract.
	BackendMessage string `json:"backend_message,omitempty"`
	Err            error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap allows errors.Is and errors.As to see through AppError.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Validation reports a malformed config or request; never retried.
func Validation(message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message, HTTPStatus: http.StatusBadRequest}
}

// NotFound reports an unknown agent, run, or provider.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s %q not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// CapacityExceeded reports that the agent ceiling has been reached.
func CapacityExceeded(message string) *AppError {
	return &AppError{Code: ErrCodeCapacityExceeded, Message: message, HTTPStatus: http.StatusServiceUnavailable}
}

// BackendFailure reports a subprocess non-zero exit or HTTP error from a
// provider backend, preserving the backend's own error text verbatim.
func BackendFailure(message, backendMessage string) *AppError {
	return &AppError{
		Code:           ErrCodeBackendFailure,
		Message:        message,
		HTTPStatus:     http.StatusBadGateway,
		BackendMessage: backendMessage,
	}
}

// Timeout reports a wall-clock ceiling exceeded.
func Timeout(message string) *AppError {
	return &AppError{Code: ErrCodeTimeout, Message: message, HTTPStatus: http.StatusGatewayTimeout}
}

// Cancelled reports an explicit cancellation or shutdown.
func Cancelled(message string) *AppError {
	return &AppError{Code: ErrCodeCancelled, Message: message, HTTPStatus: http.StatusConflict}
}

// PolicyDenied reports a security-policy rejection.
func PolicyDenied(message string) *AppError {
	return &AppError{Code: ErrCodePolicyDenied, Message: message, HTTPStatus: http.StatusForbidden}
}

// Internal wraps an unexpected error, logged with a stack trace upstream
// and returned to clients as an opaque 500.
func Internal(message string, err error) *AppError {
	return &AppError{Code: ErrCodeInternal, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// Is* classification helpers, all errors.As-based so wrapped errors work.

func IsNotFound(err error) bool         { return hasCode(err, ErrCodeNotFound) }
func IsValidation(err error) bool       { return hasCode(err, ErrCodeValidation) }
func IsCapacityExceeded(err error) bool { return hasCode(err, ErrCodeCapacityExceeded) }
func IsBackendFailure(err error) bool   { return hasCode(err, ErrCodeBackendFailure) }
func IsTimeout(err error) bool          { return hasCode(err, ErrCodeTimeout) }
func IsCancelled(err error) bool        { return hasCode(err, ErrCodeCancelled) }
func IsPolicyDenied(err error) bool     { return hasCode(err, ErrCodePolicyDenied) }

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetHTTPStatus returns the HTTP status for an error, defaulting to 500
// for anything that isn't an *AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// As reports whether err is (or wraps) an *AppError and returns it.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}
