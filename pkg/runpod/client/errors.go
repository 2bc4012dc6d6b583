package client

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError represents an error returned by the RunPod API
type APIError struct {
	StatusCode int
	Message    string
	Details    string
	RequestID  string
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("RunPod API error (status: %d, request_id: %s): %s - %s",
			e.StatusCode, e.RequestID, e.Message, e.Details)
	}
	return fmt.Sprintf("RunPod API error (status: %d): %s - %s",
		e.StatusCode, e.Message, e.Details)
}

// IsNotFound returns true if the error is a 404 Not Found error
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsUnauthorized returns true if the error is a 401 Unauthorized or 403 Forbidden error
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsRateLimited returns true if the error is a 429 Too Many Requests error
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsServerError returns true if the error is a 5xx server error
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// IsRetryable returns true if repeating the request may succeed
func (e *APIError) IsRetryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// NewAPIError creates a new APIError
func NewAPIError(statusCode int, message, details string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Message:    message,
		Details:    details,
	}
}

// NewAPIErrorWithRequestID creates a new APIError with a request ID
func NewAPIErrorWithRequestID(statusCode int, message, details, requestID string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Message:    message,
		Details:    details,
		RequestID:  requestID,
	}
}

// ConfigError represents an invalid client option or request field
type ConfigError struct {
	Field  string
	Reason string
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Reason)
}

// NewConfigError creates a new ConfigError
func NewConfigError(field, reason string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Reason: reason,
	}
}

// IsNotFound checks if an error is a 404 Not Found error
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsNotFound()
	}
	return false
}

// IsUnauthorized checks if an error is an authentication or authorization failure
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsUnauthorized()
	}
	return false
}

// IsRateLimited checks if an error is a 429 Too Many Requests error
func IsRateLimited(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRateLimited()
	}
	return false
}

// IsRetryable checks if an error is a transient API failure
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	return false
}

// IsConfigError checks if an error was caused by invalid input rather than the backend
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

// errorType classifies a failed request for metrics
func errorType(statusCode int) string {
	switch {
	case statusCode == http.StatusUnauthorized:
		return "unauthorized"
	case statusCode == http.StatusForbidden:
		return "forbidden"
	case statusCode == http.StatusNotFound:
		return "not_found"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 500:
		return "server_error"
	default:
		return "client_error"
	}
}
