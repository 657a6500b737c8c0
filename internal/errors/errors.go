// Package errors provides the error taxonomy used across the relay.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RelayError is the base error type for relay errors
type RelayError struct {
	Message   string                 `json:"message"`
	Code      string                 `json:"code"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (e *RelayError) Error() string {
	return e.Message
}

// ToJSON converts the error to a map for API responses
func (e *RelayError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"name":      "RelayError",
		"code":      e.Code,
		"message":   e.Message,
		"retryable": e.Retryable,
	}
	for k, v := range e.Metadata {
		result[k] = v
	}
	return result
}

// MarshalJSON implements json.Marshaler
func (e *RelayError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

// New creates a new RelayError
func New(message, code string, retryable bool, metadata map[string]interface{}) *RelayError {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &RelayError{
		Message:   message,
		Code:      code,
		Retryable: retryable,
		Metadata:  metadata,
	}
}

// RateLimitError represents a rate limit (429 / RESOURCE_EXHAUSTED) from
// upstream. It is surfaced rather than retried so the pool can rotate.
type RateLimitError struct {
	*RelayError
	AccountEmail string `json:"accountEmail,omitempty"`
	ModelID      string `json:"modelId,omitempty"`
}

// NewRateLimitError creates a new RateLimitError
func NewRateLimitError(message, accountEmail, modelID string) *RateLimitError {
	metadata := map[string]interface{}{}
	if accountEmail != "" {
		metadata["accountEmail"] = accountEmail
	}
	if modelID != "" {
		metadata["modelId"] = modelID
	}
	return &RateLimitError{
		RelayError:   New(message, "RATE_LIMITED", true, metadata),
		AccountEmail: accountEmail,
		ModelID:      modelID,
	}
}

// AuthError represents a terminal authentication failure (401 or a
// persistent refresh failure). Accounts hitting it are invalidated.
type AuthError struct {
	*RelayError
	AccountEmail string `json:"accountEmail,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// NewAuthError creates a new AuthError
func NewAuthError(message, accountEmail, reason string) *AuthError {
	metadata := map[string]interface{}{}
	if accountEmail != "" {
		metadata["accountEmail"] = accountEmail
	}
	if reason != "" {
		metadata["reason"] = reason
	}
	return &AuthError{
		RelayError:   New(message, "AUTH_INVALID", false, metadata),
		AccountEmail: accountEmail,
		Reason:       reason,
	}
}

// NoAccountsError means the selection filter came up empty
type NoAccountsError struct {
	*RelayError
}

// NewNoAccountsError creates a new NoAccountsError
func NewNoAccountsError(message string) *NoAccountsError {
	if message == "" {
		message = "No account available"
	}
	return &NoAccountsError{
		RelayError: New(message, "NO_ACCOUNTS", false, nil),
	}
}

// InvalidArgumentError represents a caller error (e.g. an out-of-range
// fingerprint history index)
type InvalidArgumentError struct {
	*RelayError
}

// NewInvalidArgumentError creates a new InvalidArgumentError
func NewInvalidArgumentError(message string) *InvalidArgumentError {
	return &InvalidArgumentError{
		RelayError: New(message, "INVALID_ARGUMENT", false, nil),
	}
}

// MaxRetriesError means the throttled fetch exhausted its retry budget
type MaxRetriesError struct {
	*RelayError
	Attempts int `json:"attempts"`
}

// NewMaxRetriesError creates a new MaxRetriesError
func NewMaxRetriesError(message string, attempts int) *MaxRetriesError {
	if message == "" {
		message = "Max retries exceeded"
	}
	return &MaxRetriesError{
		RelayError: New(message, "MAX_RETRIES", false, map[string]interface{}{
			"attempts": attempts,
		}),
		Attempts: attempts,
	}
}

// ApiError represents a non-retryable upstream API error
type ApiError struct {
	*RelayError
	StatusCode int    `json:"statusCode"`
	ErrorType  string `json:"errorType"`
}

// NewApiError creates a new ApiError
func NewApiError(message string, statusCode int, errorType string) *ApiError {
	if errorType == "" {
		errorType = "api_error"
	}
	return &ApiError{
		RelayError: New(message, strings.ToUpper(errorType), statusCode >= 500, map[string]interface{}{
			"statusCode": statusCode,
			"errorType":  errorType,
		}),
		StatusCode: statusCode,
		ErrorType:  errorType,
	}
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(*RateLimitError); ok {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "rate limit")
}

// IsAuthError checks if an error is an authentication error
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(*AuthError); ok {
		return true
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "AUTH_INVALID") ||
		strings.Contains(msg, "INVALID_GRANT") ||
		strings.Contains(msg, "TOKEN REFRESH FAILED")
}

// FormatAPIError formats an error for an API response body
func FormatAPIError(err error) map[string]interface{} {
	switch e := err.(type) {
	case *NoAccountsError:
		return map[string]interface{}{"error": "no-account-available"}
	case *RateLimitError:
		return e.ToJSON()
	case *AuthError:
		return e.ToJSON()
	case *MaxRetriesError:
		return e.ToJSON()
	case *InvalidArgumentError:
		return e.ToJSON()
	case *ApiError:
		return e.ToJSON()
	case *RelayError:
		return e.ToJSON()
	}
	return map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": err.Error(),
		},
	}
}

// HTTPStatusFromError returns the HTTP status code for an error
func HTTPStatusFromError(err error) int {
	switch e := err.(type) {
	case *RateLimitError:
		return 429
	case *AuthError:
		return 401
	case *NoAccountsError:
		return 503
	case *InvalidArgumentError:
		return 400
	case *MaxRetriesError:
		return 503
	case *ApiError:
		return e.StatusCode
	default:
		return 500
	}
}

// WithContext prefixes an error with context
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}
