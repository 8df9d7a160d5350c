package errors

import (
	"net/http"
	"time"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Request errors (400xx)
	ErrInvalidRequest   ErrorCode = "40001"
	ErrValidationFailed ErrorCode = "40002"
	ErrInvalidJSON      ErrorCode = "40003"
	ErrMissingParameter ErrorCode = "40004"
	ErrBatchTooLarge    ErrorCode = "40005"
	ErrEmptyBatch       ErrorCode = "40006"

	// Authentication errors (401xx)
	ErrUnauthorized       ErrorCode = "40101"
	ErrInvalidCredentials ErrorCode = "40102"
	ErrTokenExpired       ErrorCode = "40103"

	// Authorization errors (403xx)
	ErrForbidden       ErrorCode = "40301"
	ErrAgentNotOwned   ErrorCode = "40302"
	ErrCallsNotAllowed ErrorCode = "40303"

	// Resource errors (404xx)
	ErrNotFound      ErrorCode = "40401"
	ErrAgentNotFound ErrorCode = "40402"
	ErrUserNotFound  ErrorCode = "40403"
	ErrCallNotFound  ErrorCode = "40404"

	// Server errors (500xx)
	ErrInternalServer      ErrorCode = "50001"
	ErrUpstreamUnavailable ErrorCode = "50301"
	ErrUpstreamTimeout     ErrorCode = "50401"
)

// APIError represents a standardized API error
type APIError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Details    any       `json:"details,omitempty"`
	Timestamp  string    `json:"timestamp,omitempty"`
	Path       string    `json:"path,omitempty"`
	Method     string    `json:"method,omitempty"`
	HTTPStatus int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// ErrorResponse represents the error response format
type ErrorResponse struct {
	Error         APIError `json:"error"`
	RequestID     string   `json:"request_id"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}

// NewErrorResponse builds the response envelope with request metadata attached.
func NewErrorResponse(err *APIError, requestID, correlationID, path, method string) *ErrorResponse {
	e := *err
	e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	e.Path = path
	e.Method = method
	return &ErrorResponse{
		Error:         e,
		RequestID:     requestID,
		CorrelationID: correlationID,
	}
}

// GetHTTPStatusFromCode maps an error code to its HTTP status. Codes embed
// the status in their first three digits.
func GetHTTPStatusFromCode(code ErrorCode) int {
	switch code {
	case ErrInvalidRequest, ErrValidationFailed, ErrInvalidJSON, ErrMissingParameter, ErrBatchTooLarge, ErrEmptyBatch:
		return http.StatusBadRequest
	case ErrUnauthorized, ErrInvalidCredentials, ErrTokenExpired:
		return http.StatusUnauthorized
	case ErrForbidden, ErrAgentNotOwned, ErrCallsNotAllowed:
		return http.StatusForbidden
	case ErrNotFound, ErrAgentNotFound, ErrUserNotFound, ErrCallNotFound:
		return http.StatusNotFound
	case ErrUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Common errors
var (
	ErrUnauthorizedError = &APIError{
		Code:       ErrUnauthorized,
		Message:    "Authentication required",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrTokenExpiredError = &APIError{
		Code:       ErrTokenExpired,
		Message:    "Token has expired",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrForbiddenError = &APIError{
		Code:       ErrForbidden,
		Message:    "Access denied",
		HTTPStatus: http.StatusForbidden,
	}

	ErrAgentNotFoundError = &APIError{
		Code:       ErrAgentNotFound,
		Message:    "Agent not found or access denied",
		HTTPStatus: http.StatusNotFound,
	}

	ErrUserNotFoundError = &APIError{
		Code:       ErrUserNotFound,
		Message:    "User not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrCallNotFoundError = &APIError{
		Code:       ErrCallNotFound,
		Message:    "Call record not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrInternalServerError = &APIError{
		Code:       ErrInternalServer,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}
)

// NewValidationError creates a validation error with details
func NewValidationError(details any) *APIError {
	return &APIError{
		Code:       ErrValidationFailed,
		Message:    "Validation failed",
		Details:    details,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidRequestError creates an invalid request error
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewEligibilityError wraps an eligibility denial so callers can show the
// user why calls are blocked rather than a generic 403.
func NewEligibilityError(reason string, details any) *APIError {
	return &APIError{
		Code:       ErrCallsNotAllowed,
		Message:    reason,
		Details:    details,
		HTTPStatus: http.StatusForbidden,
	}
}
