package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants. Handlers and services use these constants
// instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingTaskID   ErrorCode = "validation_missing_task_id"
	ErrCodeValidationMissingPlantID  ErrorCode = "validation_missing_plant_id"
	ErrCodeValidationInvalidTaskType ErrorCode = "validation_invalid_task_type"
	ErrCodeValidationInvalidPriority ErrorCode = "validation_invalid_priority"
	ErrCodeValidationInvalidDuration ErrorCode = "validation_invalid_duration"
	ErrCodeValidationMissingDueDate  ErrorCode = "validation_missing_due_date"
	ErrCodeValidationInterval        ErrorCode = "validation_interval_out_of_range"
	ErrCodeBulkPartialFailure        ErrorCode = "bulk_partial_failure"

	// Not Found (404)
	ErrCodeNotFoundTask     ErrorCode = "not_found_task"
	ErrCodeNotFoundSchedule ErrorCode = "not_found_schedule"
	ErrCodeNotFoundDelivery ErrorCode = "not_found_delivery"

	// Conflict (409)
	ErrCodeConflictConcurrent ErrorCode = "conflict_concurrent_modification"

	// Timeouts / upstream (502/504)
	ErrCodeUpstreamTransport ErrorCode = "upstream_transport_unavailable"
	ErrCodeUpstreamPrefs     ErrorCode = "upstream_preferences_unavailable"
	ErrCodeOperationTimeout  ErrorCode = "operation_timeout"

	// Internal (500)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"), s == string(ErrCodeBulkPartialFailure):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case s == string(ErrCodeOperationTimeout):
		return http.StatusGatewayTimeout // 504
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}

// IsRetryable reports whether an operation failing with this code may
// succeed on a later attempt. Validation and not-found errors are surfaced
// synchronously; transport, persistence, and timeout errors are retried.
func (c ErrorCode) IsRetryable() bool {
	switch c {
	case ErrCodeUpstreamTransport, ErrCodeUpstreamPrefs, ErrCodeOperationTimeout, ErrCodeInternalDB:
		return true
	}
	return false
}

// AppError is the standard application error type used throughout the engine.
// All domain and handler errors are expressed as AppError to enable
// consistent formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
