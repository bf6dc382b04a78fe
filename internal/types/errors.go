package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants. Services and handlers MUST use these
// constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationInvalidRenewalDate ErrorCode = "validation_invalid_renewal_date"
	ErrCodeValidationInvalidOffset      ErrorCode = "validation_invalid_offset"
	ErrCodeValidationMissingField       ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidTimezone    ErrorCode = "validation_invalid_timezone"

	// Auth (401/403)
	ErrCodeAuthKeyMissing ErrorCode = "auth_api_key_missing"
	ErrCodeAuthKeyInvalid ErrorCode = "auth_api_key_invalid"

	// Not Found (404)
	ErrCodeNotFoundMember ErrorCode = "not_found_member"
	ErrCodeNotFoundRun    ErrorCode = "not_found_run"

	// Conflict (409)
	ErrCodeConflictRunInProgress ErrorCode = "conflict_run_in_progress"

	// Processing (batch-internal; surfaced via the run error list, not HTTP)
	ErrCodeBillingQueryFailed     ErrorCode = "processing_billing_query_failed"
	ErrCodeNotificationSendFailed ErrorCode = "processing_notification_send_failed"
	ErrCodeMemberProcessingFailed ErrorCode = "processing_member_failed"
	ErrCodeRunFailed              ErrorCode = "processing_run_failed"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamBilling     ErrorCode = "upstream_billing_unavailable"
	ErrCodeUpstreamMail        ErrorCode = "upstream_mail_provider_unavailable"
	ErrCodeUpstreamScheduler   ErrorCode = "upstream_scheduler_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
	ErrCodeEmailBlocked        ErrorCode = "email_blocked"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case s == string(ErrCodeAuthKeyMissing):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "auth_"):
		return http.StatusForbidden
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case s == string(ErrCodeUpstreamRateLimited):
		return http.StatusTooManyRequests
	case s == string(ErrCodeEmailBlocked):
		return http.StatusForbidden
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type used throughout the service.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
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
// optional underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// SanitizedMessage returns a message safe for the run error list: the AppError
// message when err is (or wraps) an AppError, otherwise a generic label.
// Raw driver/provider error strings can carry connection strings or addresses
// and must not be persisted per member.
func SanitizedMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Error()
	}
	return "unexpected processing error"
}
