package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All components MUST use these constants instead of hardcoded strings.
const (
	// Configuration (fatal before any core operation runs)
	ErrCodeConfigMissing ErrorCode = "config_missing_value"
	ErrCodeConfigInvalid ErrorCode = "config_invalid_value"

	// Validation (CLI / caller input)
	ErrCodeValidationMailingType  ErrorCode = "validation_unknown_mailing_type"
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidEmail ErrorCode = "validation_invalid_email"

	// Upstream collaborators
	ErrCodeUpstreamOrderSource      ErrorCode = "upstream_order_source_unavailable"
	ErrCodeUpstreamNotifyProvider   ErrorCode = "upstream_notification_provider_unavailable"
	ErrCodeUpstreamSubscriberSource ErrorCode = "upstream_subscriber_source_unavailable"
	ErrCodeUpstreamCartSource       ErrorCode = "upstream_cart_source_unavailable"
	ErrCodeUpstreamRateLimited      ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamUnavailable      ErrorCode = "upstream_unavailable"

	// Reconciliation
	ErrCodeReconcileSnapshot ErrorCode = "reconcile_snapshot_malformed"

	// Internal
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
	ErrCodeExportWrite        ErrorCode = "export_write_failed"
)

// Exit code conventions for the batch CLI. Config and usage problems exit 2
// so cron wrappers can distinguish "fix the invocation" from "the run failed".
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// ExitCode maps an ErrorCode to the process exit status the driver should
// use when the error aborts a run. Unrecognized codes exit 1.
func (c ErrorCode) ExitCode() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "config_"), strings.HasPrefix(s, "validation_"):
		return ExitUsage
	default:
		return ExitFailure
	}
}

// AppError is the standard application error type used throughout the
// dispatcher. All component errors should be expressed as AppError to enable
// consistent log formatting, exit-status mapping, and error chain support.
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

// ExitCode returns the process exit status corresponding to this error's code.
func (e *AppError) ExitCode() int {
	return e.Code.ExitCode()
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for component errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf extracts the ErrorCode from an error chain. Returns
// ErrCodeInternalUnexpected for non-AppError chains.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}
