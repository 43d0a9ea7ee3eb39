// Package errors defines the service-wide error taxonomy. Every error that
// leaves a service method is an *AppError carrying a Code, so transports can
// map it to a status without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies an AppError.
type ErrorCode string

const (
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden         ErrorCode = "FORBIDDEN"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeCapExceeded       ErrorCode = "CAP_EXCEEDED"
	ErrCodeNeedsEstimate     ErrorCode = "NEEDS_ESTIMATE"
	ErrCodeJobDenied         ErrorCode = "JOB_DENIED"
	ErrCodeComplianceBlocked ErrorCode = "COMPLIANCE_BLOCKED"
	ErrCodeUnavailable       ErrorCode = "UNAVAILABLE"
	ErrCodeInternal          ErrorCode = "INTERNAL"
)

// AppError is the structured error returned by services.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// WithDetail attaches a key/value pair for clients (e.g. the blocking hold id).
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap wraps a lower-level error.
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// InvalidInput reports a validation failure on a single field.
func InvalidInput(field, message string) *AppError {
	return &AppError{Code: ErrCodeInvalidInput, Field: field, Message: message}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// Forbidden reports an actor whose role does not permit the action.
func Forbidden(message string) *AppError {
	return &AppError{Code: ErrCodeForbidden, Message: message}
}

// Conflict reports a state mismatch.
func Conflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message}
}

// Unavailable reports a transient store or transport failure.
func Unavailable(err error, message string) *AppError {
	return &AppError{Code: ErrCodeUnavailable, Message: message, Err: err}
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// As is errors.As re-exported so callers importing this package as "errors"
// keep access to it.
func As(err error, target any) bool { return stderrors.As(err, target) }

// Is is errors.Is re-exported.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// Retryable reports whether the caller may retry the operation unchanged.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeUnavailable, ErrCodeConflict:
		return true
	}
	return false
}

// HTTPStatus maps a code to an HTTP status.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidInput, ErrCodeNeedsEstimate:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeCapExceeded, ErrCodeJobDenied, ErrCodeComplianceBlocked:
		return http.StatusUnprocessableEntity
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
