package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies failures so that callers can decide on retry,
// breaker accounting, and client visibility without string matching.
type ErrorType string

const (
	ErrorTypeValidation       ErrorType = "validation"
	ErrorTypeTransport        ErrorType = "transport"
	ErrorTypeRateLimited      ErrorType = "rate_limited"
	ErrorTypeCircuitOpen      ErrorType = "circuit_open"
	ErrorTypeUpstreamRejected ErrorType = "upstream_rejected"
	ErrorTypeUpstream         ErrorType = "upstream_error"
	ErrorTypeAuth             ErrorType = "auth"
	ErrorTypeStore            ErrorType = "store"
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeConflict         ErrorType = "conflict"
	ErrorTypeInternal         ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type      ErrorType              `json:"type"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:      ErrorTypeValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

func NewTransportError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeTransport,
		Code:      "TRANSPORT_ERROR",
		Message:   message,
		Retryable: true,
	}
}

func NewRateLimitedError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeRateLimited,
		Code:      "RATE_LIMITED",
		Message:   message,
		Retryable: true,
	}
}

func NewCircuitOpenError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeCircuitOpen,
		Code:      "CIRCUIT_OPEN",
		Message:   message,
		Retryable: true,
	}
}

// NewUpstreamRejectedError covers logical rejections by the auction site:
// bid too low, auction closed, session not authenticated. Not retryable
// and not a breaker failure.
func NewUpstreamRejectedError(code, message string) *AppError {
	return &AppError{
		Type:      ErrorTypeUpstreamRejected,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// NewUpstreamError covers 5xx-class upstream failures. Retryable and
// counted by the circuit breaker.
func NewUpstreamError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeUpstream,
		Code:      "UPSTREAM_ERROR",
		Message:   message,
		Retryable: true,
	}
}

func NewAuthError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeAuth,
		Code:      "UNAUTHORIZED",
		Message:   message,
		Retryable: false,
	}
}

func NewStoreError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeStore,
		Code:      "STORE_ERROR",
		Message:   message,
		Retryable: true,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:      ErrorTypeNotFound,
		Code:      "RESOURCE_NOT_FOUND",
		Message:   fmt.Sprintf("%s not found", resource),
		Retryable: false,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeConflict,
		Code:      "CONFLICT",
		Message:   message,
		Retryable: false,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeInternal,
		Code:      "INTERNAL_ERROR",
		Message:   message,
		Retryable: false,
	}
}

// TypeOf extracts the error type, ErrorTypeInternal for unclassified errors.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// IsType reports whether err carries the given classification.
func IsType(err error, t ErrorType) bool {
	return TypeOf(err) == t
}

// IsRetryable reports whether the operation may be retried.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// IsBreakerFailure reports whether err counts toward opening the circuit
// breaker: transport failures and upstream 5xx-class errors do, local
// rate limiting and logical rejections do not.
func IsBreakerFailure(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeTransport, ErrorTypeUpstream:
		return true
	default:
		return false
	}
}
