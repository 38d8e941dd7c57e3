package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeUnauthorized  ErrorType = "unauthorized"
	ErrorTypeForbidden     ErrorType = "forbidden"
	ErrorTypeStateConflict ErrorType = "state_conflict"
	ErrorTypeExpired       ErrorType = "expired"
	ErrorTypeTransient     ErrorType = "transient"
	ErrorTypeConflict      ErrorType = "conflict"
	ErrorTypeInternal      ErrorType = "internal"
)

// DomainError represents a structured error with additional context.
// Retryable marks failures a retry may cure (storage or network hiccups).
type DomainError struct {
	Type      ErrorType
	Message   string
	Err       error
	Details   map[string]interface{}
	Retryable bool
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:      errType,
		Message:   message,
		Err:       err,
		Details:   make(map[string]interface{}),
		Retryable: errType == ErrorTypeTransient,
	}
}

// Domain error variables. They are matched with errors.Is by type and must not
// be mutated; build a fresh error with NewDomainError to attach details.

var (
	// Not Found Errors
	ErrUserNotFound      = NewDomainError(ErrorTypeNotFound, "User not found", nil)
	ErrApprovalNotFound  = NewDomainError(ErrorTypeNotFound, "Approval request not found", nil)
	ErrOperationNotFound = NewDomainError(ErrorTypeNotFound, "Operation not found", nil)
	ErrStateNotFound     = NewDomainError(ErrorTypeNotFound, "State not found", nil)

	// Validation Errors
	ErrInvalidInput = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidRole  = NewDomainError(ErrorTypeValidation, "invalid role", nil)

	// Authorization Errors
	ErrUnauthorized = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidToken = NewDomainError(ErrorTypeUnauthorized, "invalid authentication token", nil)

	// Permission Errors
	ErrForbidden       = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrNotApprover     = NewDomainError(ErrorTypeForbidden, "Not authorized to approve this action", nil)
	ErrAccountInactive = NewDomainError(ErrorTypeForbidden, "Account inactive", nil)

	// State Errors
	ErrNoPreviousVersion      = NewDomainError(ErrorTypeStateConflict, "No previous version to rollback to", nil)
	ErrOperationNotInProgress = NewDomainError(ErrorTypeStateConflict, "Operation is not in progress", nil)
	ErrApprovalExpired        = NewDomainError(ErrorTypeExpired, "Approval request has expired", nil)

	// Conflict Errors
	ErrDuplicateEmail   = NewDomainError(ErrorTypeConflict, "User with this email already exists", nil)
	ErrConcurrentUpdate = NewDomainError(ErrorTypeConflict, "concurrent update detected", nil)

	// Internal Errors
	ErrInternal      = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrDatabaseError = NewDomainError(ErrorTypeTransient, "database error", nil)
)

// ApprovalAlreadyResolved reports a decision attempt on a request that has left pending
func ApprovalAlreadyResolved(status string) *DomainError {
	return NewDomainError(ErrorTypeStateConflict, fmt.Sprintf("Approval already %s", status), nil).
		WithDetail("status", status)
}

// ApprovalExpired reports a decision attempt past the request deadline
func ApprovalExpired() *DomainError {
	return NewDomainError(ErrorTypeExpired, ErrApprovalExpired.Message, nil).
		WithDetail("status", "expired")
}

// PermissionDenied is the authorization failure returned by guarded operations
func PermissionDenied(reason string) *DomainError {
	return NewDomainError(ErrorTypeForbidden, reason, nil)
}

// Error type checking helper functions

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeNotFound
	}
	return false
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeValidation
	}
	return false
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeUnauthorized
	}
	return false
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeForbidden
	}
	return false
}

// IsStateConflictError checks if an error reports an invalid state transition
func IsStateConflictError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeStateConflict
	}
	return false
}

// IsExpiredError checks if an error is an expiry error
func IsExpiredError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeExpired
	}
	return false
}

// IsTransientError checks if an error is a transient storage or network error
func IsTransientError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeTransient
	}
	return false
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeConflict
	}
	return false
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeInternal
	}
	return false
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapTransient wraps a storage or network failure as a retryable error
func WrapTransient(message string, err error) error {
	return NewDomainError(ErrorTypeTransient, message, err)
}

// ErrorClassifier decides whether a failed attempt must not be retried
type ErrorClassifier func(err error) bool

// IsFatal is the default classifier. Tagged domain errors are fatal unless
// Retryable; context cancellation is fatal; untagged errors are retryable.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return !domainErr.Retryable
	}
	return false
}

// legacyFatalMarkers are matched case-insensitively against the error text
var legacyFatalMarkers = []string{
	"permission denied",
	"unauthorized",
	"not found",
	"invalid",
	"forbidden",
}

// LegacyFatalClassifier treats an error as fatal when its message contains one
// of the historical markers. Kept for callers whose errors are not tagged yet.
func LegacyFatalClassifier(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range legacyFatalMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
