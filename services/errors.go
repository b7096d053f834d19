package services

import (
	"errors"
	"fmt"

	"github.com/upb/ticket-enhancer/repositories"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound           ErrorType = "not_found"
	ErrorTypeValidation         ErrorType = "validation"
	ErrorTypeUnauthorized       ErrorType = "unauthorized"
	ErrorTypeForbidden          ErrorType = "forbidden"
	ErrorTypeRateLimit          ErrorType = "rate_limit"
	ErrorTypeBudget             ErrorType = "budget"
	ErrorTypeConflict           ErrorType = "conflict"
	ErrorTypeInternal           ErrorType = "internal"
	ErrorTypeUnavailable        ErrorType = "unavailable"
	ErrorTypeTransient          ErrorType = "transient"
	ErrorTypePermanent          ErrorType = "permanent"
	ErrorTypeIsolationViolation ErrorType = "isolation_violation"
	ErrorTypeSweepPartial       ErrorType = "sweep_partial"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
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
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables

var (
	// Not Found Errors
	ErrTenantNotFound   = NewDomainError(ErrorTypeNotFound, "tenant not found", nil)
	ErrJobNotFound      = NewDomainError(ErrorTypeNotFound, "job not found", nil)
	ErrOverrideNotFound = NewDomainError(ErrorTypeNotFound, "budget override not found", nil)

	// Validation Errors
	ErrInvalidInput   = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidPayload = NewDomainError(ErrorTypeValidation, "malformed ticket payload", nil)
	ErrInvalidTenant  = NewDomainError(ErrorTypeValidation, "invalid tenant identifier", nil)

	// Authentication Errors
	ErrUnauthorized     = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidSignature = NewDomainError(ErrorTypeUnauthorized, "invalid signature", nil)
	ErrInvalidToken     = NewDomainError(ErrorTypeUnauthorized, "invalid authentication token", nil)
	ErrTokenExpired     = NewDomainError(ErrorTypeUnauthorized, "authentication token expired", nil)

	// Permission Errors
	ErrForbidden               = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrTenantInactive          = NewDomainError(ErrorTypeForbidden, "tenant inactive", nil)
	ErrInsufficientPermissions = NewDomainError(ErrorTypeForbidden, "insufficient permissions", nil)

	// Rate Limit Errors
	ErrRateLimitExceeded = NewDomainError(ErrorTypeRateLimit, "rate limit exceeded", nil)

	// Budget Errors
	ErrBudgetExhausted = NewDomainError(ErrorTypeBudget, "budget exhausted", nil)

	// Conflict Errors
	ErrDuplicateTenant  = NewDomainError(ErrorTypeConflict, "tenant already exists", nil)
	ErrJobNotReplayable = NewDomainError(ErrorTypeConflict, "job is not dead-lettered", nil)

	// Internal Errors
	ErrInternal      = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrDatabaseError = NewDomainError(ErrorTypeInternal, "database error", nil)

	// Availability Errors
	ErrQueueUnavailable   = NewDomainError(ErrorTypeUnavailable, "job queue unavailable", nil)
	ErrProcessingHalted   = NewDomainError(ErrorTypeUnavailable, "processing halted by isolation guard", nil)
	ErrIsolationViolation = NewDomainError(ErrorTypeIsolationViolation, "tenant isolation violation", nil)
)

// Error type checking helper functions

func isType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound) || errors.Is(err, repositories.ErrNotFound)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool { return isType(err, ErrorTypeUnauthorized) }

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool { return isType(err, ErrorTypeForbidden) }

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool { return isType(err, ErrorTypeRateLimit) }

// IsBudgetError checks if an error is a budget error
func IsBudgetError(err error) bool { return isType(err, ErrorTypeBudget) }

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	return isType(err, ErrorTypeConflict) || errors.Is(err, repositories.ErrConflict)
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool { return isType(err, ErrorTypeInternal) }

// IsUnavailableError checks if an error is a service unavailable error
func IsUnavailableError(err error) bool { return isType(err, ErrorTypeUnavailable) }

// IsTransientError checks if an error is a retryable dependency failure
func IsTransientError(err error) bool { return isType(err, ErrorTypeTransient) }

// IsPermanentError checks if an error is a permanent job failure
func IsPermanentError(err error) bool { return isType(err, ErrorTypePermanent) }

// IsIsolationViolation checks for an isolation violation from either layer
func IsIsolationViolation(err error) bool {
	return isType(err, ErrorTypeIsolationViolation) || repositories.IsIsolationViolation(err)
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

// WrapPermanent marks a job failure that must not be retried
func WrapPermanent(message string, err error) error {
	return NewDomainError(ErrorTypePermanent, message, err)
}

// WrapTransient marks a dependency failure that may be retried
func WrapTransient(message string, err error) error {
	return NewDomainError(ErrorTypeTransient, message, err)
}

// FromRepository maps repository sentinels onto domain errors
func FromRepository(message string, err error) error {
	switch {
	case err == nil:
		return nil
	case repositories.IsIsolationViolation(err):
		return NewDomainError(ErrorTypeIsolationViolation, message, err)
	case errors.Is(err, repositories.ErrNotFound):
		return NewDomainError(ErrorTypeNotFound, message, err)
	case errors.Is(err, repositories.ErrConflict):
		return NewDomainError(ErrorTypeConflict, message, err)
	case errors.Is(err, repositories.ErrTenantContextRequired):
		return NewDomainError(ErrorTypeInternal, message, err)
	default:
		var domainErr *DomainError
		if errors.As(err, &domainErr) {
			return err
		}
		return NewDomainError(ErrorTypeInternal, message, err)
	}
}
