package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound            ErrorType = "not_found"
	ErrorTypeValidation          ErrorType = "validation"
	ErrorTypeUnauthorized        ErrorType = "unauthorized"
	ErrorTypeInsufficientCredits ErrorType = "insufficient_credits"
	ErrorTypeProvidersExhausted  ErrorType = "providers_exhausted"
	ErrorTypeCatalogUnavailable  ErrorType = "catalog_unavailable"
	ErrorTypeConflict            ErrorType = "conflict"
	ErrorTypeInternal            ErrorType = "internal"
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

// WithDetail adds a detail to the error.
// Call it on errors built with NewDomainError, never on the package sentinels.
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

var (
	ErrModelNotFound       = NewDomainError(ErrorTypeNotFound, "model not found in catalog", nil)
	ErrProviderNotFound    = NewDomainError(ErrorTypeNotFound, "provider not registered", nil)
	ErrReservationNotFound = NewDomainError(ErrorTypeNotFound, "credit reservation not found", nil)
	ErrAccountNotFound     = NewDomainError(ErrorTypeNotFound, "credit account not found", nil)

	ErrInvalidInput       = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidModel       = NewDomainError(ErrorTypeValidation, "invalid model specified", nil)
	ErrInvalidOutputBound = NewDomainError(ErrorTypeValidation, "output bound must be positive", nil)

	ErrUnauthorized = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)

	ErrInsufficientCredits = NewDomainError(ErrorTypeInsufficientCredits, "insufficient credits", nil)

	ErrProvidersExhausted = NewDomainError(ErrorTypeProvidersExhausted, "all candidate providers failed", nil)

	ErrCatalogUnavailable = NewDomainError(ErrorTypeCatalogUnavailable, "no catalog snapshot available", nil)

	ErrReservationClosed = NewDomainError(ErrorTypeConflict, "reservation already settled or released", nil)
)

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return GetErrorType(err) == ErrorTypeNotFound
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return GetErrorType(err) == ErrorTypeValidation
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	return GetErrorType(err) == ErrorTypeUnauthorized
}

// IsInsufficientCreditsError checks if an error is a credit admission denial
func IsInsufficientCreditsError(err error) bool {
	return GetErrorType(err) == ErrorTypeInsufficientCredits
}

// IsProvidersExhaustedError checks if every candidate provider failed
func IsProvidersExhaustedError(err error) bool {
	return GetErrorType(err) == ErrorTypeProvidersExhausted
}

// IsCatalogUnavailableError checks if no catalog could be served
func IsCatalogUnavailableError(err error) bool {
	return GetErrorType(err) == ErrorTypeCatalogUnavailable
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	return GetErrorType(err) == ErrorTypeConflict
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return GetErrorType(err) == ErrorTypeInternal
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
