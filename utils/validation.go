package utils

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report fields by their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// ValidateStruct validates a struct using go-playground/validator
func ValidateStruct(s interface{}) error {
	if err := validate.Struct(s); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return newValidationError(validationErrors)
		}
		return err
	}
	return nil
}

// ValidationError wraps validation errors with structured details
type ValidationError struct {
	Message string
	Fields  map[string]string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return e.Message
}

// constraintMessages renders a failed tag. %s is the field and %v the tag parameter.
var constraintMessages = map[string]string{
	"required": "%s is required",
	"min":      "%s must have at least %v",
	"max":      "%s must have at most %v",
	"gt":       "%s must be greater than %v",
	"gte":      "%s must be at least %v",
	"lt":       "%s must be less than %v",
	"lte":      "%s must be at most %v",
	"oneof":    "%s must be one of: %v",
	"url":      "%s must be a valid URL",
}

// newValidationError builds a ValidationError from validator.ValidationErrors. Nested
// fields are reported by their JSON path, e.g. "messages[0].role".
func newValidationError(errs validator.ValidationErrors) *ValidationError {
	fields := make(map[string]string, len(errs))
	for _, err := range errs {
		field := jsonPath(err.Namespace())
		format, ok := constraintMessages[err.Tag()]
		if !ok {
			fields[field] = fmt.Sprintf("%s failed the '%s' constraint", field, err.Tag())
			continue
		}
		if strings.Contains(format, "%v") {
			fields[field] = fmt.Sprintf(format, field, err.Param())
		} else {
			fields[field] = fmt.Sprintf(format, field)
		}
	}

	return &ValidationError{
		Message: "Validation failed",
		Fields:  fields,
	}
}

// jsonPath drops the root struct name from a validator namespace
func jsonPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

// IsValidationError checks if an error is a ValidationError
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// GetValidationFields extracts field errors from a ValidationError
func GetValidationFields(err error) map[string]string {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Fields
	}
	return nil
}
