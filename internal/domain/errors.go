package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("resource not found")
	ErrInsufficientResource = errors.New("insufficient resource")
	ErrUnavailable          = errors.New("dependency unavailable")
	ErrUnauthentic          = errors.New("authenticity check failed")
	ErrForbidden            = errors.New("operation not permitted")

	ErrInsufficientFunds = fmt.Errorf("%w: insufficient funds", ErrInsufficientResource)
	ErrInsufficientStock = fmt.Errorf("%w: insufficient stock", ErrInsufficientResource)
)

// ValidationError reports bad input or a rejected status transition.
// It matches ErrValidation under errors.Is.
type ValidationError struct {
	Field string
	Rule  string
}

func NewValidationError(field, rule string) *ValidationError {
	return &ValidationError{Field: field, Rule: rule}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Rule
	}
	return e.Field + ": " + e.Rule
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
