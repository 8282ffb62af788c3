package models

import (
	"errors"
	"fmt"
)

// Ledger error taxonomy. Callers match with errors.Is.
var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrDuplicateAttribution = errors.New("referral already attributed")
	ErrValidation           = errors.New("validation failed")
	ErrAccountNotActive     = errors.New("account not active")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrUnauthorized         = errors.New("unauthorized")

	// Storage level
	ErrVersionConflict = errors.New("optimistic lock failed")
	ErrAlreadyExists   = errors.New("already exists")
	ErrDuplicateEntry  = errors.New("ledger entry already applied")
)

// ValidationError describes a malformed field. It matches ErrValidation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
