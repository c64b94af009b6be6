package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced entity is absent.
	ErrNotFound = errors.New("entity not found")

	// ErrConflictingState is returned when an attempted transition violates
	// an invariant (e.g. activating a contract while another activation for
	// the same name is mid-flight). Callers may retry after refreshing state.
	ErrConflictingState = errors.New("conflicting state")

	// ErrStorageUnavailable is returned for transient storage failures.
	// Callers retry it through the self-healing loop; everything else is
	// surfaced as-is.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
