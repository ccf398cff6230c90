package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the retrieval engine.
var (
	ErrNotFound           = errors.New("not found")
	ErrSourceMissing      = errors.New("source document missing")
	ErrPageOutOfRange     = errors.New("page out of range")
	ErrBackendUnavailable = errors.New("vector backend unavailable")
	ErrInvalidQuery       = errors.New("invalid query")
	ErrInvalidChunk       = errors.New("invalid chunk")
	ErrEmptyText          = errors.New("empty text")
	ErrDimensionMismatch  = errors.New("embedding dimension mismatch")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}
