package report

import (
	"errors"
	"fmt"
)

// Domain and infrastructure error classes. Callers match them with
// errors.Is; the API layer maps them to HTTP statuses.
var (
	ErrNotFound           = errors.New("report not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrValidation         = errors.New("validation failed")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Machine-readable error codes exposed to API clients.
const (
	CodeNotFound           = "not_found"
	CodeAccessDenied       = "access_denied"
	CodeValidation         = "validation_failed"
	CodeStorageUnavailable = "storage_unavailable"
	CodeInternal           = "internal"
)

// ValidationError describes a single rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

// Invalid returns a ValidationError for field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}

	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Code maps err to its machine-readable code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAccessDenied):
		return CodeAccessDenied
	case errors.Is(err, ErrStorageUnavailable):
		return CodeStorageUnavailable
	default:
		return CodeInternal
	}
}

// IsDomain reports whether err is an expected, client-caused outcome
// rather than an infrastructure failure.
func IsDomain(err error) bool {
	switch Code(err) {
	case CodeValidation, CodeNotFound, CodeAccessDenied:
		return true
	default:
		return false
	}
}
