package application

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/example/recurring-scheduler/internal/recurrence"
)

var (
	// ErrNotFound is returned when the requested resource does not exist.
	ErrNotFound = errors.New("application: not found")
	// ErrConflict is matched by every *ConflictError.
	ErrConflict = errors.New("application: slot conflict")
)

// ValidationError captures field level validation issues that callers can surface to users.
type ValidationError struct {
	FieldErrors map[string]string
}

// Error implements the error interface. Field messages are listed in field order.
func (v *ValidationError) Error() string {
	if v == nil {
		return ""
	}
	if len(v.FieldErrors) == 0 {
		return "validation failed"
	}
	fields := make([]string, 0, len(v.FieldErrors))
	for field := range v.FieldErrors {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	parts := make([]string, len(fields))
	for i, field := range fields {
		parts[i] = field + ": " + v.FieldErrors[field]
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasErrors reports whether any field level issues were recorded.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

// add records a field level validation error.
func (v *ValidationError) add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}

// merge copies entries from another validation error into the receiver.
func (v *ValidationError) merge(other *ValidationError) {
	if other == nil || len(other.FieldErrors) == 0 {
		return
	}
	for field, msg := range other.FieldErrors {
		v.add(field, msg)
	}
}

// ConflictError names the occurrence whose slot overlaps an existing booking.
type ConflictError struct {
	OccurrenceDate recurrence.Date
	EntityID       string
	WithEntityID   string
}

func (e *ConflictError) Error() string {
	if e.WithEntityID == "" {
		return fmt.Sprintf("occurrence %s conflicts with an existing booking", e.OccurrenceDate)
	}
	return fmt.Sprintf("occurrence %s conflicts with entity %s", e.OccurrenceDate, e.WithEntityID)
}

// Is reports ErrConflict equality.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
