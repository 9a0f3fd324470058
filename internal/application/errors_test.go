package application

import (
	"errors"
	"testing"

	"github.com/example/recurring-scheduler/internal/recurrence"
)

func TestValidationError_Error(t *testing.T) {
	t.Parallel()

	var err *ValidationError
	if err.Error() != "" {
		t.Fatalf("expected empty string for nil error, got %q", err.Error())
	}

	empty := &ValidationError{}
	if got := empty.Error(); got != "validation failed" {
		t.Fatalf("expected generic message for empty error, got %q", got)
	}

	withFields := &ValidationError{FieldErrors: map[string]string{"rrule": "bad", "duration": "must be positive"}}
	if got := withFields.Error(); got != "validation failed: duration: must be positive; rrule: bad" {
		t.Fatalf("expected sorted field messages, got %q", got)
	}
}

func TestValidationError_HasErrors(t *testing.T) {
	t.Parallel()

	if err := (&ValidationError{}).HasErrors(); err {
		t.Fatalf("expected HasErrors to report false for empty error")
	}

	if err := (&ValidationError{FieldErrors: map[string]string{"field": "bad"}}).HasErrors(); !err {
		t.Fatalf("expected HasErrors to report true when fields are present")
	}
}

func TestValidationError_AddAndMerge(t *testing.T) {
	t.Parallel()

	base := &ValidationError{}
	base.add("first", "value")
	if got := base.FieldErrors["first"]; got != "value" {
		t.Fatalf("expected add to populate map, got %q", got)
	}

	other := &ValidationError{FieldErrors: map[string]string{"second": "another"}}
	base.merge(other)
	if got := base.FieldErrors["second"]; got != "another" {
		t.Fatalf("expected merge to copy field, got %q", got)
	}

	base.merge(nil)
	if len(base.FieldErrors) != 2 {
		t.Fatalf("expected merge with nil to leave fields unchanged")
	}
}

func TestConflictErrorMatchesSentinel(t *testing.T) {
	t.Parallel()

	err := error(&ConflictError{OccurrenceDate: recurrence.MustParseDate("2024-01-08"), WithEntityID: "e-1"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ConflictError to match ErrConflict")
	}
	if got := err.Error(); got != "occurrence 2024-01-08 conflicts with entity e-1" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := ErrorKind(err); got != "conflict" {
		t.Fatalf("expected conflict kind, got %q", got)
	}
}
