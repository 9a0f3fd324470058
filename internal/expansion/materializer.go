// Package expansion turns expanded occurrences into instance and entity rows.
package expansion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/recurring-scheduler/internal/persistence"
	"github.com/example/recurring-scheduler/internal/recurrence"
	"github.com/example/recurring-scheduler/internal/scheduler"
	"github.com/example/recurring-scheduler/internal/schema"
	"github.com/example/recurring-scheduler/internal/template"
)

// Outcome is the result of materializing one occurrence.
type Outcome int

const (
	// Created means a new entity row and Active instance were written.
	Created Outcome = iota
	// AlreadyMaterialized means the series already had an instance for the date.
	AlreadyMaterialized
	// Superseded means the series was deleted, closed at or before the date,
	// or given a new schedule after the run loaded it. Nothing was written.
	Superseded
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case AlreadyMaterialized:
		return "already_materialized"
	case Superseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// ConflictError reports that an occurrence overlaps an existing row in its conflict scope.
type ConflictError struct {
	Date recurrence.Date
	// WithEntityID is empty when the store rejected the write without naming the other row.
	WithEntityID string
}

func (e *ConflictError) Error() string {
	if e.WithEntityID == "" {
		return fmt.Sprintf("occurrence %s conflicts with an existing booking", e.Date)
	}
	return fmt.Sprintf("occurrence %s conflicts with entity %s", e.Date, e.WithEntityID)
}

// MissingFieldsError reports required fields absent from an occurrence's field set.
type MissingFieldsError struct {
	Table  string
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("entity table %s: missing required fields: %s", e.Table, strings.Join(e.Fields, ", "))
}

// SlotValue is the value written under a series' time-slot field.
type SlotValue struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// EffectiveFields merges the slot into tmpl under slotField.
func EffectiveFields(tmpl template.Template, slotField string, start, end time.Time) (template.Template, error) {
	return tmpl.With(slotField, SlotValue{Start: start, End: end})
}

// ConflictKey derives the overlap scope of a row from its entity type.
// nil disables overlap detection for the row.
func ConflictKey(entityType schema.EntityType, fields template.Template) *string {
	if entityType.AllowOverlap {
		return nil
	}
	if entityType.ConflictField == "" {
		key := ""
		return &key
	}
	raw, ok := fields.Get(entityType.ConflictField)
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	if value, ok := fields.String(entityType.ConflictField); ok {
		return &value
	}
	key := string(raw)
	return &key
}

// CheckConflicts looks for rows in scope overlapping [start, end), ignoring entityID.
func CheckConflicts(ctx context.Context, entities persistence.EntityRepository, table, entityID string, key *string, date recurrence.Date, start, end time.Time) error {
	if key == nil {
		return nil
	}
	existing, err := entities.FindOverlapping(ctx, table, *key, start, end)
	if err != nil {
		return fmt.Errorf("find overlapping %s rows: %w", table, err)
	}
	slots := make([]scheduler.Slot, 0, len(existing))
	for _, e := range existing {
		slots = append(slots, scheduler.Slot{EntityID: e.ID, ConflictKey: e.ConflictKey, Start: e.SlotStart, End: e.SlotEnd})
	}
	conflicts := scheduler.DetectConflicts(slots, scheduler.Slot{EntityID: entityID, ConflictKey: key, Start: start, End: end})
	if len(conflicts) > 0 {
		return &ConflictError{Date: date, WithEntityID: conflicts[0].WithEntityID}
	}
	return nil
}

// Materializer writes one occurrence at a time, each in its own transaction,
// so a failure never rolls back occurrences already written.
type Materializer struct {
	store       persistence.Store
	idGenerator func() string
	now         func() time.Time
}

// NewMaterializer constructs a Materializer.
func NewMaterializer(store persistence.Store, idGenerator func() string, now func() time.Time) *Materializer {
	if now == nil {
		now = time.Now
	}
	return &Materializer{store: store, idGenerator: idGenerator, now: now}
}

var (
	errAlreadyMaterialized = errors.New("occurrence already materialized")
	errSuperseded          = errors.New("series changed since expansion started")
)

// SameSchedule reports whether two versions of a series expand to the same
// occurrences.
func SameSchedule(a, b persistence.Series) bool {
	return a.RRule == b.RRule &&
		a.DTStart.Equal(b.DTStart) &&
		a.Duration == b.Duration &&
		a.Timezone == b.Timezone
}

// Materialize creates the entity row and Active instance for occ, which was
// expanded from the loaded version of series. The series is read again inside
// the write transaction: the current template is applied, and Superseded is
// returned when the series no longer produces occ. It returns a
// *ConflictError when the slot is taken and a *MissingFieldsError when the
// merged fields lack a required field.
func (m *Materializer) Materialize(ctx context.Context, series persistence.Series, entityType schema.EntityType, occ recurrence.Occurrence) (Outcome, error) {
	err := m.store.WithinTransaction(ctx, func(ctx context.Context, repos persistence.Repositories) error {
		current, err := repos.Series().GetSeries(ctx, series.ID)
		switch {
		case errors.Is(err, persistence.ErrNotFound):
			return errSuperseded
		case err != nil:
			return fmt.Errorf("reload series %s: %w", series.ID, err)
		}
		if !SameSchedule(series, current) || (current.ClosedFrom != nil && !occ.Date.Before(*current.ClosedFrom)) {
			return errSuperseded
		}

		fields, err := EffectiveFields(current.Template, current.TimeSlotField, occ.Start, occ.End)
		if err != nil {
			return fmt.Errorf("build fields for %s: %w", occ.Date, err)
		}
		if missing := fields.MissingFields(entityType.RequiredFields); len(missing) > 0 {
			return &MissingFieldsError{Table: current.EntityTable, Fields: missing}
		}
		key := ConflictKey(entityType, fields)

		now := m.now().UTC()
		entity := persistence.Entity{
			ID:          m.idGenerator(),
			Table:       current.EntityTable,
			Fields:      fields,
			SlotStart:   occ.Start,
			SlotEnd:     occ.End,
			ConflictKey: key,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		instance := persistence.Instance{
			ID:             m.idGenerator(),
			SeriesID:       current.ID,
			OccurrenceDate: occ.Date,
			EntityTable:    current.EntityTable,
			State:          persistence.Active{EntityID: entity.ID},
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		if err := CheckConflicts(ctx, repos.Entities(), entity.Table, entity.ID, key, occ.Date, occ.Start, occ.End); err != nil {
			return err
		}
		if err := repos.Entities().CreateEntity(ctx, entity); err != nil {
			if errors.Is(err, persistence.ErrConflict) {
				return &ConflictError{Date: occ.Date}
			}
			return fmt.Errorf("create entity for %s: %w", occ.Date, err)
		}
		if err := repos.Instances().CreateInstance(ctx, instance); err != nil {
			if errors.Is(err, persistence.ErrDuplicate) {
				return errAlreadyMaterialized
			}
			return fmt.Errorf("create instance for %s: %w", occ.Date, err)
		}
		return nil
	})
	switch {
	case errors.Is(err, errAlreadyMaterialized):
		return AlreadyMaterialized, nil
	case errors.Is(err, errSuperseded):
		return Superseded, nil
	case err != nil:
		return 0, err
	}
	return Created, nil
}
