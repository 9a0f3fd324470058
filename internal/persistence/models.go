package persistence

import (
	"encoding/json"
	"time"

	"github.com/example/recurring-scheduler/internal/recurrence"
	"github.com/example/recurring-scheduler/internal/template"
)

// SeriesGroup is the user-facing container for one or more series.
type SeriesGroup struct {
	ID          string
	Name        string
	Description string
	Color       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Series is one contiguous recurrence definition.
type Series struct {
	ID            string
	GroupID       string
	EntityTable   string
	Template      template.Template
	RRule         string
	DTStart       time.Time
	Duration      time.Duration
	Timezone      string
	TimeSlotField string
	SkipConflicts bool
	// ClosedFrom is set once the series has been split; no date on or after
	// it is generated from this series again.
	ClosedFrom *recurrence.Date
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// InstanceState is the tagged state of an instance: Active, Cancelled or Modified.
type InstanceState interface {
	instanceState()
}

// Active is a materialized occurrence still governed by its series.
type Active struct {
	EntityID string
}

// Cancelled is a tombstone; the entity row was deleted.
type Cancelled struct {
	Reason string
}

// Modified is an occurrence edited individually; series-wide edits skip it.
type Modified struct {
	EntityID string
}

func (Active) instanceState()    {}
func (Cancelled) instanceState() {}
func (Modified) instanceState()  {}

// EntityIDOf returns the entity referenced by state, if any.
func EntityIDOf(state InstanceState) (string, bool) {
	switch s := state.(type) {
	case Active:
		return s.EntityID, true
	case Modified:
		return s.EntityID, true
	default:
		return "", false
	}
}

// ExceptionType names the state for storage and display: "", "cancelled" or "modified".
func ExceptionType(state InstanceState) string {
	switch state.(type) {
	case Cancelled:
		return "cancelled"
	case Modified:
		return "modified"
	default:
		return ""
	}
}

// Instance links one occurrence date of a series to its entity row or tombstone.
type Instance struct {
	ID             string
	SeriesID       string
	OccurrenceDate recurrence.Date
	EntityTable    string
	State          InstanceState
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Entity is a domain row materialized for an occurrence.
type Entity struct {
	ID        string
	Table     string
	Fields    template.Template
	SlotStart time.Time
	SlotEnd   time.Time
	// ConflictKey scopes overlap detection; nil disables it for the row.
	ConflictKey *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is a durable queue entry.
type Job struct {
	ID          string
	Kind        string
	Args        json.RawMessage
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	LastError   string
	LockedBy    string
	LockedAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}
