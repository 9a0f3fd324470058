package application

import (
	"time"

	"github.com/example/recurring-scheduler/internal/persistence"
	"github.com/example/recurring-scheduler/internal/recurrence"
	"github.com/example/recurring-scheduler/internal/template"
)

// GroupInput captures caller provided group metadata.
type GroupInput struct {
	Name        string
	Description string
	Color       string
}

// ScheduleInput is the recurrence part of a series.
type ScheduleInput struct {
	RRule string
	// DTStart is the first occurrence. Its wall clock in the series timezone
	// is the time of day of every occurrence.
	DTStart  time.Time
	Duration time.Duration
}

// CreateSeriesParams wraps the data required to create a recurring series.
type CreateSeriesParams struct {
	Group         GroupInput
	EntityTable   string
	Template      template.Template
	Schedule      ScheduleInput
	Timezone      string
	TimeSlotField string
	ExpandNow     bool
	SkipConflicts bool
}

// CreateSeriesResult identifies the rows written by CreateSeries.
type CreateSeriesResult struct {
	GroupID  string
	SeriesID string
	// JobID is empty unless expansion was requested.
	JobID string
}

// UpdateScheduleParams wraps the data required to reschedule a series.
type UpdateScheduleParams struct {
	SeriesID string
	Schedule ScheduleInput
}

// SplitSeriesParams wraps the data required to split a series at a date.
type SplitSeriesParams struct {
	SeriesID string
	Boundary recurrence.Date
	// Schedule of the new series. An empty RRule or zero Duration carries
	// the original value forward.
	Schedule ScheduleInput
	Patch    template.Patch
}

// SplitSeriesResult identifies the series created by a split.
type SplitSeriesResult struct {
	NewSeriesID string
	JobID       string
}

// UpdateOccurrenceParams wraps an edit of one materialized occurrence.
type UpdateOccurrenceParams struct {
	EntityTable string
	EntityID    string
	Patch       template.Patch
	// Start and End move the occurrence; both or neither must be set.
	Start *time.Time
	End   *time.Time
}

// Membership reports whether an entity row is governed by a series.
type Membership struct {
	IsMember       bool
	SeriesID       string
	GroupID        string
	InstanceID     string
	OccurrenceDate recurrence.Date
	Modified       bool
}

// InstanceView is an instance joined with its entity's slot.
type InstanceView struct {
	persistence.Instance
	EntityID  string
	SlotStart *time.Time
	SlotEnd   *time.Time
}
