// Package rpc defines the request and result records of the series RPC
// surface and adapts them onto the application service.
package rpc

import (
	"time"

	"github.com/example/recurring-scheduler/internal/recurrence"
	"github.com/example/recurring-scheduler/internal/template"
)

// Result is the outcome of a mutation.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// CreateSeriesRequest is the input of create_recurring_series.
type CreateSeriesRequest struct {
	GroupName        string            `json:"group_name"`
	GroupDescription string            `json:"group_description"`
	GroupColor       string            `json:"group_color"`
	EntityTable      string            `json:"entity_table"`
	EntityTemplate   template.Template `json:"entity_template"`
	RRule            string            `json:"rrule"`
	// DTStart is RFC 3339, or a local wall clock ("2006-01-02T15:04:05")
	// read in Timezone.
	DTStart       string `json:"dtstart"`
	Duration      string `json:"duration"`
	Timezone      string `json:"timezone"`
	TimeSlotField string `json:"time_slot_field"`
	ExpandNow     bool   `json:"expand_now"`
	SkipConflicts bool   `json:"skip_conflicts"`
}

// CreateSeriesResult is the outcome of create_recurring_series.
type CreateSeriesResult struct {
	Success  bool   `json:"success"`
	GroupID  string `json:"group_id,omitempty"`
	SeriesID string `json:"series_id,omitempty"`
	JobID    string `json:"job_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

// UpdateTemplateRequest is the input of update_series_template.
type UpdateTemplateRequest struct {
	SeriesID      string         `json:"series_id"`
	TemplatePatch template.Patch `json:"template_patch"`
}

// UpdateScheduleRequest is the input of update_series_schedule.
type UpdateScheduleRequest struct {
	SeriesID    string `json:"series_id"`
	NewAnchor   string `json:"new_anchor"`
	NewDuration string `json:"new_duration"`
	NewRRule    string `json:"new_rrule"`
}

// UpdateScheduleResult is the outcome of update_series_schedule.
type UpdateScheduleResult struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// SplitSeriesRequest is the input of split_series_from_date.
type SplitSeriesRequest struct {
	SeriesID     string          `json:"series_id"`
	BoundaryDate recurrence.Date `json:"boundary_date"`
	NewAnchor    string          `json:"new_anchor"`
	// NewDuration and NewRRule are optional; the original values carry forward.
	NewDuration   string         `json:"new_duration"`
	NewRRule      string         `json:"new_rrule"`
	TemplatePatch template.Patch `json:"template_patch"`
}

// SplitSeriesResult is the outcome of split_series_from_date.
type SplitSeriesResult struct {
	Success     bool   `json:"success"`
	NewSeriesID string `json:"new_series_id,omitempty"`
	JobID       string `json:"job_id,omitempty"`
	Message     string `json:"message,omitempty"`
}

// EntityRef names one entity row.
type EntityRef struct {
	EntityTable string `json:"entity_table"`
	EntityID    string `json:"entity_id"`
}

// CancelOccurrenceRequest is the input of cancel_series_occurrence.
type CancelOccurrenceRequest struct {
	EntityRef
	Reason string `json:"reason"`
}

// UpdateOccurrenceRequest is the input of update_series_occurrence.
type UpdateOccurrenceRequest struct {
	EntityRef
	Patch    template.Patch `json:"patch"`
	NewStart *time.Time     `json:"new_start,omitempty"`
	NewEnd   *time.Time     `json:"new_end,omitempty"`
}

// SeriesRequest names one series.
type SeriesRequest struct {
	SeriesID string `json:"series_id"`
}

// GroupRequest names one group.
type GroupRequest struct {
	GroupID string `json:"group_id"`
}

// MembershipResult is the outcome of get_series_membership.
type MembershipResult struct {
	IsMember       bool             `json:"is_member"`
	SeriesID       string           `json:"series_id,omitempty"`
	GroupID        string           `json:"group_id,omitempty"`
	OccurrenceDate *recurrence.Date `json:"occurrence_date,omitempty"`
	Modified       bool             `json:"modified,omitempty"`
	Message        string           `json:"message,omitempty"`
}

// Instance is one row of list_series_instances.
type Instance struct {
	ID             string          `json:"id"`
	OccurrenceDate recurrence.Date `json:"occurrence_date"`
	EntityTable    string          `json:"entity_table"`
	EntityID       string          `json:"entity_id,omitempty"`
	IsException    bool            `json:"is_exception"`
	ExceptionType  string          `json:"exception_type,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	SlotStart      *time.Time      `json:"slot_start,omitempty"`
	SlotEnd        *time.Time      `json:"slot_end,omitempty"`
}

// InstancesResult is the outcome of list_series_instances.
type InstancesResult struct {
	Success   bool       `json:"success"`
	Instances []Instance `json:"instances"`
	Message   string     `json:"message,omitempty"`
}

// Job is one row of list_failed_jobs.
type Job struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	SeriesID    string    `json:"series_id,omitempty"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// JobsResult is the outcome of list_failed_jobs.
type JobsResult struct {
	Success bool   `json:"success"`
	Jobs    []Job  `json:"jobs"`
	Message string `json:"message,omitempty"`
}

// JobRequest names one job.
type JobRequest struct {
	JobID string `json:"job_id"`
}
