package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/recurring-scheduler/internal/application"
	"github.com/example/recurring-scheduler/internal/jobs"
	"github.com/example/recurring-scheduler/internal/logging"
	"github.com/example/recurring-scheduler/internal/persistence"
	"github.com/example/recurring-scheduler/internal/template"
)

const wallClockLayout = "2006-01-02T15:04:05"

// SeriesService is the application behaviour the surface exposes.
type SeriesService interface {
	CreateSeries(ctx context.Context, params application.CreateSeriesParams) (application.CreateSeriesResult, error)
	UpdateSeriesTemplate(ctx context.Context, seriesID string, patch template.Patch) error
	UpdateSeriesSchedule(ctx context.Context, params application.UpdateScheduleParams) (string, error)
	SplitSeriesFromDate(ctx context.Context, params application.SplitSeriesParams) (application.SplitSeriesResult, error)
	CancelOccurrence(ctx context.Context, entityTable, entityID, reason string) error
	UpdateOccurrence(ctx context.Context, params application.UpdateOccurrenceParams) error
	DeleteSeries(ctx context.Context, seriesID string) (bool, error)
	DeleteGroup(ctx context.Context, groupID string) error
	GetMembership(ctx context.Context, entityTable, entityID string) (application.Membership, error)
	ListInstances(ctx context.Context, seriesID string) ([]application.InstanceView, error)
	ListFailedJobs(ctx context.Context, limit int) ([]persistence.Job, error)
	RetryJob(ctx context.Context, jobID string) error
	SeriesTimezone(ctx context.Context, seriesID string) (string, error)
}

// Surface converts requests into service calls and every outcome into a
// result record. No error escapes as a Go error.
type Surface struct {
	service         SeriesService
	defaultTimezone string
	logger          zerolog.Logger
}

// NewSurface constructs a Surface. defaultTimezone reads wall-clock anchors
// of requests that name no timezone.
func NewSurface(service SeriesService, defaultTimezone string, logger zerolog.Logger) *Surface {
	if defaultTimezone == "" {
		defaultTimezone = application.DefaultTimezone
	}
	return &Surface{service: service, defaultTimezone: defaultTimezone, logger: logger}
}

// CreateRecurringSeries implements create_recurring_series.
func (s *Surface) CreateRecurringSeries(ctx context.Context, req CreateSeriesRequest) CreateSeriesResult {
	timezone := strings.TrimSpace(req.Timezone)
	if timezone == "" {
		timezone = s.defaultTimezone
	}
	vErr := map[string]string{}
	dtstart, duration := s.parseSchedule(req.DTStart, "dtstart", req.Duration, "duration", timezone, true, vErr)
	if len(vErr) > 0 {
		return CreateSeriesResult{Message: s.failure(ctx, &application.ValidationError{FieldErrors: vErr}, "")}
	}

	created, err := s.service.CreateSeries(ctx, application.CreateSeriesParams{
		Group: application.GroupInput{
			Name:        req.GroupName,
			Description: req.GroupDescription,
			Color:       req.GroupColor,
		},
		EntityTable: req.EntityTable,
		Template:    req.EntityTemplate,
		Schedule: application.ScheduleInput{
			RRule:    req.RRule,
			DTStart:  dtstart,
			Duration: duration,
		},
		Timezone:      timezone,
		TimeSlotField: req.TimeSlotField,
		ExpandNow:     req.ExpandNow,
		SkipConflicts: req.SkipConflicts,
	})
	if err != nil {
		return CreateSeriesResult{Message: s.failure(ctx, err, "")}
	}
	message := "series created"
	if created.JobID != "" {
		message = "series created, expansion queued"
	}
	return CreateSeriesResult{
		Success:  true,
		GroupID:  created.GroupID,
		SeriesID: created.SeriesID,
		JobID:    created.JobID,
		Message:  message,
	}
}

// UpdateSeriesTemplate implements update_series_template.
func (s *Surface) UpdateSeriesTemplate(ctx context.Context, req UpdateTemplateRequest) Result {
	if err := s.service.UpdateSeriesTemplate(ctx, req.SeriesID, req.TemplatePatch); err != nil {
		return Result{Message: s.failure(ctx, err, "series "+req.SeriesID)}
	}
	return Result{Success: true, Message: "template updated"}
}

// UpdateSeriesSchedule implements update_series_schedule. The anchor is read
// in the series timezone when it carries no offset.
func (s *Surface) UpdateSeriesSchedule(ctx context.Context, req UpdateScheduleRequest) UpdateScheduleResult {
	vErr := map[string]string{}
	timezone := s.seriesTimezone(ctx, req.SeriesID, req.NewAnchor)
	anchor, duration := s.parseSchedule(req.NewAnchor, "new_anchor", req.NewDuration, "new_duration", timezone, true, vErr)
	if len(vErr) > 0 {
		return UpdateScheduleResult{Message: s.failure(ctx, &application.ValidationError{FieldErrors: vErr}, "")}
	}
	jobID, err := s.service.UpdateSeriesSchedule(ctx, application.UpdateScheduleParams{
		SeriesID: req.SeriesID,
		Schedule: application.ScheduleInput{RRule: req.NewRRule, DTStart: anchor, Duration: duration},
	})
	if err != nil {
		return UpdateScheduleResult{Message: s.failure(ctx, err, "series "+req.SeriesID)}
	}
	return UpdateScheduleResult{Success: true, JobID: jobID, Message: "schedule updated, expansion queued"}
}

// SplitSeriesFromDate implements split_series_from_date.
func (s *Surface) SplitSeriesFromDate(ctx context.Context, req SplitSeriesRequest) SplitSeriesResult {
	vErr := map[string]string{}
	timezone := s.seriesTimezone(ctx, req.SeriesID, req.NewAnchor)
	anchor, duration := s.parseSchedule(req.NewAnchor, "new_anchor", req.NewDuration, "new_duration", timezone, false, vErr)
	if len(vErr) > 0 {
		return SplitSeriesResult{Message: s.failure(ctx, &application.ValidationError{FieldErrors: vErr}, "")}
	}
	split, err := s.service.SplitSeriesFromDate(ctx, application.SplitSeriesParams{
		SeriesID: req.SeriesID,
		Boundary: req.BoundaryDate,
		Schedule: application.ScheduleInput{RRule: req.NewRRule, DTStart: anchor, Duration: duration},
		Patch:    req.TemplatePatch,
	})
	if err != nil {
		return SplitSeriesResult{Message: s.failure(ctx, err, "series "+req.SeriesID)}
	}
	return SplitSeriesResult{
		Success:     true,
		NewSeriesID: split.NewSeriesID,
		JobID:       split.JobID,
		Message:     fmt.Sprintf("series split at %s", req.BoundaryDate),
	}
}

// CancelSeriesOccurrence implements cancel_series_occurrence.
func (s *Surface) CancelSeriesOccurrence(ctx context.Context, req CancelOccurrenceRequest) Result {
	if err := s.service.CancelOccurrence(ctx, req.EntityTable, req.EntityID, req.Reason); err != nil {
		return Result{Message: s.failure(ctx, err, "")}
	}
	return Result{Success: true, Message: "occurrence cancelled"}
}

// UpdateSeriesOccurrence implements update_series_occurrence.
func (s *Surface) UpdateSeriesOccurrence(ctx context.Context, req UpdateOccurrenceRequest) Result {
	err := s.service.UpdateOccurrence(ctx, application.UpdateOccurrenceParams{
		EntityTable: req.EntityTable,
		EntityID:    req.EntityID,
		Patch:       req.Patch,
		Start:       req.NewStart,
		End:         req.NewEnd,
	})
	if err != nil {
		return Result{Message: s.failure(ctx, err, "")}
	}
	return Result{Success: true, Message: "occurrence updated"}
}

// DeleteSeriesWithInstances implements delete_series_with_instances. A
// missing series is a successful no-op.
func (s *Surface) DeleteSeriesWithInstances(ctx context.Context, req SeriesRequest) Result {
	deleted, err := s.service.DeleteSeries(ctx, req.SeriesID)
	if err != nil {
		return Result{Message: s.failure(ctx, err, "series "+req.SeriesID)}
	}
	if !deleted {
		return Result{Success: true, Message: fmt.Sprintf("series %s not found, nothing to delete", req.SeriesID)}
	}
	return Result{Success: true, Message: "series deleted"}
}

// DeleteSeriesGroup implements delete_series_group.
func (s *Surface) DeleteSeriesGroup(ctx context.Context, req GroupRequest) Result {
	if err := s.service.DeleteGroup(ctx, req.GroupID); err != nil {
		return Result{Message: s.failure(ctx, err, "series group "+req.GroupID)}
	}
	return Result{Success: true, Message: "series group deleted"}
}

// GetSeriesMembership implements get_series_membership. It never fails:
// lookup errors report is_member=false with a message.
func (s *Surface) GetSeriesMembership(ctx context.Context, req EntityRef) MembershipResult {
	membership, err := s.service.GetMembership(ctx, req.EntityTable, req.EntityID)
	if err != nil {
		return MembershipResult{Message: s.failure(ctx, err, "")}
	}
	if !membership.IsMember {
		return MembershipResult{}
	}
	date := membership.OccurrenceDate
	return MembershipResult{
		IsMember:       true,
		SeriesID:       membership.SeriesID,
		GroupID:        membership.GroupID,
		OccurrenceDate: &date,
		Modified:       membership.Modified,
	}
}

// ListSeriesInstances implements list_series_instances.
func (s *Surface) ListSeriesInstances(ctx context.Context, req SeriesRequest) InstancesResult {
	views, err := s.service.ListInstances(ctx, req.SeriesID)
	if err != nil {
		return InstancesResult{Instances: []Instance{}, Message: s.failure(ctx, err, "series "+req.SeriesID)}
	}
	out := make([]Instance, 0, len(views))
	for _, v := range views {
		item := Instance{
			ID:             v.ID,
			OccurrenceDate: v.OccurrenceDate,
			EntityTable:    v.EntityTable,
			EntityID:       v.EntityID,
			ExceptionType:  persistence.ExceptionType(v.State),
			SlotStart:      v.SlotStart,
			SlotEnd:        v.SlotEnd,
		}
		item.IsException = item.ExceptionType != ""
		if cancelled, ok := v.State.(persistence.Cancelled); ok {
			item.Reason = cancelled.Reason
		}
		out = append(out, item)
	}
	return InstancesResult{Success: true, Instances: out}
}

// ListFailedJobs implements list_failed_jobs.
func (s *Surface) ListFailedJobs(ctx context.Context, limit int) JobsResult {
	failed, err := s.service.ListFailedJobs(ctx, limit)
	if err != nil {
		return JobsResult{Jobs: []Job{}, Message: s.failure(ctx, err, "")}
	}
	out := make([]Job, 0, len(failed))
	for _, job := range failed {
		item := Job{
			ID:          job.ID,
			Kind:        job.Kind,
			Status:      string(job.Status),
			Attempts:    job.Attempts,
			MaxAttempts: job.MaxAttempts,
			LastError:   job.LastError,
			UpdatedAt:   job.UpdatedAt,
		}
		if args, err := jobs.DecodeExpandSeriesArgs(job); err == nil {
			item.SeriesID = args.SeriesID
		}
		out = append(out, item)
	}
	return JobsResult{Success: true, Jobs: out}
}

// RetryJob implements retry_job.
func (s *Surface) RetryJob(ctx context.Context, req JobRequest) Result {
	if err := s.service.RetryJob(ctx, req.JobID); err != nil {
		return Result{Message: s.failure(ctx, err, "")}
	}
	return Result{Success: true, Message: "job requeued"}
}

// seriesTimezone resolves the zone a wall-clock anchor is read in. A failed
// lookup falls back to the default; the service call reports the missing series.
func (s *Surface) seriesTimezone(ctx context.Context, seriesID, anchor string) string {
	if _, err := time.Parse(time.RFC3339, strings.TrimSpace(anchor)); err == nil {
		return ""
	}
	tz, err := s.service.SeriesTimezone(ctx, seriesID)
	if err != nil || tz == "" {
		return s.defaultTimezone
	}
	return tz
}

// parseSchedule reads an anchor and a duration into fields. An empty
// duration is an error only when required.
func (s *Surface) parseSchedule(anchor, anchorField, duration, durationField, timezone string, durationRequired bool, fields map[string]string) (time.Time, time.Duration) {
	if timezone == "" {
		timezone = s.defaultTimezone
	}
	start, err := ParseAnchor(anchor, timezone)
	if err != nil {
		fields[anchorField] = err.Error()
	}
	var d time.Duration
	switch {
	case strings.TrimSpace(duration) == "" && durationRequired:
		fields[durationField] = "is required"
	case strings.TrimSpace(duration) != "":
		d, err = time.ParseDuration(strings.TrimSpace(duration))
		if err != nil || d <= 0 {
			fields[durationField] = fmt.Sprintf("invalid duration %q", duration)
		}
	}
	return start, d
}

// ParseAnchor reads an RFC 3339 instant or a wall clock in timezone.
func ParseAnchor(value, timezone string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("is required")
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("unknown time zone %q", timezone)
	}
	t, err := time.ParseInLocation(wallClockLayout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 or %s, got %q", wallClockLayout, value)
	}
	return t, nil
}

// failure renders err as a result message. Unexpected errors are logged
// and hidden behind a generic message.
func (s *Surface) failure(ctx context.Context, err error, subject string) string {
	log, ok := logging.FromContext(ctx)
	if !ok {
		log = s.logger
	}
	kind := application.ErrorKind(err)
	switch kind {
	case "validation", "conflict":
		return err.Error()
	case "not_found":
		if subject != "" {
			return subject + " not found"
		}
		return strings.TrimPrefix(err.Error(), application.ErrNotFound.Error()+": ")
	default:
		log.Error().Err(err).Str("error_kind", kind).Msg("rpc call failed")
		return "internal error"
	}
}
