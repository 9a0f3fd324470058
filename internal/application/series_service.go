package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/recurring-scheduler/internal/expansion"
	"github.com/example/recurring-scheduler/internal/jobs"
	"github.com/example/recurring-scheduler/internal/persistence"
	"github.com/example/recurring-scheduler/internal/recurrence"
	"github.com/example/recurring-scheduler/internal/schema"
	"github.com/example/recurring-scheduler/internal/template"
)

const (
	serviceName = "series"

	// DefaultMaxJobAttempts bounds retries of the expansion jobs the service enqueues.
	DefaultMaxJobAttempts = 5
	// DefaultTimezone applies when a series is created without one.
	DefaultTimezone = "UTC"
)

// SeriesService is the only sanctioned way to mutate series and instances.
// Each operation runs in a single transaction, including any expansion job
// it enqueues.
type SeriesService struct {
	store           persistence.Store
	registry        schema.Registry
	idGenerator     func() string
	now             func() time.Time
	logger          zerolog.Logger
	maxJobAttempts  int
	defaultTimezone string
}

// SeriesServiceOption customizes a SeriesService.
type SeriesServiceOption func(*SeriesService)

// WithLogger sets the base logger.
func WithLogger(logger zerolog.Logger) SeriesServiceOption {
	return func(s *SeriesService) {
		s.logger = logger
	}
}

// WithMaxJobAttempts overrides DefaultMaxJobAttempts.
func WithMaxJobAttempts(n int) SeriesServiceOption {
	return func(s *SeriesService) {
		if n > 0 {
			s.maxJobAttempts = n
		}
	}
}

// WithDefaultTimezone overrides DefaultTimezone.
func WithDefaultTimezone(name string) SeriesServiceOption {
	return func(s *SeriesService) {
		if name != "" {
			s.defaultTimezone = name
		}
	}
}

// NewSeriesService wires dependencies for series operations.
func NewSeriesService(store persistence.Store, registry schema.Registry, idGenerator func() string, now func() time.Time, opts ...SeriesServiceOption) *SeriesService {
	if idGenerator == nil {
		idGenerator = func() string { return "" }
	}
	if now == nil {
		now = time.Now
	}
	s := &SeriesService{
		store:           store,
		registry:        registry,
		idGenerator:     idGenerator,
		now:             now,
		logger:          zerolog.Nop(),
		maxJobAttempts:  DefaultMaxJobAttempts,
		defaultTimezone: DefaultTimezone,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSeries stores a new group and its first series. With ExpandNow an
// expansion job is enqueued in the same transaction. Nothing is written when
// validation fails.
func (s *SeriesService) CreateSeries(ctx context.Context, params CreateSeriesParams) (CreateSeriesResult, error) {
	if s == nil {
		return CreateSeriesResult{}, fmt.Errorf("SeriesService is nil")
	}
	log := serviceLogger(ctx, s.logger, serviceName, "create_recurring_series")

	vErr := &ValidationError{}
	name := strings.TrimSpace(params.Group.Name)
	if name == "" {
		vErr.add("group.name", "is required")
	}
	timezone := strings.TrimSpace(params.Timezone)
	if timezone == "" {
		timezone = s.defaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		vErr.add("timezone", fmt.Sprintf("unknown time zone %q", timezone))
	}
	rule, scheduleErr := parseSchedule(params.Schedule)
	vErr.merge(scheduleErr)
	slotField := strings.TrimSpace(params.TimeSlotField)
	if slotField == "" {
		vErr.add("time_slot_field", "is required")
	}
	entityType, err := s.lookupEntityType(ctx, params.EntityTable, vErr)
	if err != nil {
		return CreateSeriesResult{}, err
	}
	if entityType != nil {
		vErr.merge(validateTemplate(*entityType, slotField, params.Template))
	}
	if vErr.HasErrors() {
		logResult(log, vErr, "create series")
		return CreateSeriesResult{}, vErr
	}

	now := s.now().UTC()
	group := persistence.SeriesGroup{
		ID:          s.idGenerator(),
		Name:        name,
		Description: params.Group.Description,
		Color:       params.Group.Color,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	series := persistence.Series{
		ID:            s.idGenerator(),
		GroupID:       group.ID,
		EntityTable:   params.EntityTable,
		Template:      params.Template,
		RRule:         rule.String(),
		DTStart:       params.Schedule.DTStart.In(loc),
		Duration:      params.Schedule.Duration,
		Timezone:      timezone,
		TimeSlotField: slotField,
		SkipConflicts: params.SkipConflicts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	result := CreateSeriesResult{GroupID: group.ID, SeriesID: series.ID}
	err = s.store.WithinTransaction(ctx, func(ctx context.Context, repos persistence.Repositories) error {
		result.JobID = ""
		if err := repos.Groups().CreateGroup(ctx, group); err != nil {
			return fmt.Errorf("create group: %w", err)
		}
		if err := repos.Series().CreateSeries(ctx, series); err != nil {
			return fmt.Errorf("create series: %w", err)
		}
		if !params.ExpandNow {
			return nil
		}
		job, err := s.enqueueExpansion(ctx, repos, series.ID, now)
		if err != nil {
			return err
		}
		result.JobID = job.ID
		return nil
	})
	log = log.With().Str("group_id", group.ID).Str("series_id", series.ID).Logger()
	logResult(log, err, "create series")
	if err != nil {
		return CreateSeriesResult{}, err
	}
	return result, nil
}

// UpdateSeriesTemplate merge-patches the series template. Keys absent from
// patch keep their prior values. Entities of future Active instances receive
// the same patch; Modified instances are left alone.
func (s *SeriesService) UpdateSeriesTemplate(ctx context.Context, seriesID string, patch template.Patch) error {
	log := serviceLogger(ctx, s.logger, serviceName, "update_series_template").With().Str("series_id", seriesID).Logger()

	err := s.store.WithinTransaction(ctx, func(ctx context.Context, repos persistence.Repositories) error {
		now := s.now().UTC()
		series, err := repos.Series().GetSeries(ctx, seriesID)
		if err != nil {
			return mapStoreError(err)
		}
		vErr := &ValidationError{}
		rejectSlotPatch(series.TimeSlotField, patch, vErr)
		entityType, err := s.lookupEntityType(ctx, series.EntityTable, vErr)
		if err != nil {
			return err
		}
		merged := series.Template.Merge(patch)
		if entityType != nil {
			vErr.merge(validateTemplate(*entityType, series.TimeSlotField, merged))
		}
		if vErr.HasErrors() {
			return vErr
		}

		series.Template = merged
		series.UpdatedAt = now
		if err := repos.Series().UpdateSeries(ctx, series); err != nil {
			return fmt.Errorf("update series: %w", err)
		}
		return s.propagatePatch(ctx, repos, series, *entityType, patch, now)
	})
	logResult(log, err, "update template")
	return err
}

// UpdateSeriesSchedule replaces the rule, anchor and duration of a series,
// removes its future Active instances and always enqueues a fresh
// expansion job. Tombstones and Modified instances are kept.
func (s *SeriesService) UpdateSeriesSchedule(ctx context.Context, params UpdateScheduleParams) (string, error) {
	log := serviceLogger(ctx, s.logger, serviceName, "update_series_schedule").With().Str("series_id", params.SeriesID).Logger()

	rule, vErr := parseSchedule(params.Schedule)
	if vErr.HasErrors() {
		logResult(log, vErr, "update schedule")
		return "", vErr
	}

	var jobID string
	err := s.store.WithinTransaction(ctx, func(ctx context.Context, repos persistence.Repositories) error {
		now := s.now().UTC()
		series, err := repos.Series().GetSeries(ctx, params.SeriesID)
		if err != nil {
			return mapStoreError(err)
		}
		loc, err := time.LoadLocation(series.Timezone)
		if err != nil {
			return fmt.Errorf("series %s: timezone %q: %w", series.ID, series.Timezone, err)
		}

		series.RRule = rule.String()
		series.DTStart = params.Schedule.DTStart.In(loc)
		series.Duration = params.Schedule.Duration
		series.UpdatedAt = now
		if err := repos.Series().UpdateSeries(ctx, series); err != nil {
			return fmt.Errorf("update series: %w", err)
		}
		if err := removeFutureActive(ctx, repos, series.ID, now); err != nil {
			return err
		}
		job, err := s.enqueueExpansion(ctx, repos, series.ID, now)
		if err != nil {
			return err
		}
		jobID = job.ID
		return nil
	})
	logResult(log.With().Str("job_id", jobID).Logger(), err, "update schedule")
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// SplitSeriesFromDate closes the series at the boundary date and creates a
// new series in the same group carrying the merge-patched template. Every
// instance of the original series on or after the boundary is removed.
func (s *SeriesService) SplitSeriesFromDate(ctx context.Context, params SplitSeriesParams) (SplitSeriesResult, error) {
	log := serviceLogger(ctx, s.logger, serviceName, "split_series_from_date").With().Str("series_id", params.SeriesID).Logger()

	vErr := &ValidationError{}
	if params.Boundary.IsZero() {
		vErr.add("boundary_date", "is required")
	}
	if params.Schedule.DTStart.IsZero() {
		vErr.add("dtstart", "is required")
	}
	if params.Schedule.Duration < 0 {
		vErr.add("duration", "must be positive")
	}
	if strings.TrimSpace(params.Schedule.RRule) != "" {
		if _, err := recurrence.ParseRule(params.Schedule.RRule); err != nil {
			vErr.add("rrule", err.Error())
		}
	}
	if vErr.HasErrors() {
		logResult(log, vErr, "split series")
		return SplitSeriesResult{}, vErr
	}

	var result SplitSeriesResult
	err := s.store.WithinTransaction(ctx, func(ctx context.Context, repos persistence.Repositories) error {
		now := s.now().UTC()
		series, err := repos.Series().GetSeries(ctx, params.SeriesID)
		if err != nil {
			return mapStoreError(err)
		}
		loc, err := time.LoadLocation(series.Timezone)
		if err != nil {
			return fmt.Errorf("series %s: timezone %q: %w", series.ID, series.Timezone, err)
		}

		vErr := &ValidationError{}
		anchorDate := recurrence.DateOf(series.DTStart.In(loc))
		if !params.Boundary.After(anchorDate) {
			vErr.add("boundary_date", fmt.Sprintf("must be after the series start date %s", anchorDate))
		} else if series.ClosedFrom != nil && !params.Boundary.Before(*series.ClosedFrom) {
			vErr.add("boundary_date", fmt.Sprintf("series is already closed from %s", *series.ClosedFrom))
		}
		newStart := params.Schedule.DTStart.In(loc)
		if recurrence.DateOf(newStart).Before(params.Boundary) {
			vErr.add("dtstart", "must be on or after the boundary date")
		}
		rejectSlotPatch(series.TimeSlotField, params.Patch, vErr)
		entityType, err := s.lookupEntityType(ctx, series.EntityTable, vErr)
		if err != nil {
			return err
		}
		merged := series.Template.Merge(params.Patch)
		if entityType != nil {
			vErr.merge(validateTemplate(*entityType, series.TimeSlotField, merged))
		}
		if vErr.HasErrors() {
			return vErr
		}

		rawRule := params.Schedule.RRule
		if strings.TrimSpace(rawRule) == "" {
			rawRule = series.RRule
		}
		rule, err := recurrence.ParseRule(rawRule)
		if err != nil {
			return &ValidationError{FieldErrors: map[string]string{"rrule": err.Error()}}
		}
		duration := params.Schedule.Duration
		if duration == 0 {
			duration = series.Duration
		}

		boundary := params.Boundary
		series.ClosedFrom = &boundary
		series.UpdatedAt = now
		if err := repos.Series().UpdateSeries(ctx, series); err != nil {
			return fmt.Errorf("close series: %w", err)
		}
		if err := removeFrom(ctx, repos, series.ID, boundary); err != nil {
			return err
		}

		next := persistence.Series{
			ID:            s.idGenerator(),
			GroupID:       series.GroupID,
			EntityTable:   series.EntityTable,
			Template:      merged,
			RRule:         rule.String(),
			DTStart:       newStart,
			Duration:      duration,
			Timezone:      series.Timezone,
			TimeSlotField: series.TimeSlotField,
			SkipConflicts: series.SkipConflicts,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := repos.Series().CreateSeries(ctx, next); err != nil {
			return fmt.Errorf("create series: %w", err)
		}
		job, err := s.enqueueExpansion(ctx, repos, next.ID, now)
		if err != nil {
			return err
		}
		result = SplitSeriesResult{NewSeriesID: next.ID, JobID: job.ID}
		return nil
	})
	logResult(log.With().Str("new_series_id", result.NewSeriesID).Logger(), err, "split series")
	if err != nil {
		return SplitSeriesResult{}, err
	}
	return result, nil
}

// CancelOccurrence deletes the entity row of one occurrence and leaves a
// Cancelled tombstone so expansion never recreates the date.
func (s *SeriesService) CancelOccurrence(ctx context.Context, entityTable, entityID, reason string) error {
	log := serviceLogger(ctx, s.logger, serviceName, "cancel_series_occurrence").With().
		Str("entity_table", entityTable).Str("entity_id", entityID).Logger()

	err := s.store.WithinTransaction(ctx, func(ctx context.Context, repos persistence.Repositories) error {
		instance, err := repos.Instances().GetInstanceByEntity(ctx, entityTable, entityID)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return fmt.Errorf("%w: entity %s/%s is not governed by a series", ErrNotFound, entityTable, entityID)
			}
			return err
		}
		now := s.now().UTC()
		if err := repos.Instances().UpdateInstanceState(ctx, instance.ID, persistence.Cancelled{Reason: reason}, now); err != nil {
			return fmt.Errorf("cancel instance %s: %w", instance.ID, err)
		}
		if err := repos.Entities().DeleteEntities(ctx, []string{entityID}); err != nil {
			return fmt.Errorf("delete entity %s: %w", entityID, err)
		}
		return nil
	})
	logResult(log, err, "cancel occurrence")
	return err
}

// UpdateOccurrence edits one materialized occurrence. The instance becomes
// Modified, so later template and schedule edits of the series skip it.
func (s *SeriesService) UpdateOccurrence(ctx context.Context, params UpdateOccurrenceParams) error {
	log := serviceLogger(ctx, s.logger, serviceName, "update_series_occurrence").With().
		Str("entity_table", params.EntityTable).Str("entity_id", params.EntityID).Logger()

	vErr := &ValidationError{}
	switch {
	case (params.Start == nil) != (params.End == nil):
		vErr.add("slot", "start and end must be given together")
	case params.Start != nil && !params.End.After(*params.Start):
		vErr.add("slot", "end must be after start")
	}
	if vErr.HasErrors() {
		logResult(log, vErr, "update occurrence")
		return vErr
	}

	err := s.store.WithinTransaction(ctx, func(ctx context.Context, repos persistence.Repositories) error {
		instance, err := repos.Instances().GetInstanceByEntity(ctx, params.EntityTable, params.EntityID)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return fmt.Errorf("%w: entity %s/%s is not governed by a series", ErrNotFound, params.EntityTable, params.EntityID)
			}
			return err
		}
		series, err := repos.Series().GetSeries(ctx, instance.SeriesID)
		if err != nil {
			return fmt.Errorf("load series %s: %w", instance.SeriesID, err)
		}
		vErr := &ValidationError{}
		rejectSlotPatch(series.TimeSlotField, params.Patch, vErr)
		entityType, err := s.lookupEntityType(ctx, series.EntityTable, vErr)
		if err != nil {
			return err
		}
		if vErr.HasErrors() {
			return vErr
		}

		entity, err := repos.Entities().GetEntity(ctx, params.EntityTable, params.EntityID)
		if err != nil {
			return fmt.Errorf("load entity %s: %w", params.EntityID, err)
		}
		start, end := entity.SlotStart, entity.SlotEnd
		if params.Start != nil {
			start, end = params.Start.UTC(), params.End.UTC()
		}
		fields, err := expansion.EffectiveFields(entity.Fields.Merge(params.Patch), series.TimeSlotField, start, end)
		if err != nil {
			return fmt.Errorf("build fields: %w", err)
		}
		if missing := fields.MissingFields(entityType.RequiredFields); len(missing) > 0 {
			return &ValidationError{FieldErrors: map[string]string{
				"patch": "missing required fields: " + strings.Join(missing, ", "),
			}}
		}

		now := s.now().UTC()
		entity.Fields = fields
		entity.SlotStart, entity.SlotEnd = start, end
		entity.ConflictKey = expansion.ConflictKey(*entityType, fields)
		entity.UpdatedAt = now
		if err := s.writeEntity(ctx, repos, entity, instance.OccurrenceDate); err != nil {
			return err
		}
		if err := repos.Instances().UpdateInstanceState(ctx, instance.ID, persistence.Modified{EntityID: entity.ID}, now); err != nil {
			return fmt.Errorf("mark instance %s modified: %w", instance.ID, err)
		}
		return nil
	})
	logResult(log, err, "update occurrence")
	return err
}

// DeleteSeries removes the series, its instances and their entity rows.
// A missing series is not an error: deleted reports false.
func (s *SeriesService) DeleteSeries(ctx context.Context, seriesID string) (deleted bool, err error) {
	log := serviceLogger(ctx, s.logger, serviceName, "delete_series_with_instances").With().Str("series_id", seriesID).Logger()

	err = s.store.WithinTransaction(ctx, func(ctx context.Context, repos persistence.Repositories) error {
		deleted = false
		if _, err := repos.Series().GetSeries(ctx, seriesID); err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return nil
			}
			return err
		}
		instances, err := repos.Instances().ListInstances(ctx, persistence.InstanceFilter{SeriesID: seriesID})
		if err != nil {
			return fmt.Errorf("list instances: %w", err)
		}
		if err := repos.Series().DeleteSeries(ctx, seriesID); err != nil {
			return err
		}
		if err := repos.Entities().DeleteEntities(ctx, entityIDs(instances)); err != nil {
			return fmt.Errorf("delete entities: %w", err)
		}
		deleted = true
		return nil
	})
	logResult(log.With().Bool("deleted", deleted).Logger(), err, "delete series")
	return deleted, err
}

// DeleteGroup removes the group with every member series, instance and entity row.
func (s *SeriesService) DeleteGroup(ctx context.Context, groupID string) error {
	log := serviceLogger(ctx, s.logger, serviceName, "delete_series_group").With().Str("group_id", groupID).Logger()

	err := s.store.WithinTransaction(ctx, func(ctx context.Context, repos persistence.Repositories) error {
		if _, err := repos.Groups().GetGroup(ctx, groupID); err != nil {
			return mapStoreError(err)
		}
		instances, err := repos.Instances().ListInstances(ctx, persistence.InstanceFilter{GroupID: groupID})
		if err != nil {
			return fmt.Errorf("list instances: %w", err)
		}
		if err := repos.Groups().DeleteGroup(ctx, groupID); err != nil {
			return mapStoreError(err)
		}
		if err := repos.Entities().DeleteEntities(ctx, entityIDs(instances)); err != nil {
			return fmt.Errorf("delete entities: %w", err)
		}
		return nil
	})
	logResult(log, err, "delete group")
	return err
}

// GetMembership reports whether the entity row is governed by a series.
// Unknown and cancelled entities are not members.
func (s *SeriesService) GetMembership(ctx context.Context, entityTable, entityID string) (Membership, error) {
	instance, err := s.store.Instances().GetInstanceByEntity(ctx, entityTable, entityID)
	if errors.Is(err, persistence.ErrNotFound) {
		return Membership{}, nil
	}
	if err != nil {
		return Membership{}, err
	}
	series, err := s.store.Series().GetSeries(ctx, instance.SeriesID)
	if err != nil {
		return Membership{}, fmt.Errorf("load series %s: %w", instance.SeriesID, err)
	}
	_, modified := instance.State.(persistence.Modified)
	return Membership{
		IsMember:       true,
		SeriesID:       series.ID,
		GroupID:        series.GroupID,
		InstanceID:     instance.ID,
		OccurrenceDate: instance.OccurrenceDate,
		Modified:       modified,
	}, nil
}

// ListInstances returns every instance of the series in date order with the
// slot of its entity row, if any.
func (s *SeriesService) ListInstances(ctx context.Context, seriesID string) ([]InstanceView, error) {
	series, err := s.store.Series().GetSeries(ctx, seriesID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	instances, err := s.store.Instances().ListInstances(ctx, persistence.InstanceFilter{SeriesID: seriesID})
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	views := make([]InstanceView, 0, len(instances))
	for _, inst := range instances {
		view := InstanceView{Instance: inst}
		if id, ok := persistence.EntityIDOf(inst.State); ok {
			entity, err := s.store.Entities().GetEntity(ctx, series.EntityTable, id)
			if err != nil {
				return nil, fmt.Errorf("load entity %s: %w", id, err)
			}
			view.EntityID = id
			view.SlotStart = &entity.SlotStart
			view.SlotEnd = &entity.SlotEnd
		}
		views = append(views, view)
	}
	return views, nil
}

// SeriesTimezone returns the IANA zone a series expands in.
func (s *SeriesService) SeriesTimezone(ctx context.Context, seriesID string) (string, error) {
	series, err := s.store.Series().GetSeries(ctx, seriesID)
	if err != nil {
		return "", mapStoreError(err)
	}
	return series.Timezone, nil
}

// ListFailedJobs returns permanently failed jobs in creation order for operator inspection.
func (s *SeriesService) ListFailedJobs(ctx context.Context, limit int) ([]persistence.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.Jobs().ListJobs(ctx, persistence.JobFilter{Status: persistence.JobFailed, Limit: limit})
}

// RetryJob returns a failed job to the queue with its attempts cleared.
func (s *SeriesService) RetryJob(ctx context.Context, jobID string) error {
	log := serviceLogger(ctx, s.logger, serviceName, "retry_job").With().Str("job_id", jobID).Logger()
	err := s.store.Jobs().ResetJob(ctx, jobID, s.now().UTC())
	if errors.Is(err, persistence.ErrNotFound) {
		err = fmt.Errorf("%w: no failed job %s", ErrNotFound, jobID)
	}
	logResult(log, err, "retry job")
	return err
}

func (s *SeriesService) enqueueExpansion(ctx context.Context, repos persistence.Repositories, seriesID string, now time.Time) (persistence.Job, error) {
	return jobs.EnqueueExpandSeries(ctx, repos.Jobs(), s.idGenerator(), seriesID, s.maxJobAttempts, now)
}

// lookupEntityType records unknown tables on vErr and returns nil for them.
func (s *SeriesService) lookupEntityType(ctx context.Context, table string, vErr *ValidationError) (*schema.EntityType, error) {
	if strings.TrimSpace(table) == "" {
		vErr.add("entity_table", "is required")
		return nil, nil
	}
	entityType, err := s.registry.Lookup(ctx, table)
	if errors.Is(err, schema.ErrUnknownEntityTable) {
		vErr.add("entity_table", fmt.Sprintf("unknown entity table %q", table))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup entity type %s: %w", table, err)
	}
	return &entityType, nil
}

// propagatePatch applies patch to the entities of Active instances that have not started yet.
func (s *SeriesService) propagatePatch(ctx context.Context, repos persistence.Repositories, series persistence.Series, entityType schema.EntityType, patch template.Patch, now time.Time) error {
	if patch.IsEmpty() {
		return nil
	}
	instances, err := repos.Instances().ListInstances(ctx, persistence.InstanceFilter{SeriesID: series.ID})
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	for _, inst := range instances {
		active, ok := inst.State.(persistence.Active)
		if !ok {
			continue
		}
		entity, err := repos.Entities().GetEntity(ctx, series.EntityTable, active.EntityID)
		if err != nil {
			return fmt.Errorf("load entity %s: %w", active.EntityID, err)
		}
		if entity.SlotStart.Before(now) {
			continue
		}
		entity.Fields = entity.Fields.Merge(patch)
		entity.ConflictKey = expansion.ConflictKey(entityType, entity.Fields)
		entity.UpdatedAt = now
		if err := s.writeEntity(ctx, repos, entity, inst.OccurrenceDate); err != nil {
			return err
		}
	}
	return nil
}

// writeEntity updates entity after checking its slot against other rows in scope.
func (s *SeriesService) writeEntity(ctx context.Context, repos persistence.Repositories, entity persistence.Entity, date recurrence.Date) error {
	err := expansion.CheckConflicts(ctx, repos.Entities(), entity.Table, entity.ID, entity.ConflictKey, date, entity.SlotStart, entity.SlotEnd)
	if err == nil {
		err = repos.Entities().UpdateEntity(ctx, entity)
	}
	var conflict *expansion.ConflictError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &conflict):
		return &ConflictError{OccurrenceDate: conflict.Date, EntityID: entity.ID, WithEntityID: conflict.WithEntityID}
	case errors.Is(err, persistence.ErrConflict):
		return &ConflictError{OccurrenceDate: date, EntityID: entity.ID}
	default:
		return fmt.Errorf("update entity %s: %w", entity.ID, err)
	}
}

// removeFutureActive deletes Active instances whose entity has not started yet.
func removeFutureActive(ctx context.Context, repos persistence.Repositories, seriesID string, now time.Time) error {
	instances, err := repos.Instances().ListInstances(ctx, persistence.InstanceFilter{SeriesID: seriesID})
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	var doomed []persistence.Instance
	for _, inst := range instances {
		active, ok := inst.State.(persistence.Active)
		if !ok {
			continue
		}
		entity, err := repos.Entities().GetEntity(ctx, inst.EntityTable, active.EntityID)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return fmt.Errorf("load entity %s: %w", active.EntityID, err)
		}
		if err == nil && entity.SlotStart.Before(now) {
			continue
		}
		doomed = append(doomed, inst)
	}
	return deleteInstances(ctx, repos, doomed)
}

// removeFrom deletes every instance of the series dated on or after from.
func removeFrom(ctx context.Context, repos persistence.Repositories, seriesID string, from recurrence.Date) error {
	instances, err := repos.Instances().ListInstances(ctx, persistence.InstanceFilter{SeriesID: seriesID, From: &from})
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	return deleteInstances(ctx, repos, instances)
}

// deleteInstances removes instances before the entity rows they reference.
func deleteInstances(ctx context.Context, repos persistence.Repositories, instances []persistence.Instance) error {
	if len(instances) == 0 {
		return nil
	}
	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}
	if err := repos.Instances().DeleteInstances(ctx, ids); err != nil {
		return fmt.Errorf("delete instances: %w", err)
	}
	if err := repos.Entities().DeleteEntities(ctx, entityIDs(instances)); err != nil {
		return fmt.Errorf("delete entities: %w", err)
	}
	return nil
}

func entityIDs(instances []persistence.Instance) []string {
	var ids []string
	for _, inst := range instances {
		if id, ok := persistence.EntityIDOf(inst.State); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func parseSchedule(in ScheduleInput) (recurrence.Rule, *ValidationError) {
	vErr := &ValidationError{}
	rule, err := recurrence.ParseRule(in.RRule)
	if err != nil {
		vErr.add("rrule", err.Error())
	}
	if in.DTStart.IsZero() {
		vErr.add("dtstart", "is required")
	}
	if in.Duration <= 0 {
		vErr.add("duration", "must be positive")
	}
	return rule, vErr
}

// validateTemplate checks the required-on-write fields. The time-slot field
// is filled per occurrence, so the template need not carry it.
func validateTemplate(entityType schema.EntityType, slotField string, tmpl template.Template) *ValidationError {
	required := make([]string, 0, len(entityType.RequiredFields))
	for _, name := range entityType.RequiredFields {
		if name != slotField {
			required = append(required, name)
		}
	}
	vErr := &ValidationError{}
	if missing := tmpl.MissingFields(required); len(missing) > 0 {
		sort.Strings(missing)
		vErr.add("template", "missing required fields: "+strings.Join(missing, ", "))
	}
	return vErr
}

func rejectSlotPatch(slotField string, patch template.Patch, vErr *ValidationError) {
	if slotField != "" && patch.Has(slotField) {
		vErr.add("template_patch", fmt.Sprintf("field %q is the time slot and cannot be patched", slotField))
	}
}

func mapStoreError(err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
