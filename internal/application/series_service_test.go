package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/recurring-scheduler/internal/expansion"
	"github.com/example/recurring-scheduler/internal/jobs"
	"github.com/example/recurring-scheduler/internal/persistence"
	"github.com/example/recurring-scheduler/internal/recurrence"
	"github.com/example/recurring-scheduler/internal/testfixtures"
)

type seriesEnv struct {
	factory *testfixtures.ServiceFactory
	store   persistence.Store
	service *SeriesService
	runner  *expansion.Runner
}

func newSeriesEnv(t *testing.T) seriesEnv {
	t.Helper()
	factory := testfixtures.NewServiceFactory()
	store := factory.NewStore(t)
	materializer := expansion.NewMaterializer(store, factory.IDs(), factory.Now())
	return seriesEnv{
		factory: factory,
		store:   store,
		service: NewSeriesService(store, factory.Registry, factory.IDs(), factory.Now()),
		runner:  expansion.NewRunner(store, factory.Registry, recurrence.NewEngine(time.UTC), materializer, factory.Now()),
	}
}

func (e seriesEnv) expand(t *testing.T, seriesID string) expansion.Report {
	t.Helper()
	report, err := e.runner.Run(context.Background(), seriesID)
	require.NoError(t, err)
	return report
}

func (e seriesEnv) instances(t *testing.T, seriesID string) []persistence.Instance {
	t.Helper()
	instances, err := e.store.Instances().ListInstances(context.Background(), persistence.InstanceFilter{SeriesID: seriesID})
	require.NoError(t, err)
	return instances
}

func (e seriesEnv) entity(t *testing.T, inst persistence.Instance) persistence.Entity {
	t.Helper()
	id, ok := persistence.EntityIDOf(inst.State)
	require.True(t, ok, "instance %s has no entity", inst.ID)
	entity, err := e.store.Entities().GetEntity(context.Background(), "meetings", id)
	require.NoError(t, err)
	return entity
}

func (e seriesEnv) expansionJobs(t *testing.T, seriesID string) []persistence.Job {
	t.Helper()
	list, err := e.store.Jobs().ListJobs(context.Background(), persistence.JobFilter{Kind: jobs.KindExpandSeries, SeriesID: seriesID})
	require.NoError(t, err)
	return list
}

func validCreateParams() CreateSeriesParams {
	return CreateSeriesParams{
		Group:       GroupInput{Name: "Weekly sync", Color: "#336699"},
		EntityTable: "meetings",
		Template:    testfixtures.MustTemplate(map[string]any{"title": "Weekly sync", "room_id": "room-a"}),
		Schedule: ScheduleInput{
			RRule:    "FREQ=WEEKLY;BYDAY=MO;COUNT=4",
			DTStart:  time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC),
			Duration: time.Hour,
		},
		Timezone:      "UTC",
		TimeSlotField: "slot",
		ExpandNow:     true,
	}
}

func requireValidation(t *testing.T, err error, field string) {
	t.Helper()
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.FieldErrors, field)
}

func TestCreateSeriesEnqueuesOneExpansionJob(t *testing.T) {
	t.Parallel()
	env := newSeriesEnv(t)
	ctx := context.Background()

	result, err := env.service.CreateSeries(ctx, validCreateParams())
	require.NoError(t, err)
	require.NotEmpty(t, result.SeriesID)
	require.NotEmpty(t, result.JobID)

	queued := env.expansionJobs(t, result.SeriesID)
	require.Len(t, queued, 1)
	assert.Equal(t, result.JobID, queued[0].ID)
	args, err := jobs.DecodeExpandSeriesArgs(queued[0])
	require.NoError(t, err)
	assert.Equal(t, result.SeriesID, args.SeriesID)

	series, err := env.store.Series().GetSeries(ctx, result.SeriesID)
	require.NoError(t, err)
	assert.Equal(t, result.GroupID, series.GroupID)
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO;COUNT=4", series.RRule)

	report := env.expand(t, result.SeriesID)
	assert.Equal(t, 4, report.Created)
}

func TestCreateSeriesWithoutExpandNowQueuesNothing(t *testing.T) {
	t.Parallel()
	env := newSeriesEnv(t)

	params := validCreateParams()
	params.ExpandNow = false
	result, err := env.service.CreateSeries(context.Background(), params)
	require.NoError(t, err)
	assert.Empty(t, result.JobID)
	assert.Empty(t, env.expansionJobs(t, result.SeriesID))
}

func TestCreateSeriesValidationWritesNothing(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		mutate func(*CreateSeriesParams)
		field  string
	}{
		"missing required field": {
			mutate: func(p *CreateSeriesParams) {
				p.Template = testfixtures.MustTemplate(map[string]any{"title": "No room"})
			},
			field: "template",
		},
		"bad rule": {
			mutate: func(p *CreateSeriesParams) { p.Schedule.RRule = "FREQ=HOURLY" },
			field:  "rrule",
		},
		"unknown table": {
			mutate: func(p *CreateSeriesParams) { p.EntityTable = "invoices" },
			field:  "entity_table",
		},
		"unknown timezone": {
			mutate: func(p *CreateSeriesParams) { p.Timezone = "Mars/Olympus" },
			field:  "timezone",
		},
		"non-positive duration": {
			mutate: func(p *CreateSeriesParams) { p.Schedule.Duration = 0 },
			field:  "duration",
		},
		"missing group name": {
			mutate: func(p *CreateSeriesParams) { p.Group.Name = "  " },
			field:  "group.name",
		},
	}

	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			env := newSeriesEnv(t)
			params := validCreateParams()
			tc.mutate(&params)

			_, err := env.service.CreateSeries(context.Background(), params)
			requireValidation(t, err, tc.field)

			open, err := env.store.Series().ListOpenSeries(context.Background())
			require.NoError(t, err)
			assert.Empty(t, open)
			pending, err := env.store.Jobs().ListJobs(context.Background(), persistence.JobFilter{})
			require.NoError(t, err)
			assert.Empty(t, pending)
		})
	}
}

func TestCreateSeriesSlotFieldNotRequiredInTemplate(t *testing.T) {
	t.Parallel()
	env := newSeriesEnv(t)

	// "slot" is required by the meetings type but filled per occurrence.
	_, err := env.service.CreateSeries(context.Background(), validCreateParams())
	require.NoError(t, err)
}

func TestUpdateSeriesTemplateKeepsUnpatchedFields(t *testing.T) {
	t.Parallel()
	env := newSeriesEnv(t)
	ctx := context.Background()
	series := testfixtures.SeedSeries(t, env.store)
	env.expand(t, series.ID)

	instances := env.instances(t, series.ID)
	require.Len(t, instances, 4)
	edited := env.entity(t, instances[0])
	require.NoError(t, env.service.UpdateOccurrence(ctx, UpdateOccurrenceParams{
		EntityTable: "meetings",
		EntityID:    edited.ID,
		Patch:       testfixtures.MustPatch(map[string]any{"title": "Kickoff"}),
	}))

	err := env.service.UpdateSeriesTemplate(ctx, series.ID, testfixtures.MustPatch(map[string]any{"title": "Renamed"}))
	require.NoError(t, err)

	stored, err := env.store.Series().GetSeries(ctx, series.ID)
	require.NoError(t, err)
	title, _ := stored.Template.String("title")
	room, _ := stored.Template.String("room_id")
	assert.Equal(t, "Renamed", title)
	assert.Equal(t, "room-a", room)

	for i, inst := range env.instances(t, series.ID) {
		entity := env.entity(t, inst)
		title, _ := entity.Fields.String("title")
		room, _ := entity.Fields.String("room_id")
		assert.Equal(t, "room-a", room)
		if i == 0 {
			assert.IsType(t, persistence.Modified{}, inst.State)
			assert.Equal(t, "Kickoff", title)
			continue
		}
		assert.Equal(t, "Renamed", title)
	}
}

func TestUpdateSeriesTemplateSkipsStartedOccurrences(t *testing.T) {
	t.Parallel()
	env := newSeriesEnv(t)
	ctx := context.Background()
	series := testfixtures.SeedSeries(t, env.store)
	env.expand(t, series.ID)

	env.factory.Clock.Set(time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, env.service.UpdateSeriesTemplate(ctx, series.ID, testfixtures.MustPatch(map[string]any{"title": "Renamed"})))

	want := []string{"Weekly sync", "Weekly sync", "Renamed", "Renamed"}
	for i, inst := range env.instances(t, series.ID) {
		title, _ := env.entity(t, inst).Fields.String("title")
		assert.Equal(t, want[i], title, "occurrence %s", inst.OccurrenceDate)
	}
}

func TestUpdateSeriesTemplateRejections(t *testing.T) {
	t.Parallel()
	env := newSeriesEnv(t)
	ctx := context.Background()
	series := testfixtures.SeedSeries(t, env.store)

	err := env.service.UpdateSeriesTemplate(ctx, "missing", testfixtures.MustPatch(map[string]any{"title": "x"}))
	assert.ErrorIs(t, err, ErrNotFound)

	err = env.service.UpdateSeriesTemplate(ctx, series.ID, testfixtures.MustPatch(map[string]any{"slot": "x"}))
	requireValidation(t, err, "template_patch")

	err = env.service.UpdateSeriesTemplate(ctx, series.ID, testfixtures.MustPatch(map[string]any{"room_id": nil}))
	requireValidation(t, err, "template")
}

func TestUpdateSeriesTemplateConflictRollsBack(t *testing.T) {
	t.Parallel()
	env := newSeriesEnv(t)
	ctx := context.Background()
	series := testfixtures.SeedSeries(t, env.store)
	env.expand(t, series.ID)
	testfixtures.SeedEntity(t, env.store, "blocker", "room-b", time.Date(2024, time.January, 15, 9, 30, 0, 0, time.UTC), time.Hour)

	err := env.service.UpdateSeriesTemplate(ctx, series.ID, testfixtures.MustPatch(map[string]any{"room_id": "room-b"}))
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, recurrence.MustParseDate("2024-01-15"), conflict.OccurrenceDate)
	assert.Equal(t, "blocker", conflict.WithEntityID)

	stored, err := env.store.Series().GetSeries(ctx, series.ID)
	require.NoError(t, err)
	room, _ := stored.Template.String("room_id")
	assert.Equal(t, "room-a", room)
}

func TestUpdateSeriesScheduleAlwaysEnqueues(t *testing.T) {
	t.Parallel()
	env := newSeriesEnv(t)
	ctx := context.Background()
	series := testfixtures.SeedSeries(t, env.store)
	env.expand(t, series.ID)

	env.factory.Clock.Set(time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC))
	jobID, err := env.service.UpdateSeriesSchedule(ctx, UpdateScheduleParams{
		SeriesID: series.ID,
		Schedule: ScheduleInput{
			RRule:    "FREQ=WEEKLY;BYDAY=WE;COUNT=4",
			DTStart:  time.Date(2024, time.January, 17, 14, 0, 0, 0, time.UTC),
			Duration: 30 * time.Minute,
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)
	assert.Len(t, env.expansionJobs(t, series.ID), 1)

	stored, err := env.store.Series().GetSeries(ctx, series.ID)
	require.NoError(t, err)
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=WE;COUNT=4", stored.RRule)
	assert.Equal(t, 30*time.Minute, stored.Duration)

	remaining := env.instances(t, series.ID)
	require.Len(t, remaining, 2, "occurrences that already started are kept")
	assert.Equal(t, recurrence.MustParseDate("2024-01-08"), remaining[1].OccurrenceDate)

	report := env.expand(t, series.ID)
	assert.Equal(t, 4, report.Created)

	_, err = env.service.UpdateSeriesSchedule(ctx, UpdateScheduleParams{
		SeriesID: series.ID,
		Schedule: ScheduleInput{RRule: "FREQ=DAILY;COUNT=2", DTStart: stored.DTStart, Duration: time.Hour},
	})
	require.NoError(t, err)
	assert.Len(t, env.expansionJobs(t, series.ID), 2)
}

func TestUpdateSeriesScheduleFailures(t *testing.T) {
	t.Parallel()
	env := newSeriesEnv(t)
	ctx := context.Background()

	_, err := env.service.UpdateSeriesSchedule(ctx, UpdateScheduleParams{
		SeriesID: "missing",
		Schedule: ScheduleInput{RRule: "FREQ=DAILY", DTStart: testfixtures.ReferenceTime(), Duration: time.Hour},
	})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.service.UpdateSeriesSchedule(ctx, UpdateScheduleParams{
		SeriesID: "missing",
		Schedule: ScheduleInput{RRule: "FREQ=SECONDLY", DTStart: testfixtures.ReferenceTime(), Duration: time.Hour},
	})
	requireValidation(t, err, "rrule")
}

func TestSplitSeriesCarriesRequiredFields(t *testing.T) {
	t.Parallel()
	env := newSeriesEnv(t)
	ctx := context.Background()
	series := testfixtures.SeedSeries(t, env.store)
	env.expand(t, series.ID)

	result, err := env.service.SplitSeriesFromDate(ctx, SplitSeriesParams{
		SeriesID: series.ID,
		Boundary: recurrence.MustParseDate("2024-01-15"),
		Schedule: ScheduleInput{
			RRule:   "FREQ=WEEKLY;BYDAY=TU;COUNT=2",
			DTStart: time.Date(2024, time.January, 16, 10, 0, 0, 0, time.UTC),
		},
		Patch: testfixtures.MustPatch(map[string]any{"title": "Renamed"}),
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.NewSeriesID)

	original, err := env.store.Series().GetSeries(ctx, series.ID)
	require.NoError(t, err)
	require.NotNil(t, original.ClosedFrom)
	assert.Equal(t, recurrence.MustParseDate("2024-01-15"), *original.ClosedFrom)
	assert.Len(t, env.instances(t, series.ID), 2)

	next, err := env.store.Series().GetSeries(ctx, result.NewSeriesID)
	require.NoError(t, err)
	assert.Equal(t, series.GroupID, next.GroupID)
	assert.Equal(t, time.Hour, next.Duration, "zero duration carries the original forward")
	room, _ := next.Template.String("room_id")
	title, _ := next.Template.String("title")
	assert.Equal(t, "room-a", room)
	assert.Equal(t, "Renamed", title)

	queued := env.expansionJobs(t, result.NewSeriesID)
	require.Len(t, queued, 1)
	assert.Equal(t, result.JobID, queued[0].ID)

	assert.Equal(t, 2, env.expand(t, result.NewSeriesID).Created)
	assert.Zero(t, env.expand(t, series.ID).Created, "closed series never regenerates dates after the boundary")
}

func TestSplitSeriesValidation(t *testing.T) {
	t.Parallel()
	env := newSeriesEnv(t)
	ctx := context.Background()
	series := testfixtures.SeedSeries(t, env.store)
	start := time.Date(2024, time.January, 16, 10, 0, 0, 0, time.UTC)

	_, err := env.service.SplitSeriesFromDate(ctx, SplitSeriesParams{
		SeriesID: series.ID,
		Boundary: recurrence.MustParseDate("2024-01-01"),
		Schedule: ScheduleInput{DTStart: start},
	})
	requireValidation(t, err, "boundary_date")

	_, err = env.service.SplitSeriesFromDate(ctx, SplitSeriesParams{
		SeriesID: series.ID,
		Boundary: recurrence.MustParseDate("2024-01-22"),
		Schedule: ScheduleInput{DTStart: start},
	})
	requireValidation(t, err, "dtstart")

	_, err = env.service.SplitSeriesFromDate(ctx, SplitSeriesParams{
		SeriesID: "missing",
		Boundary: recurrence.MustParseDate("2024-01-15"),
		Schedule: ScheduleInput{DTStart: start},
	})
	assert.ErrorIs(t, err, ErrNotFound)

	stored, err := env.store.Series().GetSeries(ctx, series.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ClosedFrom)
}

func TestCancelOccurrenceLeavesTombstone(t *testing.T) {
	t.Parallel()
	env := newSeriesEnv(t)
	ctx := context.Background()
	series := testfixtures.SeedSeries(t, env.store)
	env.expand(t, series.ID)

	target := env.instances(t, series.ID)[1]
	entity := env.entity(t, target)
	require.NoError(t, env.service.CancelOccurrence(ctx, "meetings", entity.ID, "holiday"))

	_, err := env.store.Entities().GetEntity(ctx, "meetings", entity.ID)
	assert.ErrorIs(t, err, persistence.ErrNotFound)

	instances := env.instances(t, series.ID)
	require.Len(t, instances, 4)
	assert.Equal(t, persistence.Cancelled{Reason: "holiday"}, instances[1].State)
	assert.Equal(t, "cancelled", persistence.ExceptionType(instances[1].State))

	assert.Zero(t, env.expand(t, series.ID).Created)
	assert.Len(t, env.instances(t, series.ID), 4)

	err = env.service.CancelOccurrence(ctx, "meetings", entity.ID, "again")
	assert.ErrorIs(t, err, ErrNotFound)
	err = env.service.CancelOccurrence(ctx, "meetings", "not-governed", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateOccurrenceMovesSlot(t *testing.T) {
	t.Parallel()
	env := newSeriesEnv(t)
	ctx := context.Background()
	series := testfixtures.SeedSeries(t, env.store)
	env.expand(t, series.ID)
	entity := env.entity(t, env.instances(t, series.ID)[0])

	start := time.Date(2024, time.January, 2, 15, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Minute)
	require.NoError(t, env.service.UpdateOccurrence(ctx, UpdateOccurrenceParams{
		EntityTable: "meetings",
		EntityID:    entity.ID,
		Start:       &start,
		End:         &end,
	}))

	updated, err := env.store.Entities().GetEntity(ctx, "meetings", entity.ID)
	require.NoError(t, err)
	assert.True(t, start.Equal(updated.SlotStart))
	assert.True(t, end.Equal(updated.SlotEnd))
	assert.Equal(t, persistence.Modified{EntityID: entity.ID}, env.instances(t, series.ID)[0].State)

	membership, err := env.service.GetMembership(ctx, "meetings", entity.ID)
	require.NoError(t, err)
	assert.True(t, membership.Modified)
}

func TestUpdateOccurrenceConflict(t *testing.T) {
	t.Parallel()
	env := newSeriesEnv(t)
	ctx := context.Background()
	series := testfixtures.SeedSeries(t, env.store)
	env.expand(t, series.ID)
	testfixtures.SeedEntity(t, env.store, "blocker", "room-a", time.Date(2024, time.January, 2, 9, 0, 0, 0, time.UTC), time.Hour)
	entity := env.entity(t, env.instances(t, series.ID)[0])

	start := time.Date(2024, time.January, 2, 9, 30, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	err := env.service.UpdateOccurrence(ctx, UpdateOccurrenceParams{
		EntityTable: "meetings", EntityID: entity.ID, Start: &start, End: &end,
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.IsType(t, persistence.Active{}, env.instances(t, series.ID)[0].State)

	err = env.service.UpdateOccurrence(ctx, UpdateOccurrenceParams{
		EntityTable: "meetings", EntityID: entity.ID, Start: &start,
	})
	requireValidation(t, err, "slot")
}

func TestDeleteSeriesRemovesInstancesAndEntities(t *testing.T) {
	t.Parallel()
	env := newSeriesEnv(t)
	ctx := context.Background()
	series := testfixtures.SeedSeries(t, env.store)
	env.expand(t, series.ID)
	instances := env.instances(t, series.ID)
	entityIDs := make([]string, 0, len(instances))
	for _, inst := range instances {
		entityIDs = append(entityIDs, env.entity(t, inst).ID)
	}

	deleted, err := env.service.DeleteSeries(ctx, series.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Empty(t, env.instances(t, series.ID))
	for _, id := range entityIDs {
		_, err := env.store.Entities().GetEntity(ctx, "meetings", id)
		assert.ErrorIs(t, err, persistence.ErrNotFound)
	}

	deleted, err = env.service.DeleteSeries(ctx, series.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDeleteGroupRemovesMemberSeries(t *testing.T) {
	t.Parallel()
	env := newSeriesEnv(t)
	ctx := context.Background()
	series := testfixtures.SeedSeries(t, env.store)
	env.expand(t, series.ID)
	split, err := env.service.SplitSeriesFromDate(ctx, SplitSeriesParams{
		SeriesID: series.ID,
		Boundary: recurrence.MustParseDate("2024-01-15"),
		Schedule: ScheduleInput{DTStart: time.Date(2024, time.January, 15, 11, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)
	env.expand(t, split.NewSeriesID)

	require.NoError(t, env.service.DeleteGroup(ctx, series.GroupID))

	for _, id := range []string{series.ID, split.NewSeriesID} {
		_, err := env.store.Series().GetSeries(ctx, id)
		assert.ErrorIs(t, err, persistence.ErrNotFound)
		assert.Empty(t, env.instances(t, id))
	}

	err = env.service.DeleteGroup(ctx, series.GroupID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "not found")
}

func TestGetMembership(t *testing.T) {
	t.Parallel()
	env := newSeriesEnv(t)
	ctx := context.Background()
	series := testfixtures.SeedSeries(t, env.store)
	env.expand(t, series.ID)
	inst := env.instances(t, series.ID)[2]
	entity := env.entity(t, inst)

	membership, err := env.service.GetMembership(ctx, "meetings", entity.ID)
	require.NoError(t, err)
	assert.True(t, membership.IsMember)
	assert.Equal(t, series.ID, membership.SeriesID)
	assert.Equal(t, series.GroupID, membership.GroupID)
	assert.Equal(t, inst.OccurrenceDate, membership.OccurrenceDate)
	assert.False(t, membership.Modified)

	membership, err = env.service.GetMembership(ctx, "meetings", "does-not-exist")
	require.NoError(t, err)
	assert.False(t, membership.IsMember)
	assert.Empty(t, membership.SeriesID)
}

func TestListInstancesIncludesSlots(t *testing.T) {
	t.Parallel()
	env := newSeriesEnv(t)
	ctx := context.Background()
	series := testfixtures.SeedSeries(t, env.store)
	env.expand(t, series.ID)
	first := env.entity(t, env.instances(t, series.ID)[0])
	require.NoError(t, env.service.CancelOccurrence(ctx, "meetings", first.ID, ""))

	views, err := env.service.ListInstances(ctx, series.ID)
	require.NoError(t, err)
	require.Len(t, views, 4)
	assert.Nil(t, views[0].SlotStart)
	require.NotNil(t, views[1].SlotStart)
	assert.Equal(t, time.Hour, views[1].SlotEnd.Sub(*views[1].SlotStart))

	_, err = env.service.ListInstances(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetryJobRequeuesFailedJob(t *testing.T) {
	t.Parallel()
	env := newSeriesEnv(t)
	ctx := context.Background()
	now := env.factory.Clock.Now()

	job, err := jobs.EnqueueExpandSeries(ctx, env.store.Jobs(), "job-1", "series-x", 1, now)
	require.NoError(t, err)

	err = env.service.RetryJob(ctx, job.ID)
	assert.True(t, errors.Is(err, ErrNotFound), "pending jobs cannot be retried")

	_, err = env.store.Jobs().ClaimJob(ctx, "w", now, time.Minute)
	require.NoError(t, err)
	require.NoError(t, env.store.Jobs().FailJob(ctx, job.ID, "boom", now))

	failed, err := env.service.ListFailedJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].LastError)

	require.NoError(t, env.service.RetryJob(ctx, job.ID))
	reset, err := env.store.Jobs().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.JobPending, reset.Status)
	assert.Zero(t, reset.Attempts)
}

// interleavedStore runs hook once, right before the first transaction opened
// through it, so a service call commits while an expansion run is in flight.
type interleavedStore struct {
	persistence.Store
	once sync.Once
	hook func()
}

func (s *interleavedStore) WithinTransaction(ctx context.Context, fn persistence.TxFunc) error {
	s.once.Do(s.hook)
	return s.Store.WithinTransaction(ctx, fn)
}

func (e seriesEnv) runnerInterleavedWith(hook func()) *expansion.Runner {
	store := &interleavedStore{Store: e.store, hook: hook}
	materializer := expansion.NewMaterializer(store, e.factory.IDs(), e.factory.Now())
	return expansion.NewRunner(store, e.factory.Registry, recurrence.NewEngine(time.UTC), materializer, e.factory.Now())
}

func TestExpansionRacingSplitStopsAtBoundary(t *testing.T) {
	t.Parallel()
	env := newSeriesEnv(t)
	ctx := context.Background()
	series := testfixtures.SeedSeries(t, env.store)

	var split SplitSeriesResult
	runner := env.runnerInterleavedWith(func() {
		var err error
		split, err = env.service.SplitSeriesFromDate(ctx, SplitSeriesParams{
			SeriesID: series.ID,
			Boundary: recurrence.MustParseDate("2024-01-15"),
			Schedule: ScheduleInput{DTStart: time.Date(2024, time.January, 15, 10, 0, 0, 0, time.UTC)},
		})
		require.NoError(t, err)
	})

	report, err := runner.Run(ctx, series.ID)
	require.NoError(t, err)
	assert.True(t, report.Superseded)
	assert.Equal(t, 2, report.Created)

	instances := env.instances(t, series.ID)
	require.Len(t, instances, 2)
	for _, inst := range instances {
		assert.True(t, inst.OccurrenceDate.Before(recurrence.MustParseDate("2024-01-15")), "closed series wrote %s", inst.OccurrenceDate)
	}

	assert.Equal(t, 4, env.expand(t, split.NewSeriesID).Created)
}

func TestExpansionRacingScheduleUpdateUsesNewRule(t *testing.T) {
	t.Parallel()
	env := newSeriesEnv(t)
	ctx := context.Background()
	series := testfixtures.SeedSeries(t, env.store)

	runner := env.runnerInterleavedWith(func() {
		_, err := env.service.UpdateSeriesSchedule(ctx, UpdateScheduleParams{
			SeriesID: series.ID,
			Schedule: ScheduleInput{
				RRule:    "FREQ=WEEKLY;BYDAY=TU;COUNT=3",
				DTStart:  time.Date(2024, time.January, 2, 14, 0, 0, 0, time.UTC),
				Duration: 30 * time.Minute,
			},
		})
		require.NoError(t, err)
	})

	report, err := runner.Run(ctx, series.ID)
	require.NoError(t, err)
	assert.True(t, report.Superseded)
	assert.Zero(t, report.Created)
	assert.Empty(t, env.instances(t, series.ID), "no occurrence of the old rule survives")

	assert.Len(t, env.expansionJobs(t, series.ID), 1)
	assert.Equal(t, 3, env.expand(t, series.ID).Created)
	for _, inst := range env.instances(t, series.ID) {
		entity := env.entity(t, inst)
		assert.Equal(t, time.Tuesday, entity.SlotStart.Weekday())
		assert.Equal(t, 14, entity.SlotStart.Hour())
	}
}

func TestExpansionRacingDeleteWritesNothing(t *testing.T) {
	t.Parallel()
	env := newSeriesEnv(t)
	ctx := context.Background()
	series := testfixtures.SeedSeries(t, env.store)

	runner := env.runnerInterleavedWith(func() {
		deleted, err := env.service.DeleteSeries(ctx, series.ID)
		require.NoError(t, err)
		require.True(t, deleted)
	})

	report, err := runner.Run(ctx, series.ID)
	require.NoError(t, err)
	assert.True(t, report.Superseded)
	assert.Zero(t, report.Created)

	orphans, err := env.store.Entities().FindOverlapping(ctx, "meetings", "room-a",
		time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestExpansionRacingTemplateUpdateAppliesNewTemplate(t *testing.T) {
	t.Parallel()
	env := newSeriesEnv(t)
	ctx := context.Background()
	series := testfixtures.SeedSeries(t, env.store)

	runner := env.runnerInterleavedWith(func() {
		require.NoError(t, env.service.UpdateSeriesTemplate(ctx, series.ID, testfixtures.MustPatch(map[string]any{"title": "Renamed"})))
	})

	report, err := runner.Run(ctx, series.ID)
	require.NoError(t, err)
	assert.False(t, report.Superseded)
	assert.Equal(t, 4, report.Created)
	for _, inst := range env.instances(t, series.ID) {
		title, _ := env.entity(t, inst).Fields.String("title")
		assert.Equal(t, "Renamed", title)
	}
}
