package rpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/recurring-scheduler/internal/application"
	"github.com/example/recurring-scheduler/internal/expansion"
	"github.com/example/recurring-scheduler/internal/persistence"
	"github.com/example/recurring-scheduler/internal/recurrence"
	"github.com/example/recurring-scheduler/internal/testfixtures"
)

type surfaceEnv struct {
	store   persistence.Store
	surface *Surface
	runner  *expansion.Runner
}

func newSurfaceEnv(t *testing.T) surfaceEnv {
	t.Helper()
	factory := testfixtures.NewServiceFactory()
	store := factory.NewStore(t)
	service := application.NewSeriesService(store, factory.Registry, factory.IDs(), factory.Now())
	materializer := expansion.NewMaterializer(store, factory.IDs(), factory.Now())
	return surfaceEnv{
		store:   store,
		surface: NewSurface(service, "UTC", zerolog.Nop()),
		runner:  expansion.NewRunner(store, factory.Registry, recurrence.NewEngine(time.UTC), materializer, factory.Now()),
	}
}

func createRequest() CreateSeriesRequest {
	return CreateSeriesRequest{
		GroupName:      "Standup",
		EntityTable:    "meetings",
		EntityTemplate: testfixtures.MustTemplate(map[string]any{"title": "Standup", "room_id": "room-a"}),
		RRule:          "FREQ=WEEKLY;BYDAY=MO;COUNT=4",
		DTStart:        "2024-01-01T09:00:00Z",
		Duration:       "1h",
		Timezone:       "UTC",
		TimeSlotField:  "slot",
		ExpandNow:      true,
	}
}

func TestCreateRecurringSeriesReadsWallClockInTimezone(t *testing.T) {
	t.Parallel()
	env := newSurfaceEnv(t)
	req := createRequest()
	req.DTStart = "2024-03-04T09:00:00"
	req.Timezone = "America/New_York"

	result := env.surface.CreateRecurringSeries(context.Background(), req)
	require.True(t, result.Success, result.Message)
	assert.NotEmpty(t, result.GroupID)
	assert.NotEmpty(t, result.JobID)

	series, err := env.store.Series().GetSeries(context.Background(), result.SeriesID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, time.March, 4, 14, 0, 0, 0, time.UTC), series.DTStart.UTC())
	assert.Equal(t, "America/New_York", series.Timezone)
}

func TestCreateRecurringSeriesValidationFailures(t *testing.T) {
	t.Parallel()
	env := newSurfaceEnv(t)

	tests := []struct {
		name   string
		mutate func(*CreateSeriesRequest)
		want   string
	}{
		{name: "duration", mutate: func(r *CreateSeriesRequest) { r.Duration = "soon" }, want: "duration"},
		{name: "missing duration", mutate: func(r *CreateSeriesRequest) { r.Duration = "" }, want: "duration: is required"},
		{name: "dtstart", mutate: func(r *CreateSeriesRequest) { r.DTStart = "next monday" }, want: "dtstart"},
		{name: "rrule", mutate: func(r *CreateSeriesRequest) { r.RRule = "FREQ=HOURLY" }, want: "rrule"},
		{name: "table", mutate: func(r *CreateSeriesRequest) { r.EntityTable = "nope" }, want: "entity_table"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			req := createRequest()
			tt.mutate(&req)
			result := env.surface.CreateRecurringSeries(context.Background(), req)
			assert.False(t, result.Success)
			assert.Contains(t, result.Message, "validation failed")
			assert.Contains(t, result.Message, tt.want)
			assert.Empty(t, result.SeriesID)
		})
	}
}

func TestUpdateSeriesScheduleUsesSeriesTimezone(t *testing.T) {
	t.Parallel()
	env := newSurfaceEnv(t)
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	series := testfixtures.SeedSeries(t, env.store,
		testfixtures.WithSeriesStart(time.Date(2024, time.January, 1, 9, 0, 0, 0, berlin), "Europe/Berlin"))

	result := env.surface.UpdateSeriesSchedule(context.Background(), UpdateScheduleRequest{
		SeriesID:    series.ID,
		NewAnchor:   "2024-01-03T10:00:00",
		NewDuration: "30m",
		NewRRule:    "FREQ=WEEKLY;BYDAY=WE;COUNT=2",
	})
	require.True(t, result.Success, result.Message)
	assert.NotEmpty(t, result.JobID)

	stored, err := env.store.Series().GetSeries(context.Background(), series.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, time.January, 3, 9, 0, 0, 0, time.UTC), stored.DTStart.UTC())
	assert.Equal(t, 30*time.Minute, stored.Duration)
}

func TestUpdateSeriesScheduleMissingSeries(t *testing.T) {
	t.Parallel()
	env := newSurfaceEnv(t)

	result := env.surface.UpdateSeriesSchedule(context.Background(), UpdateScheduleRequest{
		SeriesID:    "missing",
		NewAnchor:   "2024-01-03T10:00:00",
		NewDuration: "30m",
		NewRRule:    "FREQ=DAILY",
	})
	assert.False(t, result.Success)
	assert.Equal(t, "series missing not found", result.Message)
}

func TestDeleteSemantics(t *testing.T) {
	t.Parallel()
	env := newSurfaceEnv(t)
	ctx := context.Background()

	missing := env.surface.DeleteSeriesWithInstances(ctx, SeriesRequest{SeriesID: "ghost"})
	assert.True(t, missing.Success)
	assert.Contains(t, missing.Message, "nothing to delete")

	group := env.surface.DeleteSeriesGroup(ctx, GroupRequest{GroupID: "ghost"})
	assert.False(t, group.Success)
	assert.Contains(t, group.Message, "not found")

	series := testfixtures.SeedSeries(t, env.store)
	deleted := env.surface.DeleteSeriesWithInstances(ctx, SeriesRequest{SeriesID: series.ID})
	assert.True(t, deleted.Success)
	assert.Equal(t, "series deleted", deleted.Message)
}

func TestMembershipAndInstances(t *testing.T) {
	t.Parallel()
	env := newSurfaceEnv(t)
	ctx := context.Background()
	series := testfixtures.SeedSeries(t, env.store)
	_, err := env.runner.Run(ctx, series.ID)
	require.NoError(t, err)

	listed := env.surface.ListSeriesInstances(ctx, SeriesRequest{SeriesID: series.ID})
	require.True(t, listed.Success, listed.Message)
	require.Len(t, listed.Instances, 4)
	first := listed.Instances[0]
	require.NotEmpty(t, first.EntityID)
	require.NotNil(t, first.SlotStart)
	assert.Equal(t, time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC), first.SlotStart.UTC())

	membership := env.surface.GetSeriesMembership(ctx, EntityRef{EntityTable: "meetings", EntityID: first.EntityID})
	assert.True(t, membership.IsMember)
	assert.Equal(t, series.ID, membership.SeriesID)
	assert.Equal(t, series.GroupID, membership.GroupID)
	require.NotNil(t, membership.OccurrenceDate)
	assert.Equal(t, recurrence.MustParseDate("2024-01-01"), *membership.OccurrenceDate)

	cancelled := env.surface.CancelSeriesOccurrence(ctx, CancelOccurrenceRequest{
		EntityRef: EntityRef{EntityTable: "meetings", EntityID: first.EntityID},
		Reason:    "holiday",
	})
	require.True(t, cancelled.Success, cancelled.Message)

	membership = env.surface.GetSeriesMembership(ctx, EntityRef{EntityTable: "meetings", EntityID: first.EntityID})
	assert.False(t, membership.IsMember)
	assert.Empty(t, membership.Message)

	listed = env.surface.ListSeriesInstances(ctx, SeriesRequest{SeriesID: series.ID})
	require.Len(t, listed.Instances, 4)
	assert.True(t, listed.Instances[0].IsException)
	assert.Equal(t, "cancelled", listed.Instances[0].ExceptionType)
	assert.Equal(t, "holiday", listed.Instances[0].Reason)
	assert.Nil(t, listed.Instances[0].SlotStart)
}

func TestRetryJobUnknown(t *testing.T) {
	t.Parallel()
	env := newSurfaceEnv(t)

	result := env.surface.RetryJob(context.Background(), JobRequest{JobID: "nope"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "nope")

	jobs := env.surface.ListFailedJobs(context.Background(), 0)
	assert.True(t, jobs.Success)
	assert.Empty(t, jobs.Jobs)
}

type failingService struct {
	SeriesService
}

func (failingService) DeleteGroup(context.Context, string) error {
	return errors.New("disk I/O error")
}

func (failingService) GetMembership(context.Context, string, string) (application.Membership, error) {
	return application.Membership{}, errors.New("database is locked")
}

func TestUnexpectedErrorsAreHidden(t *testing.T) {
	t.Parallel()
	surface := NewSurface(failingService{}, "", zerolog.Nop())

	result := surface.DeleteSeriesGroup(context.Background(), GroupRequest{GroupID: "g"})
	assert.False(t, result.Success)
	assert.Equal(t, "internal error", result.Message)

	membership := surface.GetSeriesMembership(context.Background(), EntityRef{EntityTable: "meetings", EntityID: "x"})
	assert.False(t, membership.IsMember)
	assert.Equal(t, "internal error", membership.Message)
}

func TestParseAnchor(t *testing.T) {
	t.Parallel()

	got, err := ParseAnchor("2024-06-01T09:30:00+02:00", "Asia/Tokyo")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, time.June, 1, 7, 30, 0, 0, time.UTC), got.UTC())

	got, err = ParseAnchor("2024-06-01T09:30:00", "Asia/Tokyo")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, time.June, 1, 0, 30, 0, 0, time.UTC), got.UTC())

	_, err = ParseAnchor("", "UTC")
	assert.EqualError(t, err, "is required")
	_, err = ParseAnchor("2024-06-01T09:30:00", "Mars/Olympus")
	assert.Error(t, err)
	_, err = ParseAnchor("June 1", "UTC")
	assert.Error(t, err)
}
