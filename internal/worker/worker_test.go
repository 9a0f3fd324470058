package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/recurring-scheduler/internal/events"
	"github.com/example/recurring-scheduler/internal/expansion"
	"github.com/example/recurring-scheduler/internal/jobs"
	"github.com/example/recurring-scheduler/internal/lock"
	"github.com/example/recurring-scheduler/internal/persistence"
	"github.com/example/recurring-scheduler/internal/recurrence"
	"github.com/example/recurring-scheduler/internal/testfixtures"
)

type expanderStub struct {
	report expansion.Report
	err    error
	calls  []string
}

func (s *expanderStub) Run(_ context.Context, seriesID string) (expansion.Report, error) {
	s.calls = append(s.calls, seriesID)
	return s.report, s.err
}

type workerEnv struct {
	factory   *testfixtures.ServiceFactory
	store     persistence.Store
	locker    *lock.Local
	published *events.Memory
}

func newWorkerEnv(t *testing.T) workerEnv {
	t.Helper()
	factory := testfixtures.NewServiceFactory()
	return workerEnv{
		factory:   factory,
		store:     factory.NewStore(t),
		locker:    lock.NewLocal(),
		published: &events.Memory{},
	}
}

func (e workerEnv) config() Config {
	cfg := DefaultConfig("worker-test")
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ClaimsPerSecond = 0
	cfg.Retry = jobs.RetryPolicy{MaxAttempts: 3, Base: time.Second, MaxDelay: time.Minute}
	return cfg
}

func (e workerEnv) newWorker(expander SeriesExpander) *Worker {
	return New(e.store, expander, e.locker, e.published, e.config(), e.factory.IDs(), e.factory.Now(), zerolog.Nop())
}

func (e workerEnv) enqueue(t *testing.T, seriesID string, maxAttempts int) persistence.Job {
	t.Helper()
	job, err := jobs.EnqueueExpandSeries(context.Background(), e.store.Jobs(), "job-"+seriesID, seriesID, maxAttempts, e.factory.Clock.Now())
	require.NoError(t, err)
	return job
}

func (e workerEnv) job(t *testing.T, id string) persistence.Job {
	t.Helper()
	job, err := e.store.Jobs().GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestProcessNextIdle(t *testing.T) {
	t.Parallel()
	env := newWorkerEnv(t)
	stub := &expanderStub{}

	processed, err := env.newWorker(stub).ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Empty(t, stub.calls)
}

func TestProcessNextExpandsSeries(t *testing.T) {
	t.Parallel()
	env := newWorkerEnv(t)
	ctx := context.Background()
	series := testfixtures.SeedSeries(t, env.store)
	job := env.enqueue(t, series.ID, 0)

	materializer := expansion.NewMaterializer(env.store, env.factory.IDs(), env.factory.Now())
	runner := expansion.NewRunner(env.store, env.factory.Registry, recurrence.NewEngine(time.UTC), materializer, env.factory.Now())

	processed, err := env.newWorker(runner).ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	done := env.job(t, job.ID)
	assert.Equal(t, persistence.JobCompleted, done.Status)
	assert.Equal(t, 1, done.Attempts)

	instances, err := env.store.Instances().ListInstances(ctx, persistence.InstanceFilter{SeriesID: series.ID})
	require.NoError(t, err)
	assert.Len(t, instances, 4)

	published := env.published.Events()
	require.Len(t, published, 1)
	assert.Equal(t, events.NameSeriesExpanded, published[0].Name)
	payload := published[0].Payload.(events.SeriesExpanded)
	assert.Equal(t, series.ID, payload.SeriesID)
	assert.Equal(t, 4, payload.Created)

	// The series lock is released after the run.
	lease, err := env.locker.TryLock(ctx, lock.SeriesKey(series.ID), time.Second)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}

func TestTransientFailureIsRescheduled(t *testing.T) {
	t.Parallel()
	env := newWorkerEnv(t)
	job := env.enqueue(t, "series-1", 0)
	stub := &expanderStub{err: errors.New("database is busy")}

	processed, err := env.newWorker(stub).ProcessNext(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	got := env.job(t, job.ID)
	assert.Equal(t, persistence.JobPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "database is busy", got.LastError)
	assert.True(t, got.RunAfter.Equal(env.factory.Clock.Now().Add(time.Second)), "run_after %v", got.RunAfter)
	assert.Empty(t, env.published.Events())
}

func TestNoRetryFailureIsTerminal(t *testing.T) {
	t.Parallel()
	env := newWorkerEnv(t)
	job := env.enqueue(t, "series-1", 0)
	stub := &expanderStub{err: jobs.NoRetry(errors.New("occurrence 2024-01-15 conflicts"))}

	_, err := env.newWorker(stub).ProcessNext(context.Background())
	require.NoError(t, err)

	got := env.job(t, job.ID)
	assert.Equal(t, persistence.JobFailed, got.Status)
	assert.Contains(t, got.LastError, "2024-01-15")
	require.NotNil(t, got.CompletedAt)

	published := env.published.Events()
	require.Len(t, published, 1)
	assert.Equal(t, events.NameJobFailed, published[0].Name)
	assert.Equal(t, "series-1", published[0].Payload.(events.JobFailed).SeriesID)
}

func TestAttemptsAreBounded(t *testing.T) {
	t.Parallel()
	env := newWorkerEnv(t)
	ctx := context.Background()
	job := env.enqueue(t, "series-1", 2)
	stub := &expanderStub{err: errors.New("transient")}
	w := env.newWorker(stub)

	_, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, persistence.JobPending, env.job(t, job.ID).Status)

	env.factory.Clock.Advance(time.Minute)
	_, err = w.ProcessNext(ctx)
	require.NoError(t, err)

	got := env.job(t, job.ID)
	assert.Equal(t, persistence.JobFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Len(t, stub.calls, 2)
}

func TestLockedSeriesIsRescheduled(t *testing.T) {
	t.Parallel()
	env := newWorkerEnv(t)
	ctx := context.Background()
	job := env.enqueue(t, "series-1", 0)
	stub := &expanderStub{}

	held, err := env.locker.TryLock(ctx, lock.SeriesKey("series-1"), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = held.Release(ctx) })

	_, err = env.newWorker(stub).ProcessNext(ctx)
	require.NoError(t, err)

	assert.Empty(t, stub.calls)
	got := env.job(t, job.ID)
	assert.Equal(t, persistence.JobPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.True(t, got.RunAfter.After(env.factory.Clock.Now()))
}

func TestLockContentionKeepsRetryBudget(t *testing.T) {
	t.Parallel()
	env := newWorkerEnv(t)
	ctx := context.Background()
	job := env.enqueue(t, "series-1", 3)
	stub := &expanderStub{err: errors.New("database is busy")}
	w := env.newWorker(stub)

	held, err := env.locker.TryLock(ctx, lock.SeriesKey("series-1"), time.Hour)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		processed, err := w.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, processed, "claim %d", i)
		env.factory.Clock.Advance(time.Minute)
	}
	assert.Empty(t, stub.calls)
	assert.Zero(t, env.job(t, job.ID).Attempts)
	require.NoError(t, held.Release(ctx))

	_, err = w.ProcessNext(ctx)
	require.NoError(t, err)

	got := env.job(t, job.ID)
	assert.Equal(t, persistence.JobPending, got.Status, "a transient error after contention is retried")
	assert.Equal(t, 1, got.Attempts)
	assert.Len(t, stub.calls, 1)
}

func TestUnknownKindFails(t *testing.T) {
	t.Parallel()
	env := newWorkerEnv(t)
	now := env.factory.Clock.Now()
	require.NoError(t, env.store.Jobs().EnqueueJob(context.Background(), persistence.Job{
		ID: "job-x", Kind: "send_newsletter", RunAfter: now, CreatedAt: now, UpdatedAt: now,
	}))

	_, err := env.newWorker(&expanderStub{}).ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, persistence.JobFailed, env.job(t, "job-x").Status)
}

func TestTruncatedRunEnqueuesContinuation(t *testing.T) {
	t.Parallel()
	env := newWorkerEnv(t)
	ctx := context.Background()
	job := env.enqueue(t, "series-1", 0)
	stub := &expanderStub{report: expansion.Report{SeriesID: "series-1", Created: 10, Truncated: true}}

	_, err := env.newWorker(stub).ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, persistence.JobCompleted, env.job(t, job.ID).Status)

	pending, err := env.store.Jobs().ListJobs(ctx, persistence.JobFilter{SeriesID: "series-1", Status: persistence.JobPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.NotEqual(t, job.ID, pending[0].ID)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	env := newWorkerEnv(t)
	job := env.enqueue(t, "series-1", 0)
	stub := &expanderStub{}
	w := env.newWorker(stub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := env.store.Jobs().GetJob(context.Background(), job.ID)
		return err == nil && got.Status == persistence.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
