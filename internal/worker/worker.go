// Package worker consumes expansion jobs from the durable queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/example/recurring-scheduler/internal/events"
	"github.com/example/recurring-scheduler/internal/expansion"
	"github.com/example/recurring-scheduler/internal/jobs"
	"github.com/example/recurring-scheduler/internal/lock"
	"github.com/example/recurring-scheduler/internal/persistence"
)

// SeriesExpander runs one expansion pass over a series.
type SeriesExpander interface {
	Run(ctx context.Context, seriesID string) (expansion.Report, error)
}

// Config tunes the worker loop.
type Config struct {
	WorkerID     string
	Concurrency  int
	PollInterval time.Duration
	// Lease bounds one job run; a job whose lease expires is reclaimed by another worker.
	Lease time.Duration
	// ClaimsPerSecond throttles queue polling across all goroutines. Zero means unlimited.
	ClaimsPerSecond float64
	Retry           jobs.RetryPolicy
}

// DefaultConfig returns a single-goroutine worker polling every second with a five minute lease.
func DefaultConfig(workerID string) Config {
	return Config{
		WorkerID:        workerID,
		Concurrency:     1,
		PollInterval:    time.Second,
		Lease:           5 * time.Minute,
		ClaimsPerSecond: 20,
		Retry:           jobs.DefaultRetryPolicy(),
	}
}

// Worker claims jobs, serializes them per series and records their outcome.
type Worker struct {
	store       persistence.Store
	expander    SeriesExpander
	locker      lock.Locker
	publisher   events.Publisher
	limiter     *rate.Limiter
	cfg         Config
	idGenerator func() string
	now         func() time.Time
	logger      zerolog.Logger
}

// New constructs a Worker. A nil publisher discards events.
func New(store persistence.Store, expander SeriesExpander, locker lock.Locker, publisher events.Publisher, cfg Config, idGenerator func() string, now func() time.Time, logger zerolog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	limit := rate.Inf
	if cfg.ClaimsPerSecond > 0 {
		limit = rate.Limit(cfg.ClaimsPerSecond)
	}
	return &Worker{
		store:       store,
		expander:    expander,
		locker:      locker,
		publisher:   publisher,
		limiter:     rate.NewLimiter(limit, cfg.Concurrency),
		cfg:         cfg,
		idGenerator: idGenerator,
		now:         now,
		logger:      logger.With().Str("component", "worker").Str("worker_id", cfg.WorkerID).Logger(),
	}
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Int("concurrency", w.cfg.Concurrency).Msg("worker started")

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			w.loop(ctx, idx)
		}(i)
	}
	wg.Wait()

	w.logger.Info().Msg("worker stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context, idx int) {
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}

		processed, err := w.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error().Err(err).Int("goroutine", idx).Msg("claim failed")
		}
		if processed {
			continue
		}

		timer := time.NewTimer(w.cfg.PollInterval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// ProcessNext claims and runs one job. It reports false when the queue had
// nothing runnable.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.store.Jobs().ClaimJob(ctx, w.cfg.WorkerID, w.now().UTC(), w.cfg.Lease)
	if errors.Is(err, persistence.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}

	w.process(ctx, job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job persistence.Job) {
	start := time.Now()
	log := w.logger.With().Str("job_id", job.ID).Str("kind", job.Kind).Int("attempt", job.Attempts).Logger()
	// Outcome writes must land even when shutdown cancels ctx mid-run.
	writeCtx := context.WithoutCancel(ctx)

	if job.Kind != jobs.KindExpandSeries {
		w.fail(writeCtx, log, job, "", jobs.NoRetry(fmt.Errorf("unknown job kind %q", job.Kind)))
		return
	}
	args, err := jobs.DecodeExpandSeriesArgs(job)
	if err != nil {
		w.fail(writeCtx, log, job, "", err)
		return
	}
	log = log.With().Str("series_id", args.SeriesID).Logger()

	lease, err := w.locker.TryLock(ctx, lock.SeriesKey(args.SeriesID), w.cfg.Lease)
	if errors.Is(err, lock.ErrNotAcquired) {
		delay := w.cfg.Retry.Delay(1)
		log.Debug().Dur("delay", delay).Msg("series locked by another run; deferred")
		w.deferJob(writeCtx, log, job, delay, "series locked by another run")
		return
	}
	if err != nil {
		w.retryOrFail(writeCtx, log, job, args.SeriesID, fmt.Errorf("acquire series lock: %w", err))
		return
	}
	defer func() {
		if err := lease.Release(writeCtx); err != nil {
			log.Warn().Err(err).Msg("release series lock failed")
		}
	}()

	report, err := w.runGuarded(ctx, log, args.SeriesID)
	if err != nil {
		w.retryOrFail(writeCtx, log, job, args.SeriesID, err)
		return
	}

	err = w.store.WithinTransaction(writeCtx, func(ctx context.Context, repos persistence.Repositories) error {
		if err := repos.Jobs().CompleteJob(ctx, job.ID, w.now().UTC()); err != nil {
			return err
		}
		if !report.Truncated {
			return nil
		}
		_, err := jobs.EnqueueExpandSeries(ctx, repos.Jobs(), w.idGenerator(), args.SeriesID, job.MaxAttempts, w.now().UTC())
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("record job completion failed")
		return
	}

	dur := time.Since(start)
	event := log.Debug()
	if dur >= 750*time.Millisecond || report.Created > 0 {
		event = log.Info()
	}
	event.Int("created", report.Created).
		Int("skipped", report.Skipped).
		Bool("truncated", report.Truncated).
		Bool("superseded", report.Superseded).
		Dur("dur", dur).
		Msg("job completed")

	w.publish(writeCtx, log, events.NameSeriesExpanded, events.SeriesExpanded{
		SeriesID:  args.SeriesID,
		JobID:     job.ID,
		Created:   report.Created,
		Skipped:   report.Skipped,
		Truncated: report.Truncated,
		At:        w.now().UTC(),
	})
}

// runGuarded converts a panic in the expander into an error so one bad
// series cannot kill the worker goroutine.
func (w *Worker) runGuarded(ctx context.Context, log zerolog.Logger, seriesID string) (report expansion.Report, err error) {
	runCtx, cancel := context.WithTimeout(ctx, w.cfg.Lease)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("expansion panicked")
		}
	}()
	return w.expander.Run(runCtx, seriesID)
}

func (w *Worker) retryOrFail(ctx context.Context, log zerolog.Logger, job persistence.Job, seriesID string, err error) {
	if jobs.IsNoRetry(err) || w.cfg.Retry.Exhausted(job.Attempts, job.MaxAttempts) {
		w.fail(ctx, log, job, seriesID, err)
		return
	}
	delay := w.cfg.Retry.Delay(job.Attempts)
	log.Warn().Err(err).Dur("delay", delay).Msg("job retry scheduled")
	w.reschedule(ctx, log, job, delay, err.Error())
}

func (w *Worker) reschedule(ctx context.Context, log zerolog.Logger, job persistence.Job, delay time.Duration, reason string) {
	now := w.now().UTC()
	if err := w.store.Jobs().RescheduleJob(ctx, job.ID, now.Add(delay), reason, now); err != nil {
		log.Error().Err(err).Msg("reschedule job failed")
	}
}

// deferJob puts back a job that did not run without charging it an attempt.
func (w *Worker) deferJob(ctx context.Context, log zerolog.Logger, job persistence.Job, delay time.Duration, reason string) {
	now := w.now().UTC()
	if err := w.store.Jobs().DeferJob(ctx, job.ID, now.Add(delay), reason, now); err != nil {
		log.Error().Err(err).Msg("defer job failed")
	}
}

func (w *Worker) fail(ctx context.Context, log zerolog.Logger, job persistence.Job, seriesID string, err error) {
	now := w.now().UTC()
	log.Error().Err(err).Bool("no_retry", jobs.IsNoRetry(err)).Msg("job failed")
	if ferr := w.store.Jobs().FailJob(ctx, job.ID, err.Error(), now); ferr != nil {
		log.Error().Err(ferr).Msg("mark job failed")
		return
	}
	w.publish(ctx, log, events.NameJobFailed, events.JobFailed{
		JobID:    job.ID,
		SeriesID: seriesID,
		Attempts: job.Attempts,
		Error:    err.Error(),
		At:       now,
	})
}

func (w *Worker) publish(ctx context.Context, log zerolog.Logger, name string, payload any) {
	if err := w.publisher.Publish(ctx, name, payload); err != nil {
		log.Warn().Err(err).Str("event", name).Msg("publish event failed")
	}
}
