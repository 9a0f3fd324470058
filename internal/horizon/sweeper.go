// Package horizon keeps open-ended series materialized as time moves forward.
package horizon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/example/recurring-scheduler/internal/jobs"
	"github.com/example/recurring-scheduler/internal/persistence"
	"github.com/example/recurring-scheduler/internal/recurrence"
)

// DefaultSchedule runs the sweep hourly.
const DefaultSchedule = "@hourly"

// Sweeper periodically enqueues an expansion job for every open,
// unterminated series that has no job waiting or running.
type Sweeper struct {
	store       persistence.Store
	spec        string
	location    *time.Location
	maxAttempts int
	idGenerator func() string
	now         func() time.Time
	logger      zerolog.Logger

	parser cron.Parser
	mu     sync.Mutex
	c      *cron.Cron
}

// New validates spec and returns a stopped Sweeper.
func New(store persistence.Store, spec string, loc *time.Location, maxAttempts int, idGenerator func() string, now func() time.Time, logger zerolog.Logger) (*Sweeper, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("horizon: invalid schedule %q: %w", spec, err)
	}
	return &Sweeper{
		store:       store,
		spec:        spec,
		location:    loc,
		maxAttempts: maxAttempts,
		idGenerator: idGenerator,
		now:         now,
		logger:      logger.With().Str("component", "horizon").Logger(),
		parser:      parser,
	}, nil
}

// Start schedules sweeps until Stop is called. Each sweep runs with ctx.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(s.location))
	_, err := c.AddFunc(s.spec, func() {
		if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("horizon sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("horizon: schedule sweep: %w", err)
	}
	c.Start()
	s.c = c
	s.logger.Info().Str("schedule", s.spec).Str("tz", s.location.String()).Msg("horizon sweeper started")
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
	s.logger.Info().Msg("horizon sweeper stopped")
}

// Sweep enqueues the expansion jobs due now and returns how many it enqueued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	open, err := s.store.Series().ListOpenSeries(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open series: %w", err)
	}

	enqueued := 0
	for _, series := range open {
		if err := ctx.Err(); err != nil {
			return enqueued, err
		}
		rule, err := recurrence.ParseRule(series.RRule)
		if err != nil {
			s.logger.Warn().Err(err).Str("series_id", series.ID).Msg("skipping series with invalid rule")
			continue
		}
		if rule.Terminated() {
			continue
		}

		added := false
		err = s.store.WithinTransaction(ctx, func(ctx context.Context, repos persistence.Repositories) error {
			busy, err := hasOutstandingJob(ctx, repos.Jobs(), series.ID)
			if err != nil || busy {
				return err
			}
			if _, err := jobs.EnqueueExpandSeries(ctx, repos.Jobs(), s.idGenerator(), series.ID, s.maxAttempts, s.now().UTC()); err != nil {
				return err
			}
			added = true
			return nil
		})
		if err != nil {
			return enqueued, fmt.Errorf("enqueue series %s: %w", series.ID, err)
		}
		if added {
			enqueued++
		}
	}

	s.logger.Debug().Int("open_series", len(open)).Int("enqueued", enqueued).Msg("horizon sweep finished")
	return enqueued, nil
}

func hasOutstandingJob(ctx context.Context, repo persistence.JobRepository, seriesID string) (bool, error) {
	for _, status := range []persistence.JobStatus{persistence.JobPending, persistence.JobRunning} {
		found, err := repo.ListJobs(ctx, persistence.JobFilter{SeriesID: seriesID, Status: status, Limit: 1})
		if err != nil {
			return false, err
		}
		if len(found) > 0 {
			return true, nil
		}
	}
	return false, nil
}
