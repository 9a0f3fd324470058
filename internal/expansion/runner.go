package expansion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/recurring-scheduler/internal/jobs"
	"github.com/example/recurring-scheduler/internal/persistence"
	"github.com/example/recurring-scheduler/internal/recurrence"
	"github.com/example/recurring-scheduler/internal/schema"
)

// DefaultHorizon bounds unterminated series when no horizon is configured.
const DefaultHorizon = 90 * 24 * time.Hour

// Report summarizes one expansion run.
type Report struct {
	SeriesID            string
	Created             int
	Skipped             int
	AlreadyMaterialized int
	// Truncated is set when the run stopped at the per-pass cap with dates left.
	Truncated bool
	// Terminated is set when the rule carries COUNT or UNTIL.
	Terminated bool
	// Superseded is set when the series changed mid-run and the run stopped.
	// Whatever changed it owns the remaining dates.
	Superseded bool
}

// Runner loads a series, expands it and materializes the missing occurrences.
type Runner struct {
	store        persistence.Store
	registry     schema.Registry
	engine       *recurrence.Engine
	materializer *Materializer
	horizon      time.Duration
	now          func() time.Time
	logger       zerolog.Logger
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithHorizon sets how far ahead unterminated series are expanded.
func WithHorizon(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.horizon = d
		}
	}
}

// WithLogger sets the runner logger.
func WithLogger(logger zerolog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner constructs a Runner.
func NewRunner(store persistence.Store, registry schema.Registry, engine *recurrence.Engine, materializer *Materializer, now func() time.Time, opts ...RunnerOption) *Runner {
	if now == nil {
		now = time.Now
	}
	r := &Runner{
		store:        store,
		registry:     registry,
		engine:       engine,
		materializer: materializer,
		horizon:      DefaultHorizon,
		now:          now,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run expands seriesID. Errors that retrying cannot fix are wrapped with
// jobs.NoRetry: a missing series, an invalid rule or timezone, an unknown
// entity table, missing required fields, and a conflict on a series that
// does not skip conflicts. Occurrences written before a failure are kept.
func (r *Runner) Run(ctx context.Context, seriesID string) (Report, error) {
	report := Report{SeriesID: seriesID}
	log := r.logger.With().Str("series_id", seriesID).Logger()

	series, err := r.store.Series().GetSeries(ctx, seriesID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return report, jobs.NoRetry(fmt.Errorf("series %s: %w", seriesID, err))
		}
		return report, fmt.Errorf("load series %s: %w", seriesID, err)
	}

	rule, err := recurrence.ParseRule(series.RRule)
	if err != nil {
		return report, jobs.NoRetry(fmt.Errorf("series %s: %w", seriesID, err))
	}
	report.Terminated = rule.Terminated()

	loc, err := time.LoadLocation(series.Timezone)
	if err != nil {
		return report, jobs.NoRetry(fmt.Errorf("series %s: timezone %q: %w", seriesID, series.Timezone, err))
	}

	entityType, err := r.registry.Lookup(ctx, series.EntityTable)
	if err != nil {
		if errors.Is(err, schema.ErrUnknownEntityTable) {
			return report, jobs.NoRetry(fmt.Errorf("series %s: %w", seriesID, err))
		}
		return report, fmt.Errorf("lookup entity type %s: %w", series.EntityTable, err)
	}

	instances, err := r.store.Instances().ListInstances(ctx, persistence.InstanceFilter{SeriesID: seriesID})
	if err != nil {
		return report, fmt.Errorf("list instances of %s: %w", seriesID, err)
	}
	existing := recurrence.NewDateSet()
	for _, inst := range instances {
		existing[inst.OccurrenceDate] = struct{}{}
	}

	result, err := r.engine.Expand(recurrence.Request{
		Rule:       rule,
		Anchor:     series.DTStart,
		Duration:   series.Duration,
		Location:   loc,
		Horizon:    r.now().Add(r.horizon),
		Existing:   existing,
		ClosedFrom: series.ClosedFrom,
	})
	if err != nil {
		return report, jobs.NoRetry(fmt.Errorf("expand series %s: %w", seriesID, err))
	}
	report.Truncated = result.Truncated

	for _, occ := range result.Occurrences {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		outcome, err := r.materializer.Materialize(ctx, series, entityType, occ)
		var conflict *ConflictError
		var missing *MissingFieldsError
		switch {
		case errors.As(err, &conflict) && series.SkipConflicts:
			report.Skipped++
			log.Info().Str("occurrence_date", occ.Date.String()).Str("with_entity_id", conflict.WithEntityID).
				Msg("occurrence skipped due to conflict")
			continue
		case errors.As(err, &conflict), errors.As(err, &missing):
			return report, jobs.NoRetry(fmt.Errorf("series %s: %w", seriesID, err))
		case err != nil:
			return report, fmt.Errorf("series %s: materialize %s: %w", seriesID, occ.Date, err)
		}

		if outcome == Superseded {
			report.Superseded = true
			report.Truncated = false
			log.Info().Str("occurrence_date", occ.Date.String()).Int("created", report.Created).
				Msg("series changed during expansion; run stopped")
			return report, nil
		}
		if outcome == AlreadyMaterialized {
			report.AlreadyMaterialized++
			continue
		}
		report.Created++
	}

	log.Debug().
		Int("created", report.Created).
		Int("skipped", report.Skipped).
		Int("already_materialized", report.AlreadyMaterialized).
		Bool("truncated", report.Truncated).
		Msg("series expanded")
	return report, nil
}
