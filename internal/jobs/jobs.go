// Package jobs defines the background job kinds the worker consumes and the
// retry policy applied to them.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/recurring-scheduler/internal/persistence"
)

// KindExpandSeries expands one series into instances and entity rows.
const KindExpandSeries = "expand_recurring_series"

// ExpandSeriesArgs are the arguments of a KindExpandSeries job.
type ExpandSeriesArgs struct {
	SeriesID string `json:"series_id"`
}

// Queue is the enqueue side of the durable queue.
type Queue interface {
	EnqueueJob(ctx context.Context, job persistence.Job) error
}

// NewExpandSeriesJob builds a pending expansion job for seriesID, runnable at now.
func NewExpandSeriesJob(id, seriesID string, maxAttempts int, now time.Time) (persistence.Job, error) {
	if seriesID == "" {
		return persistence.Job{}, fmt.Errorf("jobs: series id is required")
	}
	args, err := json.Marshal(ExpandSeriesArgs{SeriesID: seriesID})
	if err != nil {
		return persistence.Job{}, fmt.Errorf("jobs: encode args: %w", err)
	}
	return persistence.Job{
		ID:          id,
		Kind:        KindExpandSeries,
		Args:        args,
		Status:      persistence.JobPending,
		MaxAttempts: maxAttempts,
		RunAfter:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// EnqueueExpandSeries enqueues one expansion job. Call it with the
// transaction-bound queue so the job commits together with the series write.
func EnqueueExpandSeries(ctx context.Context, q Queue, id, seriesID string, maxAttempts int, now time.Time) (persistence.Job, error) {
	job, err := NewExpandSeriesJob(id, seriesID, maxAttempts, now)
	if err != nil {
		return persistence.Job{}, err
	}
	if err := q.EnqueueJob(ctx, job); err != nil {
		return persistence.Job{}, fmt.Errorf("jobs: enqueue %s: %w", KindExpandSeries, err)
	}
	return job, nil
}

// DecodeExpandSeriesArgs parses the arguments of an expansion job.
func DecodeExpandSeriesArgs(job persistence.Job) (ExpandSeriesArgs, error) {
	var args ExpandSeriesArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return ExpandSeriesArgs{}, NoRetry(fmt.Errorf("jobs: decode args of %s: %w", job.ID, err))
	}
	if args.SeriesID == "" {
		return ExpandSeriesArgs{}, NoRetry(fmt.Errorf("jobs: job %s has no series_id", job.ID))
	}
	return args, nil
}
