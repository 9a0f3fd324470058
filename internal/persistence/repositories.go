package persistence

import (
	"context"
	"time"

	"github.com/example/recurring-scheduler/internal/recurrence"
)

// GroupRepository stores series groups.
type GroupRepository interface {
	CreateGroup(ctx context.Context, group SeriesGroup) error
	GetGroup(ctx context.Context, id string) (SeriesGroup, error)
	// DeleteGroup removes the group; member series and their instances cascade.
	DeleteGroup(ctx context.Context, id string) error
}

// SeriesRepository stores series definitions.
type SeriesRepository interface {
	CreateSeries(ctx context.Context, series Series) error
	UpdateSeries(ctx context.Context, series Series) error
	GetSeries(ctx context.Context, id string) (Series, error)
	ListSeriesByGroup(ctx context.Context, groupID string) ([]Series, error)
	// ListOpenSeries returns series that have not been closed by a split.
	ListOpenSeries(ctx context.Context) ([]Series, error)
	// DeleteSeries removes the series; its instances cascade.
	DeleteSeries(ctx context.Context, id string) error
}

// InstanceFilter narrows instance queries.
type InstanceFilter struct {
	SeriesID string
	GroupID  string
	// From keeps instances whose occurrence date is on or after it.
	From *recurrence.Date
}

// InstanceRepository stores per-occurrence instance records.
type InstanceRepository interface {
	// CreateInstance returns ErrDuplicate when the series already has an
	// instance for the occurrence date.
	CreateInstance(ctx context.Context, instance Instance) error
	UpdateInstanceState(ctx context.Context, id string, state InstanceState, at time.Time) error
	GetInstanceByEntity(ctx context.Context, entityTable, entityID string) (Instance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]Instance, error)
	DeleteInstances(ctx context.Context, ids []string) error
}

// EntityRepository writes the domain rows that occurrences materialize into.
type EntityRepository interface {
	// CreateEntity returns ErrConflict when the slot overlaps another row in its scope.
	CreateEntity(ctx context.Context, entity Entity) error
	UpdateEntity(ctx context.Context, entity Entity) error
	GetEntity(ctx context.Context, table, id string) (Entity, error)
	FindOverlapping(ctx context.Context, table, conflictKey string, start, end time.Time) ([]Entity, error)
	DeleteEntities(ctx context.Context, ids []string) error
}

// JobFilter narrows job queries.
type JobFilter struct {
	Status   JobStatus
	Kind     string
	SeriesID string
	Limit    int
}

// JobRepository is the durable queue.
type JobRepository interface {
	EnqueueJob(ctx context.Context, job Job) error
	// ClaimJob leases the next runnable job to workerID. Jobs whose lease
	// expired are reclaimed. ErrNotFound means the queue is idle.
	ClaimJob(ctx context.Context, workerID string, now time.Time, lease time.Duration) (Job, error)
	CompleteJob(ctx context.Context, id string, at time.Time) error
	RescheduleJob(ctx context.Context, id string, runAfter time.Time, lastError string, at time.Time) error
	// DeferJob reschedules a claimed job that never ran and returns the
	// attempt the claim consumed.
	DeferJob(ctx context.Context, id string, runAfter time.Time, reason string, at time.Time) error
	FailJob(ctx context.Context, id string, lastError string, at time.Time) error
	// ResetJob returns a failed job to the queue with its attempts cleared.
	ResetJob(ctx context.Context, id string, at time.Time) error
	GetJob(ctx context.Context, id string) (Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
}

// Repositories bundles repositories bound to one connection or transaction.
type Repositories interface {
	Groups() GroupRepository
	Series() SeriesRepository
	Instances() InstanceRepository
	Entities() EntityRepository
	Jobs() JobRepository
}

// TxFunc runs inside a transaction. Returning an error rolls it back.
type TxFunc func(ctx context.Context, repos Repositories) error

// Store exposes repositories and atomic multi-repository writes.
type Store interface {
	Repositories
	WithinTransaction(ctx context.Context, fn TxFunc) error
}
