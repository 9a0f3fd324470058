package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/example/recurring-scheduler/internal/persistence"
)

// jobRepository is the durable queue. run_after and locked_at are stored as
// unix milliseconds so runnable jobs can be selected with integer compares.
type jobRepository struct {
	qh *QueryHelper
}

const jobColumns = `id, kind, args, status, attempts, max_attempts, run_after, last_error,
	locked_by, locked_at, created_at, updated_at, completed_at`

const defaultMaxAttempts = 5

func (r *jobRepository) EnqueueJob(ctx context.Context, job persistence.Job) error {
	if job.ID == "" || job.Kind == "" {
		return persistence.ErrConstraintViolation
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = defaultMaxAttempts
	}
	if job.Status == "" {
		job.Status = persistence.JobPending
	}
	args := string(job.Args)
	if args == "" {
		args = "{}"
	}
	_, err := r.qh.Exec(ctx, `
		INSERT INTO jobs (id, kind, args, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Kind, args, string(job.Status), job.Attempts, job.MaxAttempts,
		job.RunAfter.UnixMilli(), formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	return err
}

func (r *jobRepository) ClaimJob(ctx context.Context, workerID string, now time.Time, lease time.Duration) (persistence.Job, error) {
	row := r.qh.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'running', attempts = attempts + 1, locked_by = ?, locked_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE (status = 'pending' AND run_after <= ?)
			   OR (status = 'running' AND locked_at <= ?)
			ORDER BY run_after, created_at
			LIMIT 1
		)
		RETURNING `+jobColumns,
		workerID, now.UnixMilli(), formatTime(now), now.UnixMilli(), now.Add(-lease).UnixMilli(),
	)
	job, err := scanJob(row)
	if err != nil {
		return persistence.Job{}, r.qh.mapper.MapError(err)
	}
	return job, nil
}

func (r *jobRepository) CompleteJob(ctx context.Context, id string, at time.Time) error {
	return r.qh.ExecAffecting(ctx, `
		UPDATE jobs SET status = 'completed', locked_by = '', locked_at = NULL, last_error = '',
			updated_at = ?, completed_at = ?
		WHERE id = ?`, formatTime(at), formatTime(at), id)
}

func (r *jobRepository) RescheduleJob(ctx context.Context, id string, runAfter time.Time, lastError string, at time.Time) error {
	return r.qh.ExecAffecting(ctx, `
		UPDATE jobs SET status = 'pending', run_after = ?, last_error = ?, locked_by = '', locked_at = NULL,
			updated_at = ?
		WHERE id = ?`, runAfter.UnixMilli(), lastError, formatTime(at), id)
}

func (r *jobRepository) DeferJob(ctx context.Context, id string, runAfter time.Time, reason string, at time.Time) error {
	return r.qh.ExecAffecting(ctx, `
		UPDATE jobs SET status = 'pending', attempts = MAX(attempts - 1, 0), run_after = ?, last_error = ?,
			locked_by = '', locked_at = NULL, updated_at = ?
		WHERE id = ?`, runAfter.UnixMilli(), reason, formatTime(at), id)
}

func (r *jobRepository) FailJob(ctx context.Context, id string, lastError string, at time.Time) error {
	return r.qh.ExecAffecting(ctx, `
		UPDATE jobs SET status = 'failed', last_error = ?, locked_by = '', locked_at = NULL,
			updated_at = ?, completed_at = ?
		WHERE id = ?`, lastError, formatTime(at), formatTime(at), id)
}

func (r *jobRepository) ResetJob(ctx context.Context, id string, at time.Time) error {
	return r.qh.ExecAffecting(ctx, `
		UPDATE jobs SET status = 'pending', attempts = 0, run_after = ?, locked_by = '', locked_at = NULL,
			updated_at = ?, completed_at = NULL
		WHERE id = ? AND status = 'failed'`, at.UnixMilli(), formatTime(at), id)
}

func (r *jobRepository) GetJob(ctx context.Context, id string) (persistence.Job, error) {
	job, err := scanJob(r.qh.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return persistence.Job{}, r.qh.mapper.MapError(err)
	}
	return job, nil
}

func (r *jobRepository) ListJobs(ctx context.Context, filter persistence.JobFilter) ([]persistence.Job, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.SeriesID != "" {
		clauses = append(clauses, "json_extract(args, '$.series_id') = ?")
		args = append(args, filter.SeriesID)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.qh.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persistence.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(row rowScanner) (persistence.Job, error) {
	var (
		job                  persistence.Job
		args, status         string
		runAfter             int64
		lockedAt             sql.NullInt64
		createdAt, updatedAt string
		completedAt          sql.NullString
	)
	if err := row.Scan(
		&job.ID, &job.Kind, &args, &status, &job.Attempts, &job.MaxAttempts, &runAfter,
		&job.LastError, &job.LockedBy, &lockedAt, &createdAt, &updatedAt, &completedAt,
	); err != nil {
		return persistence.Job{}, err
	}

	job.Args = json.RawMessage(args)
	job.Status = persistence.JobStatus(status)
	job.RunAfter = time.UnixMilli(runAfter).UTC()
	if lockedAt.Valid {
		t := time.UnixMilli(lockedAt.Int64).UTC()
		job.LockedAt = &t
	}

	var err error
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return persistence.Job{}, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return persistence.Job{}, err
	}
	if job.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return persistence.Job{}, err
	}
	return job, nil
}
