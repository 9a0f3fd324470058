package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/example/recurring-scheduler/internal/persistence"
	"github.com/example/recurring-scheduler/internal/recurrence"
	"github.com/example/recurring-scheduler/internal/template"
)

type seriesRepository struct {
	qh *QueryHelper
}

const seriesColumns = `id, group_id, entity_table, template, rrule, dtstart, duration_seconds,
	timezone, time_slot_field, skip_conflicts, closed_from, created_at, updated_at`

func (r *seriesRepository) CreateSeries(ctx context.Context, series persistence.Series) error {
	args, err := seriesArgs(series)
	if err != nil {
		return err
	}
	_, err = r.qh.Exec(ctx, `INSERT INTO series (`+seriesColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	return err
}

func (r *seriesRepository) UpdateSeries(ctx context.Context, series persistence.Series) error {
	args, err := seriesArgs(series)
	if err != nil {
		return err
	}
	// id and created_at are immutable.
	update := append(args[1:11:11], args[12], series.ID)
	return r.qh.ExecAffecting(ctx, `
		UPDATE series SET group_id = ?, entity_table = ?, template = ?, rrule = ?, dtstart = ?,
			duration_seconds = ?, timezone = ?, time_slot_field = ?, skip_conflicts = ?,
			closed_from = ?, updated_at = ?
		WHERE id = ?`, update...)
}

func (r *seriesRepository) GetSeries(ctx context.Context, id string) (persistence.Series, error) {
	row := r.qh.QueryRow(ctx, `SELECT `+seriesColumns+` FROM series WHERE id = ?`, id)
	series, err := scanSeries(row)
	if err != nil {
		return persistence.Series{}, r.qh.mapper.MapError(err)
	}
	return series, nil
}

func (r *seriesRepository) ListSeriesByGroup(ctx context.Context, groupID string) ([]persistence.Series, error) {
	return r.list(ctx, `SELECT `+seriesColumns+` FROM series WHERE group_id = ? ORDER BY dtstart, id`, groupID)
}

func (r *seriesRepository) ListOpenSeries(ctx context.Context) ([]persistence.Series, error) {
	return r.list(ctx, `SELECT `+seriesColumns+` FROM series WHERE closed_from IS NULL ORDER BY created_at, id`)
}

func (r *seriesRepository) DeleteSeries(ctx context.Context, id string) error {
	if err := r.qh.ExecAffecting(ctx, `DELETE FROM series WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete series %s: %w", id, err)
	}
	return nil
}

func (r *seriesRepository) list(ctx context.Context, query string, args ...any) ([]persistence.Series, error) {
	rows, err := r.qh.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persistence.Series
	for rows.Next() {
		series, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, series)
	}
	return out, rows.Err()
}

func seriesArgs(series persistence.Series) ([]any, error) {
	if series.ID == "" || series.GroupID == "" || series.EntityTable == "" {
		return nil, persistence.ErrConstraintViolation
	}
	tmpl, err := series.Template.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode template: %w", err)
	}
	var closedFrom sql.NullString
	if series.ClosedFrom != nil {
		closedFrom = sql.NullString{String: series.ClosedFrom.String(), Valid: true}
	}
	return []any{
		series.ID,
		series.GroupID,
		series.EntityTable,
		string(tmpl),
		series.RRule,
		formatTime(series.DTStart),
		int64(series.Duration / time.Second),
		series.Timezone,
		series.TimeSlotField,
		boolToInt(series.SkipConflicts),
		closedFrom,
		formatTime(series.CreatedAt),
		formatTime(series.UpdatedAt),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSeries(row rowScanner) (persistence.Series, error) {
	var (
		series               persistence.Series
		tmpl, dtstart        string
		durationSeconds      int64
		skipConflicts        int
		closedFrom           sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(
		&series.ID, &series.GroupID, &series.EntityTable, &tmpl, &series.RRule, &dtstart,
		&durationSeconds, &series.Timezone, &series.TimeSlotField, &skipConflicts,
		&closedFrom, &createdAt, &updatedAt,
	); err != nil {
		return persistence.Series{}, err
	}

	var err error
	if series.Template, err = template.Parse([]byte(tmpl)); err != nil {
		return persistence.Series{}, fmt.Errorf("decode template of series %s: %w", series.ID, err)
	}
	if series.DTStart, err = parseTime(dtstart); err != nil {
		return persistence.Series{}, err
	}
	if loc, lerr := time.LoadLocation(series.Timezone); lerr == nil {
		series.DTStart = series.DTStart.In(loc)
	}
	series.Duration = time.Duration(durationSeconds) * time.Second
	series.SkipConflicts = skipConflicts == 1
	if closedFrom.Valid {
		d, err := recurrence.ParseDate(closedFrom.String)
		if err != nil {
			return persistence.Series{}, err
		}
		series.ClosedFrom = &d
	}
	if series.CreatedAt, err = parseTime(createdAt); err != nil {
		return persistence.Series{}, err
	}
	if series.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return persistence.Series{}, err
	}
	return series, nil
}
