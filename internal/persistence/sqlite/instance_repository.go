package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/example/recurring-scheduler/internal/persistence"
	"github.com/example/recurring-scheduler/internal/recurrence"
)

type instanceRepository struct {
	qh *QueryHelper
}

const instanceColumns = `i.id, i.series_id, i.occurrence_date, i.entity_table, i.entity_id,
	i.exception_type, i.exception_reason, i.created_at, i.updated_at`

func (r *instanceRepository) CreateInstance(ctx context.Context, instance persistence.Instance) error {
	if instance.ID == "" || instance.SeriesID == "" || instance.OccurrenceDate.IsZero() {
		return persistence.ErrConstraintViolation
	}
	entityID, isException, exceptionType, reason := stateColumns(instance.State)
	_, err := r.qh.Exec(ctx, `
		INSERT INTO instances (id, series_id, occurrence_date, entity_table, entity_id,
			is_exception, exception_type, exception_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instance.ID, instance.SeriesID, instance.OccurrenceDate.String(), instance.EntityTable,
		entityID, isException, exceptionType, reason,
		formatTime(instance.CreatedAt), formatTime(instance.UpdatedAt),
	)
	return err
}

func (r *instanceRepository) UpdateInstanceState(ctx context.Context, id string, state persistence.InstanceState, at time.Time) error {
	entityID, isException, exceptionType, reason := stateColumns(state)
	return r.qh.ExecAffecting(ctx, `
		UPDATE instances
		SET entity_id = ?, is_exception = ?, exception_type = ?, exception_reason = ?, updated_at = ?
		WHERE id = ?`,
		entityID, isException, exceptionType, reason, formatTime(at), id,
	)
}

func (r *instanceRepository) GetInstanceByEntity(ctx context.Context, entityTable, entityID string) (persistence.Instance, error) {
	row := r.qh.QueryRow(ctx, `SELECT `+instanceColumns+`
		FROM instances i WHERE i.entity_table = ? AND i.entity_id = ?`, entityTable, entityID)
	instance, err := scanInstance(row)
	if err != nil {
		return persistence.Instance{}, r.qh.mapper.MapError(err)
	}
	return instance, nil
}

func (r *instanceRepository) ListInstances(ctx context.Context, filter persistence.InstanceFilter) ([]persistence.Instance, error) {
	var (
		clauses []string
		args    []any
	)
	from := "instances i"
	if filter.SeriesID != "" {
		clauses = append(clauses, "i.series_id = ?")
		args = append(args, filter.SeriesID)
	}
	if filter.GroupID != "" {
		from = "instances i JOIN series s ON s.id = i.series_id"
		clauses = append(clauses, "s.group_id = ?")
		args = append(args, filter.GroupID)
	}
	if filter.From != nil {
		clauses = append(clauses, "i.occurrence_date >= ?")
		args = append(args, filter.From.String())
	}

	query := `SELECT ` + instanceColumns + ` FROM ` + from
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY i.occurrence_date, i.series_id"

	rows, err := r.qh.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persistence.Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, instance)
	}
	return out, rows.Err()
}

func (r *instanceRepository) DeleteInstances(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.qh.execBatched(ctx, `DELETE FROM instances WHERE id IN (%s)`, ids)
}

func stateColumns(state persistence.InstanceState) (entityID sql.NullString, isException int, exceptionType sql.NullString, reason string) {
	switch s := state.(type) {
	case persistence.Active:
		entityID = sql.NullString{String: s.EntityID, Valid: true}
	case persistence.Modified:
		entityID = sql.NullString{String: s.EntityID, Valid: true}
		isException = 1
		exceptionType = sql.NullString{String: persistence.ExceptionType(s), Valid: true}
	case persistence.Cancelled:
		isException = 1
		exceptionType = sql.NullString{String: persistence.ExceptionType(s), Valid: true}
		reason = s.Reason
	}
	return entityID, isException, exceptionType, reason
}

func scanInstance(row rowScanner) (persistence.Instance, error) {
	var (
		instance                persistence.Instance
		occurrenceDate          string
		entityID, exceptionType sql.NullString
		reason                  string
		createdAt, updatedAt    string
	)
	if err := row.Scan(
		&instance.ID, &instance.SeriesID, &occurrenceDate, &instance.EntityTable, &entityID,
		&exceptionType, &reason, &createdAt, &updatedAt,
	); err != nil {
		return persistence.Instance{}, err
	}

	var err error
	if instance.OccurrenceDate, err = recurrence.ParseDate(occurrenceDate); err != nil {
		return persistence.Instance{}, err
	}
	switch exceptionType.String {
	case "":
		instance.State = persistence.Active{EntityID: entityID.String}
	case "modified":
		instance.State = persistence.Modified{EntityID: entityID.String}
	case "cancelled":
		instance.State = persistence.Cancelled{Reason: reason}
	default:
		return persistence.Instance{}, fmt.Errorf("instance %s: unknown exception type %q", instance.ID, exceptionType.String)
	}
	if instance.CreatedAt, err = parseTime(createdAt); err != nil {
		return persistence.Instance{}, err
	}
	if instance.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return persistence.Instance{}, err
	}
	return instance, nil
}
