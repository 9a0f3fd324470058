package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/example/recurring-scheduler/internal/persistence"
	"github.com/example/recurring-scheduler/internal/template"
)

// entityRepository stores materialized rows for every registered entity
// table in one physical table keyed by entity_table.
type entityRepository struct {
	qh *QueryHelper
}

const entityColumns = `id, entity_table, fields, slot_start, slot_end, conflict_key, created_at, updated_at`

func (r *entityRepository) CreateEntity(ctx context.Context, entity persistence.Entity) error {
	if entity.ID == "" || entity.Table == "" {
		return persistence.ErrConstraintViolation
	}
	fields, err := entity.Fields.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode entity fields: %w", err)
	}
	_, err = r.qh.Exec(ctx, `INSERT INTO entities (`+entityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entity.ID, entity.Table, string(fields),
		entity.SlotStart.Unix(), entity.SlotEnd.Unix(), nullString(entity.ConflictKey),
		formatTime(entity.CreatedAt), formatTime(entity.UpdatedAt),
	)
	return err
}

func (r *entityRepository) UpdateEntity(ctx context.Context, entity persistence.Entity) error {
	fields, err := entity.Fields.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode entity fields: %w", err)
	}
	return r.qh.ExecAffecting(ctx, `
		UPDATE entities SET fields = ?, slot_start = ?, slot_end = ?, conflict_key = ?, updated_at = ?
		WHERE entity_table = ? AND id = ?`,
		string(fields), entity.SlotStart.Unix(), entity.SlotEnd.Unix(), nullString(entity.ConflictKey),
		formatTime(entity.UpdatedAt), entity.Table, entity.ID,
	)
}

func (r *entityRepository) GetEntity(ctx context.Context, table, id string) (persistence.Entity, error) {
	row := r.qh.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE entity_table = ? AND id = ?`, table, id)
	entity, err := scanEntity(row)
	if err != nil {
		return persistence.Entity{}, r.qh.mapper.MapError(err)
	}
	return entity, nil
}

// FindOverlapping lists rows in the conflict scope whose half-open slot
// intersects [start, end).
func (r *entityRepository) FindOverlapping(ctx context.Context, table, conflictKey string, start, end time.Time) ([]persistence.Entity, error) {
	rows, err := r.qh.Query(ctx, `SELECT `+entityColumns+` FROM entities
		WHERE entity_table = ? AND conflict_key = ? AND slot_start < ? AND ? < slot_end
		ORDER BY slot_start, id`,
		table, conflictKey, end.Unix(), start.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persistence.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, rows.Err()
}

func (r *entityRepository) DeleteEntities(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.qh.execBatched(ctx, `DELETE FROM entities WHERE id IN (%s)`, ids)
}

func scanEntity(row rowScanner) (persistence.Entity, error) {
	var (
		entity               persistence.Entity
		fields               string
		slotStart, slotEnd   int64
		conflictKey          sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(
		&entity.ID, &entity.Table, &fields, &slotStart, &slotEnd, &conflictKey, &createdAt, &updatedAt,
	); err != nil {
		return persistence.Entity{}, err
	}

	var err error
	if entity.Fields, err = template.Parse([]byte(fields)); err != nil {
		return persistence.Entity{}, fmt.Errorf("decode fields of entity %s: %w", entity.ID, err)
	}
	entity.SlotStart = time.Unix(slotStart, 0).UTC()
	entity.SlotEnd = time.Unix(slotEnd, 0).UTC()
	if conflictKey.Valid {
		key := conflictKey.String
		entity.ConflictKey = &key
	}
	if entity.CreatedAt, err = parseTime(createdAt); err != nil {
		return persistence.Entity{}, err
	}
	if entity.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return persistence.Entity{}, err
	}
	return entity, nil
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}
