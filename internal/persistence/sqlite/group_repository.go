package sqlite

import (
	"context"
	"fmt"

	"github.com/example/recurring-scheduler/internal/persistence"
)

type groupRepository struct {
	qh *QueryHelper
}

func (r *groupRepository) CreateGroup(ctx context.Context, group persistence.SeriesGroup) error {
	if group.ID == "" || group.Name == "" {
		return persistence.ErrConstraintViolation
	}
	_, err := r.qh.Exec(ctx, `
		INSERT INTO series_groups (id, name, description, color, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		group.ID, group.Name, group.Description, group.Color,
		formatTime(group.CreatedAt), formatTime(group.UpdatedAt),
	)
	return err
}

func (r *groupRepository) GetGroup(ctx context.Context, id string) (persistence.SeriesGroup, error) {
	var (
		group                persistence.SeriesGroup
		createdAt, updatedAt string
	)
	err := r.qh.QueryRow(ctx, `
		SELECT id, name, description, color, created_at, updated_at
		FROM series_groups WHERE id = ?`, id,
	).Scan(&group.ID, &group.Name, &group.Description, &group.Color, &createdAt, &updatedAt)
	if err != nil {
		return persistence.SeriesGroup{}, r.qh.mapper.MapError(err)
	}
	if group.CreatedAt, err = parseTime(createdAt); err != nil {
		return persistence.SeriesGroup{}, err
	}
	if group.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return persistence.SeriesGroup{}, err
	}
	return group, nil
}

func (r *groupRepository) DeleteGroup(ctx context.Context, id string) error {
	if err := r.qh.ExecAffecting(ctx, `DELETE FROM series_groups WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete group %s: %w", id, err)
	}
	return nil
}
