package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/berth-sh/berth/internal/domain"
	"github.com/berth-sh/berth/internal/repository"
)

// GetLatestProjectContainer returns the project's most recent container in
// one of the given statuses.
func (r *Repository) GetLatestProjectContainer(ctx context.Context, projectID string, statuses []string) (*domain.Container, error) {
	const query = `SELECT id, project_id, server_id, docker_container_id, status, sleep_status, created_at, updated_at
		FROM containers
		WHERE project_id = $1 AND status = ANY($2)
		ORDER BY created_at DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, query, projectID, statuses)
	var c domain.Container
	if err := row.Scan(
		&c.ID,
		&c.ProjectID,
		&c.ServerID,
		&c.DockerContainerID,
		&c.Status,
		&c.SleepStatus,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// MarkWaking flips a sleeping container to waking. The guard excludes
// containers that are already awake and running, so wake is a no-op for them.
func (r *Repository) MarkWaking(ctx context.Context, containerID string) (bool, error) {
	const query = `UPDATE containers
		SET sleep_status = 'waking', updated_at = NOW()
		WHERE id = $1 AND NOT (status = 'running' AND sleep_status = 'awake')`
	tag, err := r.pool.Exec(ctx, query, containerID)
	if err != nil {
		return false, fmt.Errorf("mark waking: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
