package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/berth-sh/berth/internal/domain"
	"github.com/berth-sh/berth/internal/repository"
)

const deploymentColumns = `id, project_id, server_id, environment, status, git_url, branch,
	commit_sha, image_tag, domain, capacity_reserved, reserved_ram_mb, reserved_cpu_millicores,
	reserved_bandwidth_gb, error_message, created_at, started_at, finished_at`

// CreateDeployment inserts a deployment record outside a reservation
// transaction. Used by the warm-reuse path; the fresh path inserts inside
// ReserveCapacity.
func (r *Repository) CreateDeployment(ctx context.Context, dep *domain.Deployment) error {
	return insertDeployment(ctx, r.pool, dep)
}

// execer is satisfied by both pgxpool.Pool and pgx.Tx, so the deployment
// insert can run standalone or inside the reservation transaction.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertDeployment(ctx context.Context, db execer, dep *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, server_id, environment, status, git_url,
			branch, commit_sha, image_tag, domain, capacity_reserved, reserved_ram_mb,
			reserved_cpu_millicores, reserved_bandwidth_gb, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err := db.Exec(ctx, query,
		dep.ID,
		dep.ProjectID,
		dep.ServerID,
		dep.Environment,
		dep.Status,
		dep.GitURL,
		dep.Branch,
		emptyToNil(dep.CommitSHA),
		emptyToNil(dep.ImageTag),
		dep.Domain,
		dep.CapacityReserved,
		dep.ReservedRAMMB,
		dep.ReservedCPUMillicores,
		dep.ReservedBandwidthGB,
		emptyToNil(dep.ErrorMessage),
		dep.CreatedAt,
	)
	return err
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	var d domain.Deployment
	if err := scanDeployment(row, &d); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListDeploymentsByProject fetches recent deployments for a project.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		var d domain.Deployment
		if err := scanDeployment(rows, &d); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// TransitionStatus conditionally moves a deployment between statuses. The
// expected-status match and the write happen in one statement so at most one
// concurrent caller wins a given transition.
func (r *Repository) TransitionStatus(ctx context.Context, deploymentID string, expected []string, update domain.DeploymentTransition) (bool, error) {
	const query = `UPDATE deployments
		SET status = $2,
			error_message = COALESCE($3, error_message),
			finished_at = COALESCE($4, finished_at)
		WHERE id = $1 AND status = ANY($5)`
	tag, err := r.pool.Exec(ctx, query,
		deploymentID,
		update.Status,
		emptyToNil(update.ErrorMessage),
		update.FinishedAt,
		expected,
	)
	if err != nil {
		return false, fmt.Errorf("transition status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AggregateOrgFootprint sums the footprints of the organization's deployments
// that still count against its allocation.
func (r *Repository) AggregateOrgFootprint(ctx context.Context, orgID string) (domain.CapacityRequest, error) {
	const query = `SELECT
			COALESCE(SUM(p.resource_ram_mb), 0),
			COALESCE(SUM(p.resource_cpu_millicore), 0),
			COALESCE(SUM(p.resource_bandwidth_gb), 0)
		FROM deployments d
		INNER JOIN projects p ON p.id = d.project_id
		WHERE p.organization_id = $1
			AND d.status IN ('queued', 'building', 'deploying', 'ready')`
	var footprint domain.CapacityRequest
	row := r.pool.QueryRow(ctx, query, orgID)
	if err := row.Scan(&footprint.RAMMB, &footprint.CPUMillicores, &footprint.BandwidthGB); err != nil {
		return domain.CapacityRequest{}, err
	}
	return footprint, nil
}

func scanDeployment(row pgx.Row, d *domain.Deployment) error {
	var commitSHA, imageTag, errorMessage *string
	if err := row.Scan(
		&d.ID,
		&d.ProjectID,
		&d.ServerID,
		&d.Environment,
		&d.Status,
		&d.GitURL,
		&d.Branch,
		&commitSHA,
		&imageTag,
		&d.Domain,
		&d.CapacityReserved,
		&d.ReservedRAMMB,
		&d.ReservedCPUMillicores,
		&d.ReservedBandwidthGB,
		&errorMessage,
		&d.CreatedAt,
		&d.StartedAt,
		&d.FinishedAt,
	); err != nil {
		return err
	}
	if commitSHA != nil {
		d.CommitSHA = *commitSHA
	}
	if imageTag != nil {
		d.ImageTag = *imageTag
	}
	if errorMessage != nil {
		d.ErrorMessage = *errorMessage
	}
	return nil
}
