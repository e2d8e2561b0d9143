package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/berth-sh/berth/internal/domain"
	"github.com/berth-sh/berth/internal/repository"
)

// GetProjectByID fetches project configuration.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, organization_id, slug, region, git_url, branch, root_directory, build_command,
			start_command, output_directory, target_port, service_type, resource_ram_mb,
			resource_cpu_millicore, resource_bandwidth_gb, active_deployment_id, created_at
		FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var p domain.Project
	if err := row.Scan(
		&p.ID,
		&p.OrganizationID,
		&p.Slug,
		&p.Region,
		&p.GitURL,
		&p.Branch,
		&p.RootDirectory,
		&p.BuildCommand,
		&p.StartCommand,
		&p.OutputDirectory,
		&p.TargetPort,
		&p.ServiceType,
		&p.ResourceRAMMB,
		&p.ResourceCPUMillicore,
		&p.ResourceBandwidthGB,
		&p.ActiveDeploymentID,
		&p.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListProjectSecrets returns the project's encrypted environment variables.
func (r *Repository) ListProjectSecrets(ctx context.Context, projectID string) ([]domain.ProjectSecret, error) {
	const query = `SELECT project_id, key, ciphertext, created_at
		FROM project_secrets WHERE project_id = $1 ORDER BY key`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	secrets := make([]domain.ProjectSecret, 0)
	for rows.Next() {
		var s domain.ProjectSecret
		if err := rows.Scan(&s.ProjectID, &s.Key, &s.Ciphertext, &s.CreatedAt); err != nil {
			return nil, err
		}
		secrets = append(secrets, s)
	}
	return secrets, rows.Err()
}

// SetActiveDeployment records the deployment currently serving the project.
func (r *Repository) SetActiveDeployment(ctx context.Context, projectID, deploymentID string) error {
	const query = `UPDATE projects SET active_deployment_id = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID, deploymentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetOrganizationByID fetches an organization and its billing state.
func (r *Repository) GetOrganizationByID(ctx context.Context, orgID string) (*domain.Organization, error) {
	const query = `SELECT id, slug, subscription_status, current_period_end,
			max_ram_mb, max_cpu_millicores, max_bandwidth_gb, created_at
		FROM organizations WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, orgID)
	var o domain.Organization
	if err := row.Scan(
		&o.ID,
		&o.Slug,
		&o.SubscriptionStatus,
		&o.CurrentPeriodEnd,
		&o.MaxRAMMB,
		&o.MaxCPUMillicores,
		&o.MaxBandwidthGB,
		&o.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

// GetMemberRole returns the user's role within the organization.
func (r *Repository) GetMemberRole(ctx context.Context, orgID, userID string) (string, error) {
	const query = `SELECT role FROM organization_members WHERE organization_id = $1 AND user_id = $2`
	row := r.pool.QueryRow(ctx, query, orgID, userID)
	var role string
	if err := row.Scan(&role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", err
	}
	return role, nil
}
