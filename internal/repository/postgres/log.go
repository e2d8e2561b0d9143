package postgres

import (
	"context"
	"encoding/json"

	"github.com/berth-sh/berth/internal/domain"
)

// AppendDeploymentLog persists one deployment log line.
func (r *Repository) AppendDeploymentLog(ctx context.Context, entry domain.DeploymentLog) error {
	const query = `INSERT INTO deployment_logs (id, deployment_id, level, message, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, entry.ID, entry.DeploymentID, entry.Level, entry.Message, entry.CreatedAt)
	return err
}

// ListDeploymentLogs returns log lines for a deployment, oldest first.
func (r *Repository) ListDeploymentLogs(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLog, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id, deployment_id, level, message, created_at
		FROM deployment_logs WHERE deployment_id = $1
		ORDER BY created_at ASC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, deploymentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.DeploymentLog, 0)
	for rows.Next() {
		var l domain.DeploymentLog
		if err := rows.Scan(&l.ID, &l.DeploymentID, &l.Level, &l.Message, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// InsertAuditEvent records a control-plane action.
func (r *Repository) InsertAuditEvent(ctx context.Context, event *domain.AuditEvent) error {
	var metadata []byte
	if len(event.Metadata) > 0 {
		encoded, err := json.Marshal(event.Metadata)
		if err != nil {
			return err
		}
		metadata = encoded
	}
	const query = `INSERT INTO audit_events (id, organization_id, actor_user_id, action, entity_type, entity_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		event.ID,
		event.OrganizationID,
		event.ActorUserID,
		event.Action,
		event.EntityType,
		event.EntityID,
		metadata,
		event.CreatedAt,
	)
	return err
}
