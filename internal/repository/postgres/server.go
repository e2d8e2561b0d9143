package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/berth-sh/berth/internal/domain"
	"github.com/berth-sh/berth/internal/repository"
)

const serverColumns = `id, region, total_ram_mb, total_cpu_millicores, total_bandwidth_gb,
	reserved_ram_mb, reserved_cpu_millicores, reserved_bandwidth_gb, status, created_at, updated_at`

// ListServersByRegion returns every server in the region, any status.
func (r *Repository) ListServersByRegion(ctx context.Context, region string) ([]domain.Server, error) {
	query := `SELECT ` + serverColumns + ` FROM servers WHERE region = $1 ORDER BY id`
	rows, err := r.pool.Query(ctx, query, region)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	servers := make([]domain.Server, 0)
	for rows.Next() {
		var s domain.Server
		if err := scanServer(rows, &s); err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

// GetServerByID fetches a single server.
func (r *Repository) GetServerByID(ctx context.Context, serverID string) (*domain.Server, error) {
	query := `SELECT ` + serverColumns + ` FROM servers WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, serverID)
	var s domain.Server
	if err := scanServer(row, &s); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// ReserveCapacity increments the server's reserved counters and inserts the
// deployment row in one transaction. The increment is a single guarded
// statement: it applies only while the server is still healthy and the
// request fits on all three dimensions at the moment of the write. Zero rows
// affected means another transaction won the race; callers re-schedule.
func (r *Repository) ReserveCapacity(ctx context.Context, serverID string, req domain.CapacityRequest, dep *domain.Deployment) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reservation: %w", err)
	}
	defer tx.Rollback(ctx)

	const reserve = `UPDATE servers
		SET reserved_ram_mb = reserved_ram_mb + $2,
			reserved_cpu_millicores = reserved_cpu_millicores + $3,
			reserved_bandwidth_gb = reserved_bandwidth_gb + $4,
			updated_at = NOW()
		WHERE id = $1
			AND status = 'healthy'
			AND reserved_ram_mb + $2 <= total_ram_mb
			AND reserved_cpu_millicores + $3 <= total_cpu_millicores
			AND reserved_bandwidth_gb + $4 <= total_bandwidth_gb`
	tag, err := tx.Exec(ctx, reserve, serverID, req.RAMMB, req.CPUMillicores, req.BandwidthGB)
	if err != nil {
		return fmt.Errorf("reserve capacity: %w", classifyError(err))
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrCapacityConflict
	}

	// Snapshot the reserved amounts on the deployment row. Release decrements
	// from these, never from the project's current resource settings, so the
	// counters come back by exactly what went in even if the project is
	// resized while the deployment is in flight.
	dep.ReservedRAMMB = req.RAMMB
	dep.ReservedCPUMillicores = req.CPUMillicores
	dep.ReservedBandwidthGB = req.BandwidthGB
	if err := insertDeployment(ctx, tx, dep); err != nil {
		return fmt.Errorf("insert deployment: %w", classifyError(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit reservation: %w", classifyError(err))
	}
	return nil
}

// ReleaseCapacity returns a deployment's reservation to its server. The
// capacity_reserved flag is matched and flipped in the same statement, so
// release happens at most once per deployment, and the decrement uses the
// amounts snapshotted on the deployment row at reservation time.
func (r *Repository) ReleaseCapacity(ctx context.Context, deploymentID string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin release: %w", err)
	}
	defer tx.Rollback(ctx)

	const unflag = `UPDATE deployments
		SET capacity_reserved = FALSE
		WHERE id = $1 AND capacity_reserved = TRUE
		RETURNING server_id, reserved_ram_mb, reserved_cpu_millicores, reserved_bandwidth_gb`
	var serverID string
	var ramMB, cpuMillicores, bandwidthGB int64
	if err := tx.QueryRow(ctx, unflag, deploymentID).Scan(&serverID, &ramMB, &cpuMillicores, &bandwidthGB); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("release flag: %w", err)
	}

	const decrement = `UPDATE servers
		SET reserved_ram_mb = reserved_ram_mb - $2,
			reserved_cpu_millicores = reserved_cpu_millicores - $3,
			reserved_bandwidth_gb = reserved_bandwidth_gb - $4,
			updated_at = NOW()
		WHERE id = $1`
	if _, err := tx.Exec(ctx, decrement, serverID, ramMB, cpuMillicores, bandwidthGB); err != nil {
		return false, fmt.Errorf("release capacity: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit release: %w", err)
	}
	return true, nil
}

func scanServer(row pgx.Row, s *domain.Server) error {
	return row.Scan(
		&s.ID,
		&s.Region,
		&s.TotalRAMMB,
		&s.TotalCPUMillicores,
		&s.TotalBandwidthGB,
		&s.ReservedRAMMB,
		&s.ReservedCPUMillicores,
		&s.ReservedBandwidthGB,
		&s.Status,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
}
