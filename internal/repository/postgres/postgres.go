package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/berth-sh/berth/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.OrganizationRepository  = (*Repository)(nil)
	_ repository.ProjectRepository       = (*Repository)(nil)
	_ repository.ServerRepository        = (*Repository)(nil)
	_ repository.DeploymentRepository    = (*Repository)(nil)
	_ repository.ContainerRepository     = (*Repository)(nil)
	_ repository.DeploymentLogRepository = (*Repository)(nil)
	_ repository.AuditRepository         = (*Repository)(nil)
)

// classifyError maps transaction-conflict class database errors
// (serialization failure, deadlock) to the retryable sentinel.
func classifyError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", repository.ErrSerialization, pgErr.Message)
	}
	return err
}

func emptyToNil(value string) any {
	if value == "" {
		return nil
	}
	return value
}
