package repository

import (
	"context"

	"github.com/berth-sh/berth/internal/domain"
)

// OrganizationRepository reads organization and membership state.
type OrganizationRepository interface {
	GetOrganizationByID(ctx context.Context, orgID string) (*domain.Organization, error)
	GetMemberRole(ctx context.Context, orgID, userID string) (string, error)
}

// ProjectRepository reads project configuration. Projects are provisioned
// elsewhere; this service never writes them beyond the active pointer.
type ProjectRepository interface {
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjectSecrets(ctx context.Context, projectID string) ([]domain.ProjectSecret, error)
	SetActiveDeployment(ctx context.Context, projectID, deploymentID string) error
}

// ServerRepository reads the fleet and performs the atomic capacity mutations.
// Reserved counters are only ever written through ReserveCapacity and
// ReleaseCapacity; no other code path touches them.
type ServerRepository interface {
	ListServersByRegion(ctx context.Context, region string) ([]domain.Server, error)
	GetServerByID(ctx context.Context, serverID string) (*domain.Server, error)
	// ReserveCapacity increments the server's reserved counters and inserts
	// the deployment row, carrying the reserved amounts, in one transaction.
	// The increment is guarded: it applies only while the server is healthy
	// and the request still fits on every dimension. A guard miss returns
	// ErrCapacityConflict.
	ReserveCapacity(ctx context.Context, serverID string, req domain.CapacityRequest, dep *domain.Deployment) error
	// ReleaseCapacity decrements the counters by the amounts recorded on the
	// deployment at reservation time. The decrement matches
	// capacity_reserved = true and flips it false in the same statement, so a
	// reservation can only be released once. Returns whether a release
	// happened.
	ReleaseCapacity(ctx context.Context, deploymentID string) (bool, error)
}

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, dep *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	// TransitionStatus moves a deployment to the target status only if it is
	// currently in one of the expected statuses. Returns false when another
	// writer got there first.
	TransitionStatus(ctx context.Context, deploymentID string, expected []string, update domain.DeploymentTransition) (bool, error)
	// AggregateOrgFootprint sums the resource footprints of the
	// organization's in-flight and ready deployments.
	AggregateOrgFootprint(ctx context.Context, orgID string) (domain.CapacityRequest, error)
}

// ContainerRepository reads and updates container records for warm reuse.
type ContainerRepository interface {
	GetLatestProjectContainer(ctx context.Context, projectID string, statuses []string) (*domain.Container, error)
	// MarkWaking flips the container's sleep status to waking unless it is
	// already awake and running. Returns false when there was nothing to wake.
	MarkWaking(ctx context.Context, containerID string) (bool, error)
}

// DeploymentLogRepository persists deployment log lines.
type DeploymentLogRepository interface {
	AppendDeploymentLog(ctx context.Context, entry domain.DeploymentLog) error
	ListDeploymentLogs(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLog, error)
}

// AuditRepository persists audit events.
type AuditRepository interface {
	InsertAuditEvent(ctx context.Context, event *domain.AuditEvent) error
}
