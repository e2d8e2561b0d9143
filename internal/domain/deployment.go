package domain

import "time"

// Deployment status values. Build and deploy progress is written by the
// external worker; this service owns admission and the cancel/rollback marks.
const (
	DeploymentStatusQueued     = "queued"
	DeploymentStatusBuilding   = "building"
	DeploymentStatusDeploying  = "deploying"
	DeploymentStatusReady      = "ready"
	DeploymentStatusFailed     = "failed"
	DeploymentStatusRolledBack = "rolled_back"
)

// Deployment environments.
const (
	EnvironmentProduction = "production"
	EnvironmentPreview    = "preview"
)

// InFlightStatuses are the statuses a deployment can be canceled from.
var InFlightStatuses = []string{
	DeploymentStatusQueued,
	DeploymentStatusBuilding,
	DeploymentStatusDeploying,
}

// Deployment captures one admitted unit of work. Rows are append-only history;
// superseded deployments are kept for audit and rollback. The Reserved*
// amounts are the footprint snapshot taken at admission time; release
// decrements exactly these, regardless of how the project's resource
// settings change afterwards.
type Deployment struct {
	ID                    string
	ProjectID             string
	ServerID              string
	Environment           string
	Status                string
	GitURL                string
	Branch                string
	CommitSHA             string
	ImageTag              string
	Domain                string
	CapacityReserved      bool
	ReservedRAMMB         int64
	ReservedCPUMillicores int64
	ReservedBandwidthGB   int64
	ErrorMessage          string
	CreatedAt             time.Time
	StartedAt             *time.Time
	FinishedAt            *time.Time
}

// DeploymentTransition carries the fields a conditional status update writes.
type DeploymentTransition struct {
	Status       string
	ErrorMessage string
	FinishedAt   *time.Time
}

// DeploymentLog is one persisted log line for a deployment.
type DeploymentLog struct {
	ID           string
	DeploymentID string
	Level        string
	Message      string
	CreatedAt    time.Time
}

// StatusEvent is published to the dispatch queue and the status stream.
type StatusEvent struct {
	DeploymentID string    `json:"deployment_id"`
	Type         string    `json:"type"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}
