package domain

import "time"

// Service type values for a project's workload.
const (
	ServiceTypeWeb    = "web"
	ServiceTypeWorker = "worker"
	ServiceTypeStatic = "static"
)

// Project describes a deployable unit and its per-deployment resource footprint.
type Project struct {
	ID                   string
	OrganizationID       string
	Slug                 string
	Region               string
	GitURL               string
	Branch               string
	RootDirectory        string
	BuildCommand         string
	StartCommand         string
	OutputDirectory      string
	TargetPort           int
	ServiceType          string
	ResourceRAMMB        int64
	ResourceCPUMillicore int64
	ResourceBandwidthGB  int64
	ActiveDeploymentID   *string
	CreatedAt            time.Time
}

// Footprint returns the project's per-deployment capacity request.
func (p Project) Footprint() CapacityRequest {
	return CapacityRequest{
		RAMMB:         p.ResourceRAMMB,
		CPUMillicores: p.ResourceCPUMillicore,
		BandwidthGB:   p.ResourceBandwidthGB,
		Region:        p.Region,
	}
}

// ProjectSecret stores an encrypted environment variable owned by a project.
type ProjectSecret struct {
	ProjectID  string
	Key        string
	Ciphertext []byte
	CreatedAt  time.Time
}
