package domain

import "time"

// Container status values.
const (
	ContainerStatusPending  = "pending"
	ContainerStatusRunning  = "running"
	ContainerStatusSleeping = "sleeping"
	ContainerStatusStopped  = "stopped"
)

// Container sleep states.
const (
	SleepStatusAwake  = "awake"
	SleepStatusAsleep = "asleep"
	SleepStatusWaking = "waking"
)

// Container tracks the running process instance for a project's deployments.
// A live container on a healthy server makes that server a warm-reuse candidate.
type Container struct {
	ID                string
	ProjectID         string
	ServerID          string
	DockerContainerID string
	Status            string
	SleepStatus       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WarmStatuses are container states that qualify a server for warm reuse.
var WarmStatuses = []string{
	ContainerStatusPending,
	ContainerStatusRunning,
	ContainerStatusSleeping,
}
