// Package dispatch hands admitted work to the out-of-band worker pool and
// fans status events out to listeners. Workers are external: they pop jobs
// from the queue, heartbeat their liveness keys, and write build progress
// back through their own path.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/berth-sh/berth/internal/domain"
)

// Job action values.
const (
	ActionDeploy = "deploy"
	ActionWake   = "wake"
)

// JobRequest carries everything a worker needs to build and run a deployment.
type JobRequest struct {
	GitURL          string            `json:"git_url"`
	Branch          string            `json:"branch"`
	CommitSHA       string            `json:"commit_sha,omitempty"`
	RootDirectory   string            `json:"root_directory,omitempty"`
	BuildCommand    string            `json:"build_command,omitempty"`
	StartCommand    string            `json:"start_command,omitempty"`
	OutputDirectory string            `json:"output_directory,omitempty"`
	Port            int               `json:"port"`
	Env             map[string]string `json:"env"`
	ServiceType     string            `json:"service_type"`
	ImageTag        string            `json:"image_tag,omitempty"`
}

// Job is the unit published to the worker pool.
type Job struct {
	Action         string     `json:"action"`
	DeploymentID   string     `json:"deployment_id"`
	OrganizationID string     `json:"organization_id"`
	ProjectID      string     `json:"project_id"`
	Environment    string     `json:"environment"`
	ServerID       string     `json:"server_id"`
	ContainerID    string     `json:"container_id,omitempty"`
	Request        JobRequest `json:"request"`
}

// Queue is the boundary the admission and lifecycle services depend on.
// Enqueue failure is fatal to the admission attempt; a liveness miss is a
// precondition failure checked before any capacity is reserved.
type Queue interface {
	HasActiveWorkers(ctx context.Context) (bool, error)
	Enqueue(ctx context.Context, job Job) error
	PublishEvent(ctx context.Context, event domain.StatusEvent) error
}

// EventSink receives published status events for in-process streaming.
type EventSink interface {
	Broadcast(deploymentID string, payload []byte)
}

// RedisQueue implements Queue on Redis lists and pub/sub. Workers heartbeat
// under the workers prefix with a short TTL; a populated prefix means the
// pool can execute work.
type RedisQueue struct {
	client  *redis.Client
	sink    EventSink
	logger  *slog.Logger
	timeout time.Duration
}

const (
	jobListKey      = "berth:queue:deploy"
	workersPrefix   = "berth:workers:"
	eventChannelFmt = "berth:events:%s"
)

// NewRedisQueue constructs a queue client over an existing Redis client.
// sink may be nil when no in-process stream consumers exist.
func NewRedisQueue(client *redis.Client, sink EventSink, logger *slog.Logger, timeout time.Duration) *RedisQueue {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RedisQueue{client: client, sink: sink, logger: logger, timeout: timeout}
}

// HasActiveWorkers reports whether any worker heartbeat key is alive.
func (q *RedisQueue) HasActiveWorkers(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := q.client.Scan(ctx, cursor, workersPrefix+"*", 16).Result()
		if err != nil {
			return false, fmt.Errorf("scan workers: %w", err)
		}
		if len(keys) > 0 {
			return true, nil
		}
		if next == 0 {
			return false, nil
		}
		cursor = next
	}
}

// Enqueue pushes the job onto the worker queue.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	if err := q.client.LPush(ctx, jobListKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// PublishEvent emits a status event on the deployment's channel and mirrors
// it into the in-process stream hub.
func (q *RedisQueue) PublishEvent(ctx context.Context, event domain.StatusEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	channel := fmt.Sprintf(eventChannelFmt, event.DeploymentID)
	if err := q.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	if q.sink != nil {
		q.sink.Broadcast(event.DeploymentID, payload)
	}
	return nil
}
