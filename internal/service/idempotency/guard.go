// Package idempotency deduplicates retried create-deployment calls. The
// record lives in Redis, never the primary store, and expires after the TTL.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ValueInProgress marks a reservation whose deployment is not yet created.
const ValueInProgress = "in_progress"

const deploymentValuePrefix = "dep:"

// DeploymentValue renders the resolved record value for a deployment.
func DeploymentValue(deploymentID string) string {
	return deploymentValuePrefix + deploymentID
}

// DeploymentIDFromValue extracts a deployment id from a resolved record.
func DeploymentIDFromValue(value string) (string, bool) {
	if !strings.HasPrefix(value, deploymentValuePrefix) {
		return "", false
	}
	id := strings.TrimPrefix(value, deploymentValuePrefix)
	return id, id != ""
}

// Guard is the mutual-exclusion primitive for client-supplied idempotency
// keys. Reserve's set-if-absent is the sole source of exclusion; it is safe
// to call from any number of orchestrator instances.
type Guard interface {
	// Reserve claims (projectID, key). When the claim fails because a record
	// already exists, ok is false and existing holds that record's value.
	Reserve(ctx context.Context, projectID, key string) (ok bool, existing string, err error)
	// Resolve overwrites the record with the deployment id so later retries
	// replay the created deployment.
	Resolve(ctx context.Context, projectID, key, deploymentID string) error
	// Release deletes the record.
	Release(ctx context.Context, projectID, key string) error
}

// RedisGuard implements Guard on a Redis SetNX with TTL.
type RedisGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisGuard constructs a guard over an existing Redis client.
func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisGuard{client: client, prefix: "berth:idem:", ttl: ttl}
}

func (g *RedisGuard) key(projectID, key string) string {
	return g.prefix + projectID + ":" + key
}

// Reserve claims the key with set-if-absent. If the claim loses but the
// existing record expired in between, the claim is retried once.
func (g *RedisGuard) Reserve(ctx context.Context, projectID, key string) (bool, string, error) {
	redisKey := g.key(projectID, key)
	for attempt := 0; attempt < 2; attempt++ {
		set, err := g.client.SetNX(ctx, redisKey, ValueInProgress, g.ttl).Result()
		if err != nil {
			return false, "", fmt.Errorf("idempotency reserve: %w", err)
		}
		if set {
			return true, "", nil
		}
		existing, err := g.client.Get(ctx, redisKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return false, "", fmt.Errorf("idempotency read: %w", err)
		}
		return false, existing, nil
	}
	return false, ValueInProgress, nil
}

// Resolve points the record at the created deployment, keeping the TTL window.
func (g *RedisGuard) Resolve(ctx context.Context, projectID, key, deploymentID string) error {
	if err := g.client.Set(ctx, g.key(projectID, key), DeploymentValue(deploymentID), g.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency resolve: %w", err)
	}
	return nil
}

// Release drops the record so the key can be reused immediately.
func (g *RedisGuard) Release(ctx context.Context, projectID, key string) error {
	if err := g.client.Del(ctx, g.key(projectID, key)).Err(); err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}
