// Package lifecycle handles the state changes on deployments that already
// exist: cancel, rollback, promote, and wake. Everything here funnels back
// through the admission path or a conditional status update; no unguarded
// writes.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/berth-sh/berth/internal/apperr"
	"github.com/berth-sh/berth/internal/domain"
	"github.com/berth-sh/berth/internal/repository"
	"github.com/berth-sh/berth/internal/service/admission"
	"github.com/berth-sh/berth/internal/service/dispatch"
	"github.com/berth-sh/berth/internal/service/scheduler"
)

const canceledMessage = "canceled by user"

// WakeResult reports what a wake call did.
type WakeResult struct {
	ContainerID string `json:"container_id"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
}

// Service drives post-admission deployment transitions.
type Service struct {
	deployments repository.DeploymentRepository
	projects    repository.ProjectRepository
	containers  repository.ContainerRepository
	sched       *scheduler.Service
	admitter    Admitter
	queue       dispatch.Queue
	auditor     Auditor
	logs        LogAppender
	logger      *slog.Logger
}

// Admitter is the slice of the admission service rollback and promote reuse.
type Admitter interface {
	Create(ctx context.Context, input admission.CreateInput) (*admission.CreateResult, error)
}

// Auditor records lifecycle actions.
type Auditor interface {
	Record(ctx context.Context, event domain.AuditEvent)
}

// LogAppender persists deployment log lines.
type LogAppender interface {
	Append(ctx context.Context, entry domain.DeploymentLog) error
}

// New returns a lifecycle service.
func New(
	deployments repository.DeploymentRepository,
	projects repository.ProjectRepository,
	containers repository.ContainerRepository,
	sched *scheduler.Service,
	admitter Admitter,
	queue dispatch.Queue,
	auditor Auditor,
	logAppender LogAppender,
	logger *slog.Logger,
) Service {
	return Service{
		deployments: deployments,
		projects:    projects,
		containers:  containers,
		sched:       sched,
		admitter:    admitter,
		queue:       queue,
		auditor:     auditor,
		logs:        logAppender,
		logger:      logger,
	}
}

// Cancel marks an in-flight deployment failed. The transition is conditional
// on the deployment still being in flight; losing that race to the worker is
// reported as a conflict, not retried. Capacity release and notifications are
// best-effort once the mark lands.
func (s Service) Cancel(ctx context.Context, deploymentID, actorUserID string, orgID string) error {
	dep, err := s.load(ctx, deploymentID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	moved, err := s.deployments.TransitionStatus(ctx, dep.ID, domain.InFlightStatuses, domain.DeploymentTransition{
		Status:       domain.DeploymentStatusFailed,
		ErrorMessage: canceledMessage,
		FinishedAt:   &now,
	})
	if err != nil {
		return fmt.Errorf("cancel transition: %w", err)
	}
	if !moved {
		return apperr.Newf(apperr.KindConflict,
			"deployment is no longer in flight (status %q)", dep.Status)
	}

	if dep.CapacityReserved {
		if _, err := s.sched.Release(ctx, dep.ID); err != nil {
			s.logger.Warn("capacity release after cancel failed",
				"deployment_id", dep.ID, "error", err)
		}
	}
	s.appendLog(ctx, dep.ID, canceledMessage)
	s.publishEvent(ctx, dep.ID, domain.DeploymentStatusFailed, canceledMessage)
	s.auditor.Record(ctx, domain.AuditEvent{
		OrganizationID: orgID,
		ActorUserID:    actorUserID,
		Action:         "deployment.cancel",
		EntityType:     "deployment",
		EntityID:       dep.ID,
	})
	s.logger.Info("deployment canceled", "deployment_id", dep.ID, "actor", actorUserID)
	return nil
}

// Rollback re-admits the image of a production deployment as a new
// deployment and marks the source superseded. History stays append-only; the
// source row is cloned forward, never reactivated.
func (s Service) Rollback(ctx context.Context, sourceDeploymentID, actorUserID, orgID, idempotencyKey string) (*admission.CreateResult, error) {
	source, err := s.load(ctx, sourceDeploymentID)
	if err != nil {
		return nil, err
	}
	if source.Environment != domain.EnvironmentProduction {
		return nil, apperr.New(apperr.KindValidation, "only production deployments can be rolled back to")
	}
	if source.ImageTag == "" {
		return nil, apperr.New(apperr.KindValidation, "source deployment has no build artifact to roll back to")
	}

	result, err := s.admitter.Create(ctx, admission.CreateInput{
		ProjectID:      source.ProjectID,
		ActorUserID:    actorUserID,
		Trigger:        admission.TriggerManual,
		Environment:    domain.EnvironmentProduction,
		GitRef:         source.Branch,
		CommitSHA:      source.CommitSHA,
		ImageTag:       source.ImageTag,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	// Mark the source superseded and repoint the active deployment. Both are
	// best-effort: a CAS miss means the source already left ready, which the
	// admitted replacement does not depend on.
	if err := s.supersede(ctx, source, result.DeploymentID); err != nil {
		s.logger.Warn("failed to mark source deployment superseded",
			"deployment_id", source.ID, "error", err)
	}

	s.auditor.Record(ctx, domain.AuditEvent{
		OrganizationID: orgID,
		ActorUserID:    actorUserID,
		Action:         "deployment.rollback",
		EntityType:     "deployment",
		EntityID:       result.DeploymentID,
		Metadata: map[string]string{
			"source_deployment_id": source.ID,
			"image_tag":            source.ImageTag,
		},
	})
	s.logger.Info("rollback admitted",
		"deployment_id", result.DeploymentID, "source_deployment_id", source.ID)
	return result, nil
}

// Promote re-admits a ready preview deployment into production. The preview
// deployment itself is untouched.
func (s Service) Promote(ctx context.Context, previewDeploymentID, actorUserID, orgID, idempotencyKey string) (*admission.CreateResult, error) {
	preview, err := s.load(ctx, previewDeploymentID)
	if err != nil {
		return nil, err
	}
	if preview.Environment != domain.EnvironmentPreview {
		return nil, apperr.New(apperr.KindValidation, "only preview deployments can be promoted")
	}
	if preview.Status != domain.DeploymentStatusReady {
		return nil, apperr.Newf(apperr.KindValidation,
			"deployment must be ready to promote (status %q)", preview.Status)
	}

	result, err := s.admitter.Create(ctx, admission.CreateInput{
		ProjectID:      preview.ProjectID,
		ActorUserID:    actorUserID,
		Trigger:        admission.TriggerManual,
		Environment:    domain.EnvironmentProduction,
		GitRef:         preview.Branch,
		CommitSHA:      preview.CommitSHA,
		ImageTag:       preview.ImageTag,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	s.auditor.Record(ctx, domain.AuditEvent{
		OrganizationID: orgID,
		ActorUserID:    actorUserID,
		Action:         "deployment.promote",
		EntityType:     "deployment",
		EntityID:       result.DeploymentID,
		Metadata: map[string]string{
			"source_deployment_id": preview.ID,
		},
	})
	s.logger.Info("promotion admitted",
		"deployment_id", result.DeploymentID, "source_deployment_id", preview.ID)
	return result, nil
}

// Wake flips the deployment's slept container to waking and dispatches a
// wake job. Waking an already awake container is a friendly no-op.
func (s Service) Wake(ctx context.Context, deploymentID, actorUserID, orgID string) (*WakeResult, error) {
	dep, err := s.load(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	container, err := s.containers.GetLatestProjectContainer(ctx, dep.ProjectID, domain.WarmStatuses)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "deployment has no container to wake")
		}
		return nil, fmt.Errorf("load container: %w", err)
	}

	if container.Status == domain.ContainerStatusRunning && container.SleepStatus == domain.SleepStatusAwake {
		return &WakeResult{ContainerID: container.ID, Status: domain.SleepStatusAwake, Message: "already awake"}, nil
	}

	marked, err := s.containers.MarkWaking(ctx, container.ID)
	if err != nil {
		return nil, fmt.Errorf("mark waking: %w", err)
	}
	if !marked {
		// Another caller woke it between the read and the mark.
		return &WakeResult{ContainerID: container.ID, Status: domain.SleepStatusAwake, Message: "already awake"}, nil
	}

	job := dispatch.Job{
		Action:       dispatch.ActionWake,
		DeploymentID: dep.ID,
		ProjectID:    dep.ProjectID,
		ServerID:     container.ServerID,
		ContainerID:  container.ID,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "failed to dispatch wake", err)
	}
	s.publishEvent(ctx, dep.ID, domain.SleepStatusWaking, "container waking")

	s.auditor.Record(ctx, domain.AuditEvent{
		OrganizationID: orgID,
		ActorUserID:    actorUserID,
		Action:         "container.wake",
		EntityType:     "container",
		EntityID:       container.ID,
		Metadata:       map[string]string{"deployment_id": dep.ID, "project_id": dep.ProjectID},
	})
	s.logger.Info("wake dispatched", "container_id", container.ID, "deployment_id", dep.ID)
	return &WakeResult{ContainerID: container.ID, Status: domain.SleepStatusWaking}, nil
}

func (s Service) load(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	dep, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "deployment not found")
		}
		return nil, fmt.Errorf("load deployment: %w", err)
	}
	return dep, nil
}

// supersede marks the rolled-back source deployment and repoints the
// project's active pointer at its replacement.
func (s Service) supersede(ctx context.Context, source *domain.Deployment, newDeploymentID string) error {
	now := time.Now().UTC()
	moved, err := s.deployments.TransitionStatus(ctx, source.ID,
		[]string{domain.DeploymentStatusReady}, domain.DeploymentTransition{
			Status:     domain.DeploymentStatusRolledBack,
			FinishedAt: &now,
		})
	if err != nil {
		return err
	}
	if !moved {
		s.logger.Info("source deployment already left ready", "deployment_id", source.ID)
	}
	return s.projects.SetActiveDeployment(ctx, source.ProjectID, newDeploymentID)
}

func (s Service) appendLog(ctx context.Context, deploymentID, message string) {
	entry := domain.DeploymentLog{DeploymentID: deploymentID, Level: "info", Message: message}
	if err := s.logs.Append(ctx, entry); err != nil {
		s.logger.Warn("failed to append deployment log", "deployment_id", deploymentID, "error", err)
	}
}

func (s Service) publishEvent(ctx context.Context, deploymentID, eventType, message string) {
	event := domain.StatusEvent{
		DeploymentID: deploymentID,
		Type:         eventType,
		Message:      message,
		Timestamp:    time.Now().UTC(),
	}
	if err := s.queue.PublishEvent(ctx, event); err != nil {
		s.logger.Warn("status event publish failed",
			"deployment_id", deploymentID, "error", err)
	}
}
