// Package admission is the entry point for creating deployments: it resolves
// effective configuration, checks preconditions, decides between warm reuse
// and a fresh capacity reservation, and hands the admitted job to the worker
// pool.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/berth-sh/berth/internal/apperr"
	"github.com/berth-sh/berth/internal/config"
	"github.com/berth-sh/berth/internal/domain"
	"github.com/berth-sh/berth/internal/repository"
	"github.com/berth-sh/berth/internal/service/audit"
	"github.com/berth-sh/berth/internal/service/dispatch"
	"github.com/berth-sh/berth/internal/service/idempotency"
	"github.com/berth-sh/berth/internal/service/logs"
	"github.com/berth-sh/berth/internal/service/policy"
	"github.com/berth-sh/berth/internal/service/scheduler"
	"github.com/berth-sh/berth/internal/secrets"
)

// Trigger kinds for a create-deployment call.
const (
	TriggerManual = "manual"
	TriggerPush   = "automated-push"
)

// Input bounds.
const (
	maxEnvEntries    = 50
	maxDomainLength  = 253
	maxBranchLength  = 255
	maxCommandLength = 1000
)

const defaultPort = 3000

// CreateInput carries a create-deployment request after front-door validation.
type CreateInput struct {
	ProjectID      string
	ActorUserID    string
	Trigger        string
	Environment    string
	Domain         string
	GitRef         string
	CommitSHA      string
	BuildCommand   string
	StartCommand   string
	Port           int
	Env            map[string]string
	ImageTag       string
	IdempotencyKey string
}

// CreateResult is the deployment summary returned to callers.
type CreateResult struct {
	DeploymentID     string `json:"deployment_id"`
	Status           string `json:"status"`
	Environment      string `json:"environment"`
	Domain           string `json:"domain"`
	URL              string `json:"url"`
	StreamPath       string `json:"stream_path"`
	IdempotentReplay bool   `json:"idempotent_replay,omitempty"`
}

// Service orchestrates deployment admission.
type Service struct {
	orgs        repository.OrganizationRepository
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	containers  repository.ContainerRepository
	servers     repository.ServerRepository
	sched       *scheduler.Service
	guard       idempotency.Guard
	queue       dispatch.Queue
	decryptor   secrets.Decryptor
	policy      policy.ResourcePolicy
	auditor     audit.Recorder
	logSvc      logs.Service
	logger      *slog.Logger
	cfg         config.Config
}

// New returns an admission service.
func New(
	orgs repository.OrganizationRepository,
	projects repository.ProjectRepository,
	deployments repository.DeploymentRepository,
	containers repository.ContainerRepository,
	servers repository.ServerRepository,
	sched *scheduler.Service,
	guard idempotency.Guard,
	queue dispatch.Queue,
	decryptor secrets.Decryptor,
	resourcePolicy policy.ResourcePolicy,
	auditor audit.Recorder,
	logSvc logs.Service,
	logger *slog.Logger,
	cfg config.Config,
) Service {
	return Service{
		orgs:        orgs,
		projects:    projects,
		deployments: deployments,
		containers:  containers,
		servers:     servers,
		sched:       sched,
		guard:       guard,
		queue:       queue,
		decryptor:   decryptor,
		policy:      resourcePolicy,
		auditor:     auditor,
		logSvc:      logSvc,
		logger:      logger,
		cfg:         cfg,
	}
}

// Create admits one deployment. Safe to retry with the same idempotency key;
// the retry replays the original result instead of admitting twice.
func (s Service) Create(ctx context.Context, input CreateInput) (*CreateResult, error) {
	project, err := s.projects.GetProjectByID(ctx, input.ProjectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "project not found")
		}
		return nil, fmt.Errorf("load project: %w", err)
	}
	org, err := s.orgs.GetOrganizationByID(ctx, project.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("load organization: %w", err)
	}
	if !org.SubscriptionCurrent(time.Now()) {
		return nil, apperr.New(apperr.KindPaymentRequired, "organization has no active subscription")
	}

	resolved, err := s.resolve(input, project, org)
	if err != nil {
		return nil, err
	}

	if err := s.policy.AssertCanAllocate(ctx, *org, project.Footprint()); err != nil {
		return nil, err
	}

	guardHeld := false
	releaseGuard := func() {
		if !guardHeld {
			return
		}
		guardHeld = false
		if err := s.guard.Release(ctx, project.ID, input.IdempotencyKey); err != nil {
			s.logger.Warn("idempotency release failed",
				"project_id", project.ID, "error", err)
		}
	}
	if input.IdempotencyKey != "" {
		ok, existing, err := s.guard.Reserve(ctx, project.ID, input.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency reserve: %w", err)
		}
		if !ok {
			if depID, resolvedID := idempotency.DeploymentIDFromValue(existing); resolvedID {
				return s.replay(ctx, depID)
			}
			return nil, apperr.New(apperr.KindConflict, "a deployment with this idempotency key is already in progress")
		}
		guardHeld = true
	}

	// Cheaper to fail before reserving capacity for work nobody can execute.
	alive, err := s.queue.HasActiveWorkers(ctx)
	if err != nil || !alive {
		releaseGuard()
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUnavailable, "worker pool unreachable", err)
		}
		return nil, apperr.New(apperr.KindUnavailable, "no active build workers available")
	}

	dep, err := s.place(ctx, project, resolved)
	if err != nil {
		releaseGuard()
		return nil, err
	}

	env, err := s.assembleEnv(ctx, project, input.Env)
	if err != nil {
		s.compensate(ctx, dep, "failed to prepare environment: "+err.Error())
		releaseGuard()
		return nil, fmt.Errorf("assemble env: %w", err)
	}

	s.appendLog(ctx, dep.ID, "deployment queued")
	job := s.buildJob(org.ID, project, dep, resolved, env)
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.compensate(ctx, dep, "failed to dispatch deployment to worker pool")
		releaseGuard()
		return nil, apperr.Wrap(apperr.KindUnavailable, "failed to dispatch deployment", err)
	}
	s.publishEvent(ctx, dep.ID, domain.DeploymentStatusQueued, "deployment queued")

	if input.IdempotencyKey != "" {
		if err := s.guard.Resolve(ctx, project.ID, input.IdempotencyKey, dep.ID); err != nil {
			s.logger.Warn("idempotency resolve failed", "deployment_id", dep.ID, "error", err)
		}
		guardHeld = false
	}

	s.auditor.Record(ctx, domain.AuditEvent{
		OrganizationID: org.ID,
		ActorUserID:    input.ActorUserID,
		Action:         "deployment.create",
		EntityType:     "deployment",
		EntityID:       dep.ID,
		Metadata: map[string]string{
			"project_id":  project.ID,
			"environment": dep.Environment,
			"trigger":     input.Trigger,
		},
	})
	s.logger.Info("deployment admitted",
		"deployment_id", dep.ID, "project_id", project.ID,
		"server_id", dep.ServerID, "reserved", dep.CapacityReserved)

	return s.result(dep, false), nil
}

// Get returns a deployment summary by id.
func (s Service) Get(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	dep, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "deployment not found")
		}
		return nil, err
	}
	return dep, nil
}

// ListByProject returns recent deployments for a project.
func (s Service) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	return s.deployments.ListDeploymentsByProject(ctx, projectID, limit)
}

// resolved holds the effective values after override/default/fallback
// resolution.
type resolved struct {
	environment  string
	domainName   string
	gitURL       string
	branch       string
	commitSHA    string
	imageTag     string
	buildCommand string
	startCommand string
	port         int
}

func (s Service) resolve(input CreateInput, project *domain.Project, org *domain.Organization) (resolved, error) {
	if err := validateInput(input); err != nil {
		return resolved{}, err
	}

	r := resolved{
		environment:  firstNonEmpty(input.Environment, domain.EnvironmentProduction),
		gitURL:       project.GitURL,
		branch:       firstNonEmpty(input.GitRef, project.Branch, "main"),
		commitSHA:    input.CommitSHA,
		imageTag:     input.ImageTag,
		buildCommand: firstNonEmpty(input.BuildCommand, project.BuildCommand),
		startCommand: firstNonEmpty(input.StartCommand, project.StartCommand),
		port:         input.Port,
	}
	if r.environment != domain.EnvironmentProduction && r.environment != domain.EnvironmentPreview {
		return resolved{}, apperr.Newf(apperr.KindValidation, "unknown environment %q", r.environment)
	}
	if r.port == 0 {
		r.port = project.TargetPort
	}
	if r.port == 0 {
		r.port = defaultPort
	}
	if r.gitURL == "" {
		return resolved{}, apperr.New(apperr.KindValidation, "project has no repository configured")
	}

	switch {
	case input.Domain != "":
		r.domainName = input.Domain
	case r.environment == domain.EnvironmentProduction:
		r.domainName = ProductionDomain(project.Slug, org.Slug, s.cfg.BaseDomain)
	default:
		r.domainName = PreviewDomain(project.Slug, org.Slug, r.branch, s.cfg.BaseDomain)
	}
	return r, nil
}

func validateInput(input CreateInput) error {
	if len(input.Env) > maxEnvEntries {
		return apperr.Newf(apperr.KindValidation, "env map exceeds %d entries", maxEnvEntries)
	}
	if len(input.Domain) > maxDomainLength {
		return apperr.Newf(apperr.KindValidation, "domain exceeds %d characters", maxDomainLength)
	}
	if len(input.GitRef) > maxBranchLength {
		return apperr.Newf(apperr.KindValidation, "git ref exceeds %d characters", maxBranchLength)
	}
	if len(input.BuildCommand) > maxCommandLength || len(input.StartCommand) > maxCommandLength {
		return apperr.Newf(apperr.KindValidation, "command exceeds %d characters", maxCommandLength)
	}
	return nil
}

// place decides between warm reuse and a fresh reservation and persists the
// deployment row. On the fresh path the row is inserted inside the
// reservation transaction.
func (s Service) place(ctx context.Context, project *domain.Project, r resolved) (*domain.Deployment, error) {
	if server := s.warmServer(ctx, project.ID); server != nil {
		dep := s.newDeployment(project, r, server.ID, false)
		if err := s.deployments.CreateDeployment(ctx, dep); err != nil {
			return nil, fmt.Errorf("create deployment: %w", err)
		}
		s.logger.Info("reusing warm server", "project_id", project.ID, "server_id", server.ID)
		return dep, nil
	}

	_, dep, err := s.sched.Reserve(ctx, project.Footprint(), func(server domain.Server) *domain.Deployment {
		return s.newDeployment(project, r, server.ID, true)
	})
	if err != nil {
		return nil, err
	}
	return dep, nil
}

// warmServer returns a healthy server already running or sleeping one of the
// project's containers, or nil when capacity must be freshly reserved. The
// footprint is not re-validated on reuse: the server committed capacity when
// the container was first placed.
func (s Service) warmServer(ctx context.Context, projectID string) *domain.Server {
	container, err := s.containers.GetLatestProjectContainer(ctx, projectID, domain.WarmStatuses)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("warm container lookup failed", "project_id", projectID, "error", err)
		}
		return nil
	}
	server, err := s.servers.GetServerByID(ctx, container.ServerID)
	if err != nil {
		s.logger.Warn("warm server lookup failed", "server_id", container.ServerID, "error", err)
		return nil
	}
	if server.Status != domain.ServerStatusHealthy {
		return nil
	}
	return server
}

func (s Service) newDeployment(project *domain.Project, r resolved, serverID string, reserved bool) *domain.Deployment {
	return &domain.Deployment{
		ID:               uuid.NewString(),
		ProjectID:        project.ID,
		ServerID:         serverID,
		Environment:      r.environment,
		Status:           domain.DeploymentStatusQueued,
		GitURL:           r.gitURL,
		Branch:           r.branch,
		CommitSHA:        r.commitSHA,
		ImageTag:         r.imageTag,
		Domain:           r.domainName,
		CapacityReserved: reserved,
		CreatedAt:        time.Now().UTC(),
	}
}

// assembleEnv decrypts the project's stored secrets and merges the request
// env on top; request values win on key collision.
func (s Service) assembleEnv(ctx context.Context, project *domain.Project, requestEnv map[string]string) (map[string]string, error) {
	stored, err := s.projects.ListProjectSecrets(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	env := make(map[string]string, len(stored)+len(requestEnv))
	for _, secret := range stored {
		plain, err := s.decryptor.Decrypt(secret.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("decrypt secret %q: %w", secret.Key, err)
		}
		env[secret.Key] = plain
	}
	for k, v := range requestEnv {
		env[k] = v
	}
	return env, nil
}

func (s Service) buildJob(orgID string, project *domain.Project, dep *domain.Deployment, r resolved, env map[string]string) dispatch.Job {
	return dispatch.Job{
		Action:         dispatch.ActionDeploy,
		DeploymentID:   dep.ID,
		OrganizationID: orgID,
		ProjectID:      project.ID,
		Environment:    dep.Environment,
		ServerID:       dep.ServerID,
		Request: dispatch.JobRequest{
			GitURL:          r.gitURL,
			Branch:          r.branch,
			CommitSHA:       r.commitSHA,
			RootDirectory:   project.RootDirectory,
			BuildCommand:    r.buildCommand,
			StartCommand:    r.startCommand,
			OutputDirectory: project.OutputDirectory,
			Port:            r.port,
			Env:             env,
			ServiceType:     project.ServiceType,
			ImageTag:        r.imageTag,
		},
	}
}

// compensate unwinds a persisted deployment after a dispatch failure: mark it
// failed and return any held capacity. Both writes are best-effort; their
// errors are logged and never replace the failure being reported.
func (s Service) compensate(ctx context.Context, dep *domain.Deployment, message string) {
	now := time.Now().UTC()
	moved, err := s.deployments.TransitionStatus(ctx, dep.ID, domain.InFlightStatuses, domain.DeploymentTransition{
		Status:       domain.DeploymentStatusFailed,
		ErrorMessage: message,
		FinishedAt:   &now,
	})
	if err != nil {
		s.logger.Warn("compensating status update failed", "deployment_id", dep.ID, "error", err)
	} else if !moved {
		s.logger.Warn("deployment left queued state during compensation", "deployment_id", dep.ID)
	}
	if dep.CapacityReserved {
		if _, err := s.sched.Release(ctx, dep.ID); err != nil {
			s.logger.Warn("capacity release failed", "deployment_id", dep.ID, "error", err)
		}
	}
}

// replay returns the current state of a previously admitted deployment.
func (s Service) replay(ctx context.Context, deploymentID string) (*CreateResult, error) {
	dep, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.KindConflict, "idempotency key resolves to an unknown deployment")
		}
		return nil, fmt.Errorf("replay lookup: %w", err)
	}
	return s.result(dep, true), nil
}

func (s Service) result(dep *domain.Deployment, replay bool) *CreateResult {
	return &CreateResult{
		DeploymentID:     dep.ID,
		Status:           dep.Status,
		Environment:      dep.Environment,
		Domain:           dep.Domain,
		URL:              "https://" + dep.Domain,
		StreamPath:       "/ws/deployments?id=" + dep.ID,
		IdempotentReplay: replay,
	}
}

func (s Service) appendLog(ctx context.Context, deploymentID, message string) {
	entry := domain.DeploymentLog{DeploymentID: deploymentID, Level: "info", Message: message}
	if err := s.logSvc.Append(ctx, entry); err != nil {
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
			"deployment_id", deploymentID, "type", eventType, "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
