// Package audit records control-plane actions. Recording is fire-and-forget:
// failures are logged and never propagated into the primary operation.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/berth-sh/berth/internal/domain"
	"github.com/berth-sh/berth/internal/repository"
)

// Recorder is the boundary services record through.
type Recorder interface {
	Record(ctx context.Context, event domain.AuditEvent)
}

// Service persists audit events through the repository.
type Service struct {
	repo   repository.AuditRepository
	logger *slog.Logger
}

// New returns an audit recorder.
func New(repo repository.AuditRepository, logger *slog.Logger) Service {
	return Service{repo: repo, logger: logger}
}

// Record writes the event, filling id and timestamp when absent.
func (s Service) Record(ctx context.Context, event domain.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if err := s.repo.InsertAuditEvent(ctx, &event); err != nil {
		s.logger.Warn("audit record failed",
			"action", event.Action, "entity_id", event.EntityID, "error", err)
	}
}
