// Package scheduler picks deploy targets and commits capacity reservations.
// Correctness hinges on the repository's guarded conditional update: the
// reserved counters are only ever incremented while the request still fits,
// and the deployment row is inserted in the same transaction.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-retry"

	"github.com/berth-sh/berth/internal/apperr"
	"github.com/berth-sh/berth/internal/domain"
	"github.com/berth-sh/berth/internal/repository"
)

// Failure reasons for a scheduling decision.
const (
	ReasonNoHealthyServers     = "no_healthy_servers"
	ReasonInsufficientCapacity = "insufficient_capacity"
)

// ScheduleFailure reports why no server could be selected. For capacity
// failures, Largest carries the spare capacity of the roomiest healthy server
// so callers can show actionable diagnostics.
type ScheduleFailure struct {
	Reason  string
	Region  string
	Largest *domain.Server
}

func (e *ScheduleFailure) Error() string {
	if e.Reason == ReasonNoHealthyServers {
		return fmt.Sprintf("no healthy servers in region %q", e.Region)
	}
	if e.Largest != nil {
		return fmt.Sprintf(
			"insufficient capacity in region %q: largest available server offers %d MB RAM / %d mCPU / %d GB bandwidth",
			e.Region, e.Largest.SpareRAMMB(), e.Largest.SpareCPUMillicores(), e.Largest.SpareBandwidthGB(),
		)
	}
	return fmt.Sprintf("insufficient capacity in region %q", e.Region)
}

// Service selects servers and drives the capacity reservation protocol.
type Service struct {
	servers     repository.ServerRepository
	logger      *slog.Logger
	maxAttempts int
	backoff     time.Duration
	retries     prometheus.Counter
}

// New returns a scheduler. retries may be nil when no metrics registry is
// wired (tests).
func New(servers repository.ServerRepository, logger *slog.Logger, maxAttempts int, backoff time.Duration, retries prometheus.Counter) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if backoff <= 0 {
		backoff = 15 * time.Millisecond
	}
	return &Service{
		servers:     servers,
		logger:      logger,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		retries:     retries,
	}
}

// Schedule picks one healthy server in the request's region with unreserved
// headroom on all three dimensions. Tie-break is most spare RAM, then most
// spare CPU, then lowest id, so the fleet spreads rather than packs.
func (s *Service) Schedule(ctx context.Context, req domain.CapacityRequest) (*domain.Server, error) {
	servers, err := s.servers.ListServersByRegion(ctx, req.Region)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}

	healthy := make([]domain.Server, 0, len(servers))
	for _, server := range servers {
		if server.Status == domain.ServerStatusHealthy {
			healthy = append(healthy, server)
		}
	}
	if len(healthy) == 0 {
		return nil, &ScheduleFailure{Reason: ReasonNoHealthyServers, Region: req.Region}
	}

	sort.Slice(healthy, func(i, j int) bool {
		if healthy[i].SpareRAMMB() != healthy[j].SpareRAMMB() {
			return healthy[i].SpareRAMMB() > healthy[j].SpareRAMMB()
		}
		if healthy[i].SpareCPUMillicores() != healthy[j].SpareCPUMillicores() {
			return healthy[i].SpareCPUMillicores() > healthy[j].SpareCPUMillicores()
		}
		return healthy[i].ID < healthy[j].ID
	})

	for i := range healthy {
		if healthy[i].Fits(req) {
			return &healthy[i], nil
		}
	}

	largest := healthy[0]
	return nil, &ScheduleFailure{Reason: ReasonInsufficientCapacity, Region: req.Region, Largest: &largest}
}

// Reserve runs the full pick-server-then-reserve sequence with bounded
// retries. build produces the deployment row for the chosen server; the
// counter increment and the insert commit together or not at all. On
// contention the scheduler is re-invoked from scratch, since a previously
// contended server may or may not have room now.
func (s *Service) Reserve(ctx context.Context, req domain.CapacityRequest, build func(server domain.Server) *domain.Deployment) (*domain.Server, *domain.Deployment, error) {
	var (
		chosen  *domain.Server
		created *domain.Deployment
		attempt int
	)

	backoff := retry.WithMaxRetries(uint64(s.maxAttempts-1), linearBackoff(s.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		server, err := s.Schedule(ctx, req)
		if err != nil {
			return err
		}

		dep := build(*server)
		err = s.servers.ReserveCapacity(ctx, server.ID, req, dep)
		if err == nil {
			chosen = server
			created = dep
			return nil
		}
		if errors.Is(err, repository.ErrCapacityConflict) || errors.Is(err, repository.ErrSerialization) {
			if s.retries != nil {
				s.retries.Inc()
			}
			s.logger.Info("capacity reservation contended",
				"server_id", server.ID, "region", req.Region, "attempt", attempt)
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return chosen, created, nil
	}

	var failure *ScheduleFailure
	if errors.As(err, &failure) {
		return nil, nil, apperr.Wrap(apperr.KindUnavailable, failure.Error(), failure)
	}
	if errors.Is(err, repository.ErrCapacityConflict) || errors.Is(err, repository.ErrSerialization) {
		return nil, nil, apperr.Wrap(apperr.KindContention, "capacity contended, retry the request", err)
	}
	return nil, nil, fmt.Errorf("reserve capacity: %w", err)
}

// Release returns a deployment's reserved capacity. Callers treat failures
// as non-fatal; the decrement can only ever apply once per deployment.
func (s *Service) Release(ctx context.Context, deploymentID string) (bool, error) {
	released, err := s.servers.ReleaseCapacity(ctx, deploymentID)
	if err != nil {
		return false, fmt.Errorf("release capacity: %w", err)
	}
	return released, nil
}

// linearBackoff waits step x attempt between retries.
func linearBackoff(step time.Duration) retry.Backoff {
	var attempt int
	return retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return time.Duration(attempt) * step, false
	})
}
