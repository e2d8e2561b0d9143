// Package policy answers whether an organization's aggregate allocation still
// permits a project's footprint.
package policy

import (
	"context"
	"fmt"

	"github.com/berth-sh/berth/internal/apperr"
	"github.com/berth-sh/berth/internal/domain"
	"github.com/berth-sh/berth/internal/repository"
)

// ResourcePolicy is the collaborator boundary the admission path consults.
type ResourcePolicy interface {
	AssertCanAllocate(ctx context.Context, org domain.Organization, footprint domain.CapacityRequest) error
}

// Service implements ResourcePolicy against the deployment history: the sum
// of footprints behind the organization's live deployments must stay under
// its plan limits.
type Service struct {
	deployments repository.DeploymentRepository
}

// New returns a resource policy service.
func New(deployments repository.DeploymentRepository) Service {
	return Service{deployments: deployments}
}

// AssertCanAllocate fails with a conflict when admitting the footprint would
// push the organization past any plan limit.
func (s Service) AssertCanAllocate(ctx context.Context, org domain.Organization, footprint domain.CapacityRequest) error {
	used, err := s.deployments.AggregateOrgFootprint(ctx, org.ID)
	if err != nil {
		return fmt.Errorf("aggregate footprint: %w", err)
	}
	if used.RAMMB+footprint.RAMMB > org.MaxRAMMB ||
		used.CPUMillicores+footprint.CPUMillicores > org.MaxCPUMillicores ||
		used.BandwidthGB+footprint.BandwidthGB > org.MaxBandwidthGB {
		return apperr.Newf(apperr.KindConflict,
			"allocation limit exceeded: plan allows %d MB RAM / %d mCPU / %d GB bandwidth, %d MB / %d mCPU / %d GB already allocated",
			org.MaxRAMMB, org.MaxCPUMillicores, org.MaxBandwidthGB,
			used.RAMMB, used.CPUMillicores, used.BandwidthGB)
	}
	return nil
}
