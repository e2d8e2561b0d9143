package policy

import (
	"context"
	"testing"

	"github.com/berth-sh/berth/internal/apperr"
	"github.com/berth-sh/berth/internal/domain"
)

type stubAggregator struct {
	used domain.CapacityRequest
}

func (s stubAggregator) CreateDeployment(_ context.Context, _ *domain.Deployment) error { return nil }

func (s stubAggregator) GetDeploymentByID(_ context.Context, _ string) (*domain.Deployment, error) {
	return nil, nil
}

func (s stubAggregator) ListDeploymentsByProject(_ context.Context, _ string, _ int) ([]domain.Deployment, error) {
	return nil, nil
}

func (s stubAggregator) TransitionStatus(_ context.Context, _ string, _ []string, _ domain.DeploymentTransition) (bool, error) {
	return false, nil
}

func (s stubAggregator) AggregateOrgFootprint(_ context.Context, _ string) (domain.CapacityRequest, error) {
	return s.used, nil
}

func org() domain.Organization {
	return domain.Organization{
		ID:               "org-1",
		MaxRAMMB:         4096,
		MaxCPUMillicores: 4000,
		MaxBandwidthGB:   100,
	}
}

func TestAssertCanAllocateWithinLimits(t *testing.T) {
	svc := New(stubAggregator{used: domain.CapacityRequest{RAMMB: 1024, CPUMillicores: 1000, BandwidthGB: 20}})
	footprint := domain.CapacityRequest{RAMMB: 512, CPUMillicores: 500, BandwidthGB: 10}
	if err := svc.AssertCanAllocate(context.Background(), org(), footprint); err != nil {
		t.Fatalf("AssertCanAllocate() error = %v", err)
	}
}

func TestAssertCanAllocateExactlyAtLimit(t *testing.T) {
	svc := New(stubAggregator{used: domain.CapacityRequest{RAMMB: 3584, CPUMillicores: 3500, BandwidthGB: 90}})
	footprint := domain.CapacityRequest{RAMMB: 512, CPUMillicores: 500, BandwidthGB: 10}
	if err := svc.AssertCanAllocate(context.Background(), org(), footprint); err != nil {
		t.Fatalf("allocation exactly at the limit must pass, got %v", err)
	}
}

func TestAssertCanAllocateRejectsOverLimit(t *testing.T) {
	cases := []struct {
		name string
		used domain.CapacityRequest
	}{
		{name: "ram", used: domain.CapacityRequest{RAMMB: 3800, CPUMillicores: 0, BandwidthGB: 0}},
		{name: "cpu", used: domain.CapacityRequest{RAMMB: 0, CPUMillicores: 3700, BandwidthGB: 0}},
		{name: "bandwidth", used: domain.CapacityRequest{RAMMB: 0, CPUMillicores: 0, BandwidthGB: 95}},
	}
	footprint := domain.CapacityRequest{RAMMB: 512, CPUMillicores: 500, BandwidthGB: 10}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := New(stubAggregator{used: tc.used})
			err := svc.AssertCanAllocate(context.Background(), org(), footprint)
			if !apperr.IsKind(err, apperr.KindConflict) {
				t.Fatalf("error = %v, want conflict", err)
			}
		})
	}
}
