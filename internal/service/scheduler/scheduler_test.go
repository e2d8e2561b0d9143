package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/berth-sh/berth/internal/apperr"
	"github.com/berth-sh/berth/internal/domain"
	"github.com/berth-sh/berth/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func testRequest() domain.CapacityRequest {
	return domain.CapacityRequest{RAMMB: 512, CPUMillicores: 500, BandwidthGB: 10, Region: "eu-west"}
}

func healthyServer(id string) *domain.Server {
	return &domain.Server{
		ID:                 id,
		Region:             "eu-west",
		TotalRAMMB:         1024,
		TotalCPUMillicores: 1000,
		TotalBandwidthGB:   20,
		Status:             domain.ServerStatusHealthy,
	}
}

func TestScheduleReturnsServerWithHeadroom(t *testing.T) {
	repo := newFakeServerRepo(healthyServer("srv-1"))
	svc := New(repo, testLogger(), 5, time.Millisecond, nil)

	server, err := svc.Schedule(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	if server.ID != "srv-1" {
		t.Fatalf("expected srv-1, got %s", server.ID)
	}
}

func TestScheduleFailsWhenRegionHasNoHealthyServers(t *testing.T) {
	unhealthy := healthyServer("srv-1")
	unhealthy.Status = domain.ServerStatusDraining
	repo := newFakeServerRepo(unhealthy)
	svc := New(repo, testLogger(), 5, time.Millisecond, nil)

	_, err := svc.Schedule(context.Background(), testRequest())
	var failure *ScheduleFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected ScheduleFailure, got %v", err)
	}
	if failure.Reason != ReasonNoHealthyServers {
		t.Fatalf("expected no_healthy_servers, got %s", failure.Reason)
	}
}

func TestScheduleReportsLargestAvailableOnCapacityFailure(t *testing.T) {
	full := healthyServer("srv-1")
	full.ReservedRAMMB = 600
	full.ReservedCPUMillicores = 600
	full.ReservedBandwidthGB = 12
	small := healthyServer("srv-2")
	small.ReservedRAMMB = 900
	small.ReservedCPUMillicores = 900
	small.ReservedBandwidthGB = 15
	repo := newFakeServerRepo(full, small)
	svc := New(repo, testLogger(), 5, time.Millisecond, nil)

	_, err := svc.Schedule(context.Background(), testRequest())
	var failure *ScheduleFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected ScheduleFailure, got %v", err)
	}
	if failure.Reason != ReasonInsufficientCapacity {
		t.Fatalf("expected insufficient_capacity, got %s", failure.Reason)
	}
	if failure.Largest == nil || failure.Largest.ID != "srv-1" {
		t.Fatalf("expected srv-1 as largest available, got %+v", failure.Largest)
	}
	if got := failure.Largest.SpareRAMMB(); got != 424 {
		t.Fatalf("expected 424 MB spare in diagnostics, got %d", got)
	}
}

func TestSchedulePrefersMostSpareRAM(t *testing.T) {
	busy := healthyServer("srv-1")
	busy.ReservedRAMMB = 256
	idle := healthyServer("srv-2")
	repo := newFakeServerRepo(busy, idle)
	svc := New(repo, testLogger(), 5, time.Millisecond, nil)

	server, err := svc.Schedule(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	if server.ID != "srv-2" {
		t.Fatalf("expected the idler srv-2, got %s", server.ID)
	}
}

func TestReserveCommitsCountersAndDeploymentTogether(t *testing.T) {
	repo := newFakeServerRepo(healthyServer("srv-1"))
	svc := New(repo, testLogger(), 5, time.Millisecond, nil)

	server, dep, err := svc.Reserve(context.Background(), testRequest(), buildDeployment)
	if err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}
	if server.ID != "srv-1" || dep == nil {
		t.Fatalf("unexpected reservation result: %+v %+v", server, dep)
	}
	state := repo.server("srv-1")
	if state.ReservedRAMMB != 512 || state.ReservedCPUMillicores != 500 || state.ReservedBandwidthGB != 10 {
		t.Fatalf("counters not incremented: %+v", state)
	}
	if len(repo.inserted) != 1 {
		t.Fatalf("expected one inserted deployment, got %d", len(repo.inserted))
	}
}

func TestReserveRetriesOnContentionThenSucceeds(t *testing.T) {
	repo := newFakeServerRepo(healthyServer("srv-1"))
	repo.scripted = []error{repository.ErrCapacityConflict, repository.ErrSerialization}
	svc := New(repo, testLogger(), 5, time.Millisecond, nil)

	_, _, err := svc.Reserve(context.Background(), testRequest(), buildDeployment)
	if err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}
	if repo.reserveCalls != 3 {
		t.Fatalf("expected 3 reservation attempts, got %d", repo.reserveCalls)
	}
}

func TestReserveExhaustionSurfacesContention(t *testing.T) {
	repo := newFakeServerRepo(healthyServer("srv-1"))
	repo.alwaysConflict = true
	svc := New(repo, testLogger(), 3, time.Millisecond, nil)

	_, _, err := svc.Reserve(context.Background(), testRequest(), buildDeployment)
	if !apperr.IsKind(err, apperr.KindContention) {
		t.Fatalf("expected contention kind, got %v", err)
	}
	if repo.reserveCalls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", repo.reserveCalls)
	}
}

func TestReserveDoesNotRetryScheduleFailures(t *testing.T) {
	full := healthyServer("srv-1")
	full.ReservedRAMMB = 1024
	repo := newFakeServerRepo(full)
	svc := New(repo, testLogger(), 5, time.Millisecond, nil)

	_, _, err := svc.Reserve(context.Background(), testRequest(), buildDeployment)
	if !apperr.IsKind(err, apperr.KindUnavailable) {
		t.Fatalf("expected unavailable kind, got %v", err)
	}
	if repo.reserveCalls != 0 {
		t.Fatalf("expected no reservation attempts, got %d", repo.reserveCalls)
	}
}

func TestConcurrentReservesAdmitExactlyCapacity(t *testing.T) {
	// One server fits exactly two footprints; eight racers must admit two.
	server := healthyServer("srv-1")
	repo := newFakeServerRepo(server)
	svc := New(repo, testLogger(), 5, time.Millisecond, nil)

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.Reserve(context.Background(), testRequest(), buildDeployment)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var admitted, rejected int
	for err := range results {
		if err == nil {
			admitted++
			continue
		}
		rejected++
		kind := apperr.KindOf(err)
		if kind != apperr.KindUnavailable && kind != apperr.KindContention {
			t.Fatalf("unexpected failure kind %s: %v", kind, err)
		}
	}
	if admitted != 2 {
		t.Fatalf("expected exactly 2 admissions, got %d (rejected %d)", admitted, rejected)
	}
	state := repo.server("srv-1")
	if state.ReservedRAMMB > state.TotalRAMMB ||
		state.ReservedCPUMillicores > state.TotalCPUMillicores ||
		state.ReservedBandwidthGB > state.TotalBandwidthGB {
		t.Fatalf("server over-committed: %+v", state)
	}
	if state.ReservedRAMMB != 1024 {
		t.Fatalf("expected reserved ram 1024, got %d", state.ReservedRAMMB)
	}
}

func TestReleaseAppliesOnce(t *testing.T) {
	repo := newFakeServerRepo(healthyServer("srv-1"))
	svc := New(repo, testLogger(), 5, time.Millisecond, nil)

	_, dep, err := svc.Reserve(context.Background(), testRequest(), buildDeployment)
	if err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}

	released, err := svc.Release(context.Background(), dep.ID)
	if err != nil || !released {
		t.Fatalf("expected first release to apply, got released=%v err=%v", released, err)
	}
	released, err = svc.Release(context.Background(), dep.ID)
	if err != nil {
		t.Fatalf("second release errored: %v", err)
	}
	if released {
		t.Fatal("second release must be a no-op")
	}
	state := repo.server("srv-1")
	if state.ReservedRAMMB != 0 {
		t.Fatalf("expected counters back to zero, got %d", state.ReservedRAMMB)
	}
}

func buildDeployment(server domain.Server) *domain.Deployment {
	return &domain.Deployment{
		ID:               uuid.NewString(),
		ProjectID:        "proj-1",
		ServerID:         server.ID,
		Environment:      domain.EnvironmentProduction,
		Status:           domain.DeploymentStatusQueued,
		CapacityReserved: true,
		CreatedAt:        time.Now().UTC(),
	}
}

// fakeServerRepo mimics the guarded conditional update: reservations apply
// only while the request still fits, under a mutex standing in for the
// database's atomicity.
type fakeServerRepo struct {
	mu             sync.Mutex
	servers        map[string]*domain.Server
	inserted       map[string]*domain.Deployment
	reservations   map[string]reservation
	scripted       []error
	alwaysConflict bool
	reserveCalls   int
}

type reservation struct {
	serverID string
	req      domain.CapacityRequest
}

func newFakeServerRepo(servers ...*domain.Server) *fakeServerRepo {
	f := &fakeServerRepo{
		servers:      make(map[string]*domain.Server),
		inserted:     make(map[string]*domain.Deployment),
		reservations: make(map[string]reservation),
	}
	for _, s := range servers {
		f.servers[s.ID] = s
	}
	return f
}

func (f *fakeServerRepo) server(id string) domain.Server {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.servers[id]
}

func (f *fakeServerRepo) ListServersByRegion(_ context.Context, region string) ([]domain.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Server, 0, len(f.servers))
	for _, s := range f.servers {
		if s.Region == region {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeServerRepo) GetServerByID(_ context.Context, id string) (*domain.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (f *fakeServerRepo) ReserveCapacity(_ context.Context, serverID string, req domain.CapacityRequest, dep *domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserveCalls++
	if f.alwaysConflict {
		return repository.ErrCapacityConflict
	}
	if len(f.scripted) > 0 {
		err := f.scripted[0]
		f.scripted = f.scripted[1:]
		if err != nil {
			return err
		}
	}
	s, ok := f.servers[serverID]
	if !ok {
		return repository.ErrNotFound
	}
	if s.Status != domain.ServerStatusHealthy || !s.Fits(req) {
		return repository.ErrCapacityConflict
	}
	s.ReservedRAMMB += req.RAMMB
	s.ReservedCPUMillicores += req.CPUMillicores
	s.ReservedBandwidthGB += req.BandwidthGB
	f.inserted[dep.ID] = dep
	f.reservations[dep.ID] = reservation{serverID: serverID, req: req}
	return nil
}

func (f *fakeServerRepo) ReleaseCapacity(_ context.Context, deploymentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.reservations[deploymentID]
	if !ok {
		return false, nil
	}
	delete(f.reservations, deploymentID)
	s := f.servers[res.serverID]
	s.ReservedRAMMB -= res.req.RAMMB
	s.ReservedCPUMillicores -= res.req.CPUMillicores
	s.ReservedBandwidthGB -= res.req.BandwidthGB
	return true, nil
}
