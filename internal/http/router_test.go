package httpx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"log/slog"

	"github.com/berth-sh/berth/internal/apperr"
	"github.com/berth-sh/berth/internal/auth"
	"github.com/berth-sh/berth/internal/domain"
	"github.com/berth-sh/berth/internal/service/admission"
	"github.com/berth-sh/berth/internal/service/lifecycle"
	"github.com/berth-sh/berth/internal/service/logs"
)

type allowAllAccess struct{}

func (allowAllAccess) RequireOrganizationRole(_ context.Context, _, _, _ string) error {
	return nil
}

const testSecret = "router-test-secret"

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRouter(logger, admission.Service{}, lifecycle.Service{}, logs.Service{},
		allowAllAccess{}, NewMemoryRateLimiter(), testSecret, nil)
	t.Cleanup(r.Close)
	return r
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc123", want: "abc123"},
		{name: "case insensitive scheme", header: "bearer abc123", want: "abc123"},
		{name: "missing", header: "", wantErr: true},
		{name: "wrong scheme", header: "Basic abc123", wantErr: true},
		{name: "no token", header: "Bearer", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := bearerToken(tc.header)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("bearerToken(%q) expected error", tc.header)
				}
				return
			}
			if err != nil {
				t.Fatalf("bearerToken(%q) error = %v", tc.header, err)
			}
			if got != tc.want {
				t.Errorf("bearerToken(%q) = %q, want %q", tc.header, got, tc.want)
			}
		})
	}
}

func TestSplitSubroute(t *testing.T) {
	cases := []struct {
		path       string
		prefix     string
		id, action string
		ok         bool
	}{
		{path: "/deployments/dep-1", prefix: "/deployments/", id: "dep-1", ok: true},
		{path: "/deployments/dep-1/cancel", prefix: "/deployments/", id: "dep-1", action: "cancel", ok: true},
		{path: "/projects/p-1/deployments", prefix: "/projects/", id: "p-1", action: "deployments", ok: true},
		{path: "/deployments/", prefix: "/deployments/", ok: false},
		{path: "/other/dep-1", prefix: "/deployments/", ok: false},
	}
	for _, tc := range cases {
		id, action, ok := splitSubroute(tc.path, tc.prefix)
		if ok != tc.ok || id != tc.id || action != tc.action {
			t.Errorf("splitSubroute(%q, %q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.path, tc.prefix, id, action, ok, tc.id, tc.action, tc.ok)
		}
	}
}

func TestWriteAppErrorMapsKinds(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{apperr.New(apperr.KindValidation, "bad"), http.StatusBadRequest},
		{apperr.New(apperr.KindNotFound, "gone"), http.StatusNotFound},
		{apperr.New(apperr.KindPaymentRequired, "pay up"), http.StatusPaymentRequired},
		{apperr.New(apperr.KindConflict, "busy"), http.StatusConflict},
		{apperr.New(apperr.KindContention, "contended"), http.StatusServiceUnavailable},
		{apperr.New(apperr.KindUnavailable, "down"), http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeAppError(rec, tc.err)
		if rec.Code != tc.status {
			t.Errorf("writeAppError(%v) status = %d, want %d", tc.err, rec.Code, tc.status)
		}
	}
}

func TestWriteAppErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	writeAppError(rec, io.ErrUnexpectedEOF)

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "internal error" {
		t.Errorf("internal errors must be opaque, got %q", body["error"])
	}
}

func TestRoutesRequireAuth(t *testing.T) {
	r := newTestRouter(t)
	paths := []struct {
		method, path string
	}{
		{http.MethodPost, "/projects/p-1/deployments"},
		{http.MethodGet, "/deployments/dep-1"},
		{http.MethodPost, "/deployments/dep-1/cancel"},
		{http.MethodPost, "/deployments/dep-1/wake"},
	}
	for _, tc := range paths {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token = %d, want 401", tc.method, tc.path, rec.Code)
		}
	}
}

func TestRejectsExpiredToken(t *testing.T) {
	r := newTestRouter(t)
	token, err := auth.GenerateToken("user-1", "org-1", testSecret, -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/deployments/dep-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expired token = %d, want 401", rec.Code)
	}
}

func TestHealthzReportsComponents(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRouter(logger, admission.Service{}, lifecycle.Service{}, logs.Service{},
		allowAllAccess{}, NewMemoryRateLimiter(), testSecret,
		func(context.Context) error { return nil })
	defer r.Close()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestMemoryRateLimiterEnforcesWindow(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()

	for i := 0; i < 3; i++ {
		if decision := rl.Allow("user:1", 3, time.Minute); !decision.allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if decision := rl.Allow("user:1", 3, time.Minute); decision.allowed {
		t.Error("fourth request should be limited")
	}
	if decision := rl.Allow("user:2", 3, time.Minute); !decision.allowed {
		t.Error("separate key must have its own window")
	}
}

func TestLimitForMethod(t *testing.T) {
	cases := []struct {
		method string
		want   int
	}{
		{http.MethodGet, rateLimitRead},
		{http.MethodHead, rateLimitRead},
		{http.MethodPost, rateLimitWrite},
		{http.MethodDelete, rateLimitWrite},
	}
	for _, tc := range cases {
		if got := limitForMethod(tc.method, rateLimitWrite, rateLimitRead); got != tc.want {
			t.Errorf("limitForMethod(%s) = %d, want %d", tc.method, got, tc.want)
		}
	}
}

func TestProjectReadsGetReadBudget(t *testing.T) {
	r := newTestRouter(t)
	handler := r.rateByMethod("/projects/", rateLimitWrite, rateLimitRead, time.Minute,
		func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	cases := []struct {
		method string
		want   string
	}{
		{http.MethodGet, "120"},
		{http.MethodPost, "30"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, "/projects/proj-1/deployments", nil)
		rec := httptest.NewRecorder()
		handler(rec, req)
		if got := rec.Header().Get("X-RateLimit-Limit"); got != tc.want {
			t.Errorf("%s X-RateLimit-Limit = %q, want %q", tc.method, got, tc.want)
		}
	}
}

func TestDeploymentSummaryShape(t *testing.T) {
	finished := time.Date(2026, time.August, 1, 10, 0, 0, 0, time.UTC)
	dep := domain.Deployment{
		ID:           "dep-1",
		ProjectID:    "proj-1",
		Environment:  domain.EnvironmentProduction,
		Status:       domain.DeploymentStatusFailed,
		Domain:       "storefront.acme.berth.sh",
		ErrorMessage: "canceled by user",
		CreatedAt:    finished.Add(-time.Hour),
		FinishedAt:   &finished,
	}
	summary := deploymentSummary(dep)
	if summary["url"] != "https://storefront.acme.berth.sh" {
		t.Errorf("url = %v", summary["url"])
	}
	if summary["error"] != "canceled by user" {
		t.Errorf("error = %v", summary["error"])
	}
	if summary["finished_at"] != finished.Format(time.RFC3339Nano) {
		t.Errorf("finished_at = %v", summary["finished_at"])
	}
}
