// Package httpx wires HTTP endpoints to the admission and lifecycle services.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/berth-sh/berth/internal/domain"
	"github.com/berth-sh/berth/internal/service/access"
	"github.com/berth-sh/berth/internal/service/admission"
	"github.com/berth-sh/berth/internal/service/lifecycle"
	"github.com/berth-sh/berth/internal/service/logs"
	"github.com/berth-sh/berth/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	admission admission.Service
	lifecycle lifecycle.Service
	logs      logs.Service
	access    access.Checker
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	jwtSecret string
	dbHealth  func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWrite     = 30
	rateLimitRead      = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	listLimitDefault   = 20
	listLimitMax       = 100
)

// NewRouter assembles routes with dependencies.
func NewRouter(
	logger *slog.Logger,
	admissionSvc admission.Service,
	lifecycleSvc lifecycle.Service,
	logSvc logs.Service,
	accessChecker access.Checker,
	limiter RateLimiter,
	jwtSecret string,
	dbHealth func(context.Context) error,
) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		admission: admissionSvc,
		lifecycle: lifecycleSvc,
		logs:      logSvc,
		access:    accessChecker,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		jwtSecret: jwtSecret,
		dbHealth:  dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/projects/", r.audit("/projects/", r.handlerAuthRateSplit("/projects/", rateLimitWrite, rateLimitRead, rateWindowDefault, r.handleProjectSubroutes)))
	r.mux.HandleFunc("/deployments/", r.audit("/deployments/", r.handlerAuthRate("/deployments/", rateLimitRead, rateWindowDefault, r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/ws/deployments", r.audit("/ws/deployments", r.handlerAuthRate("/ws/deployments", rateLimitWebsocket, rateWindowRealtime, r.handleDeploymentWS)))
}

// handleProjectSubroutes dispatches /projects/{id}/(deployments|wake).
func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	projectID, action, ok := splitSubroute(req.URL.Path, "/projects/")
	if !ok {
		r.notFound(w)
		return
	}
	switch action {
	case "deployments":
		switch req.Method {
		case http.MethodPost:
			r.handleCreateDeployment(w, req, projectID)
		case http.MethodGet:
			r.handleListDeployments(w, req, projectID)
		default:
			r.methodNotAllowed(w)
		}
	default:
		r.notFound(w)
	}
}

// handleDeploymentSubroutes dispatches /deployments/{id} and its actions.
func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	deploymentID, action, ok := splitSubroute(req.URL.Path, "/deployments/")
	if !ok {
		r.notFound(w)
		return
	}
	switch action {
	case "":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.handleGetDeployment(w, req, deploymentID)
	case "logs":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.handleDeploymentLogs(w, req, deploymentID)
	case "cancel":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		r.handleCancel(w, req, deploymentID)
	case "rollback":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		r.handleRollback(w, req, deploymentID)
	case "promote":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		r.handlePromote(w, req, deploymentID)
	case "wake":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		r.handleWake(w, req, deploymentID)
	default:
		r.notFound(w)
	}
}

type createDeploymentPayload struct {
	Environment  string            `json:"environment,omitempty"`
	Domain       string            `json:"domain,omitempty"`
	GitRef       string            `json:"git_ref,omitempty"`
	CommitSHA    string            `json:"commit_sha,omitempty"`
	BuildCommand string            `json:"build_command,omitempty"`
	StartCommand string            `json:"start_command,omitempty"`
	Port         int               `json:"port,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Trigger      string            `json:"trigger,omitempty"`
}

func (r *Router) handleCreateDeployment(w http.ResponseWriter, req *http.Request, projectID string) {
	info, ok := r.requireRole(w, req, domain.RoleMember)
	if !ok {
		return
	}
	// An empty body is a deploy with project defaults.
	var payload createDeploymentPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	trigger := payload.Trigger
	if trigger == "" {
		trigger = admission.TriggerManual
	}
	result, err := r.admission.Create(req.Context(), admission.CreateInput{
		ProjectID:      projectID,
		ActorUserID:    info.UserID,
		Trigger:        trigger,
		Environment:    payload.Environment,
		Domain:         payload.Domain,
		GitRef:         payload.GitRef,
		CommitSHA:      payload.CommitSHA,
		BuildCommand:   payload.BuildCommand,
		StartCommand:   payload.StartCommand,
		Port:           payload.Port,
		Env:            payload.Env,
		IdempotencyKey: strings.TrimSpace(req.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	status := http.StatusAccepted
	if result.IdempotentReplay {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (r *Router) handleListDeployments(w http.ResponseWriter, req *http.Request, projectID string) {
	if _, ok := r.requireRole(w, req, domain.RoleViewer); !ok {
		return
	}
	limit := listLimitDefault
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if parsed > listLimitMax {
			parsed = listLimitMax
		}
		limit = parsed
	}
	deployments, err := r.admission.ListByProject(req.Context(), projectID, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": deploymentSummaries(deployments)})
}

func (r *Router) handleGetDeployment(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if _, ok := r.requireRole(w, req, domain.RoleViewer); !ok {
		return
	}
	dep, err := r.admission.Get(req.Context(), deploymentID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deploymentSummary(*dep))
}

func (r *Router) handleDeploymentLogs(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if _, ok := r.requireRole(w, req, domain.RoleViewer); !ok {
		return
	}
	limit := 100
	offset := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if raw := req.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	entries, err := r.logs.List(req.Context(), deploymentID, limit, offset)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logEntries(entries)})
}

func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request, deploymentID string) {
	info, ok := r.requireRole(w, req, domain.RoleMember)
	if !ok {
		return
	}
	if err := r.lifecycle.Cancel(req.Context(), deploymentID, info.UserID, info.OrganizationID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"deployment_id": deploymentID,
		"status":        domain.DeploymentStatusFailed,
	})
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request, deploymentID string) {
	info, ok := r.requireRole(w, req, domain.RoleAdmin)
	if !ok {
		return
	}
	result, err := r.lifecycle.Rollback(req.Context(), deploymentID, info.UserID, info.OrganizationID,
		strings.TrimSpace(req.Header.Get("Idempotency-Key")))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (r *Router) handlePromote(w http.ResponseWriter, req *http.Request, deploymentID string) {
	info, ok := r.requireRole(w, req, domain.RoleAdmin)
	if !ok {
		return
	}
	result, err := r.lifecycle.Promote(req.Context(), deploymentID, info.UserID, info.OrganizationID,
		strings.TrimSpace(req.Header.Get("Idempotency-Key")))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (r *Router) handleWake(w http.ResponseWriter, req *http.Request, deploymentID string) {
	info, ok := r.requireRole(w, req, domain.RoleMember)
	if !ok {
		return
	}
	result, err := r.lifecycle.Wake(req.Context(), deploymentID, info.UserID, info.OrganizationID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (r *Router) handleDeploymentWS(w http.ResponseWriter, req *http.Request) {
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.logger.Error("auth context missing for deployment websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	deploymentID := req.URL.Query().Get("id")
	if deploymentID == "" {
		writeError(w, http.StatusBadRequest, "id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.logs.Hub().Register(deploymentID, client)
	go func() {
		defer func() {
			r.logs.Hub().Unregister(deploymentID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// requireRole resolves the caller and checks their organization role.
func (r *Router) requireRole(w http.ResponseWriter, req *http.Request, minRole string) (authInfo, bool) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return authInfo{}, false
	}
	if info.OrganizationID == "" {
		writeError(w, http.StatusForbidden, "token carries no organization")
		return authInfo{}, false
	}
	if err := r.access.RequireOrganizationRole(req.Context(), info.UserID, info.OrganizationID, minRole); err != nil {
		writeAppError(w, err)
		return authInfo{}, false
	}
	return info, true
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			fields = append(fields, "user_id", info.UserID)
			if info.OrganizationID != "" {
				fields = append(fields, "organization_id", info.OrganizationID)
			}
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if flusher, ok := sr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not support hijacking")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := sr.ResponseWriter.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

// splitSubroute parses "<prefix>{id}" and "<prefix>{id}/{action}".
func splitSubroute(path, prefix string) (id, action string, ok bool) {
	rest := strings.TrimPrefix(path, prefix)
	if rest == path || rest == "" {
		return "", "", false
	}
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	if parts[0] == "" {
		return "", "", false
	}
	if len(parts) == 2 {
		return parts[0], parts[1], true
	}
	return parts[0], "", true
}

func deploymentSummary(dep domain.Deployment) map[string]any {
	summary := map[string]any{
		"deployment_id": dep.ID,
		"project_id":    dep.ProjectID,
		"server_id":     dep.ServerID,
		"environment":   dep.Environment,
		"status":        dep.Status,
		"domain":        dep.Domain,
		"url":           "https://" + dep.Domain,
		"branch":        dep.Branch,
		"commit_sha":    dep.CommitSHA,
		"created_at":    dep.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if dep.ErrorMessage != "" {
		summary["error"] = dep.ErrorMessage
	}
	if dep.FinishedAt != nil {
		summary["finished_at"] = dep.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	return summary
}

func deploymentSummaries(deps []domain.Deployment) []map[string]any {
	out := make([]map[string]any, 0, len(deps))
	for _, dep := range deps {
		out = append(out, deploymentSummary(dep))
	}
	return out
}

func logEntries(entries []domain.DeploymentLog) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		out = append(out, map[string]any{
			"id":         entry.ID,
			"level":      entry.Level,
			"message":    entry.Message,
			"created_at": entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "resource not found")
}
