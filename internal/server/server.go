// Package server implements the Warden HTTP API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/holidaibutler/warden/internal/auth"
	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/ratelimit"
)

// Registry manages agent descriptors.
type Registry interface {
	Get(ctx context.Context, key string) (model.AgentDescriptor, error)
	Deactivate(ctx context.Context, key, reason string) (model.AgentDescriptor, error)
	Activate(ctx context.Context, key string) (model.AgentDescriptor, error)
}

// Statuses computes agent statuses on demand.
type Statuses interface {
	All(ctx context.Context) ([]model.AgentStatus, error)
	Get(ctx context.Context, key string) (model.AgentStatus, error)
}

// Runs records and reads agent executions.
type Runs interface {
	Submit(ctx context.Context, req model.CreateRunRequest) (model.RunRecord, bool, error)
	Results(ctx context.Context, agentKey string, limit int) ([]model.RunResult, error)
}

// Issues is the issue tracker.
type Issues interface {
	List(ctx context.Context, filter model.IssueFilter, limit, offset int) ([]model.Issue, int, error)
	Get(ctx context.Context, id uuid.UUID) (model.Issue, error)
	Transition(ctx context.Context, id uuid.UUID, to model.IssueStatus, actor, note string) (model.Issue, error)
}

// Reports serves the latest scan reports.
type Reports interface {
	LatestScanReport(ctx context.Context, kind model.FindingKind) (model.ScanReport, error)
}

// Briefings serves the latest digest.
type Briefings interface {
	Latest(ctx context.Context) (model.Digest, error)
}

// Settings manages runtime overrides.
type Settings interface {
	List(ctx context.Context) ([]model.Setting, error)
	Set(ctx context.Context, key, value, actor string) (model.Setting, error)
	Reset(ctx context.Context, key string) error
}

// Jobs triggers background passes on demand.
type Jobs interface {
	RunNow(ctx context.Context, name string) error
}

// Scheduler reports dispatcher load.
type Scheduler interface {
	InFlight() int
}

// Store holds API credentials and the mutation audit log. *storage.DB
// satisfies it.
type Store interface {
	GetAPIClient(ctx context.Context, clientID string) (model.APIClient, error)
	CountAPIClients(ctx context.Context) (int, error)
	CreateAPIClient(ctx context.Context, c model.APIClient) (model.APIClient, error)
	InsertMutationAudit(ctx context.Context, e model.MutationAuditEntry) error
	Ping(ctx context.Context) error
}

// Server is the Warden HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Config holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Jobs, Scheduler, Limiter, MCPServer,
// OpenAPISpec.
type Config struct {
	// Required dependencies.
	Store     Store
	Registry  Registry
	Statuses  Statuses
	Runs      Runs
	Issues    Issues
	Reports   Reports
	Briefings Briefings
	Settings  Settings
	JWTMgr    *auth.JWTManager
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Jobs      Jobs
	Scheduler Scheduler
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// Notifier names the briefing delivery backend for /health.
	Notifier string

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(cfg)

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	authRL := ratelimit.Middleware(cfg.Limiter, "auth", ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)
	ingestRL := ratelimit.Middleware(cfg.Limiter, "runs", clientKeyFunc, reqIDFunc, cfg.Logger)

	readRole := requireRole(model.RoleReader)
	agentRole := requireRole(model.RoleAgent)
	adminOnly := requireRole(model.RoleAdmin)

	mux := http.NewServeMux()

	// Auth (no token required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Agents.
	mux.Handle("GET /agents/status", readRole(http.HandlerFunc(h.HandleAgentStatus)))
	mux.Handle("GET /agents/{key}/status", readRole(http.HandlerFunc(h.HandleAgentStatusOne)))
	mux.Handle("GET /agents/{key}/results", readRole(http.HandlerFunc(h.HandleAgentResults)))
	mux.Handle("PUT /agents/{key}/deactivate", adminOnly(http.HandlerFunc(h.HandleDeactivateAgent)))
	mux.Handle("PUT /agents/{key}/activate", adminOnly(http.HandlerFunc(h.HandleActivateAgent)))

	// Run ingestion (agent+, rate limited per client).
	mux.Handle("POST /runs", ingestRL(agentRole(http.HandlerFunc(h.HandleCreateRun))))

	// Issues.
	mux.Handle("GET /issues", readRole(http.HandlerFunc(h.HandleListIssues)))
	mux.Handle("GET /issues/{id}", readRole(http.HandlerFunc(h.HandleGetIssue)))
	mux.Handle("PUT /issues/{id}/status", adminOnly(http.HandlerFunc(h.HandleUpdateIssueStatus)))

	// Intelligence.
	mux.Handle("GET /intelligence/report", readRole(http.HandlerFunc(h.HandleIntelligenceReport)))
	mux.Handle("GET /anomalies/report", readRole(http.HandlerFunc(h.HandleAnomalyReport)))
	mux.Handle("GET /briefing/latest", readRole(http.HandlerFunc(h.HandleLatestBriefing)))

	// Settings (admin writes).
	mux.Handle("GET /settings", readRole(http.HandlerFunc(h.HandleListSettings)))
	mux.Handle("PUT /settings/{key}", adminOnly(http.HandlerFunc(h.HandleSetSetting)))
	mux.Handle("DELETE /settings/{key}", adminOnly(http.HandlerFunc(h.HandleResetSetting)))

	// Manual pass triggers.
	if cfg.Jobs != nil {
		mux.Handle("POST /jobs/{name}/run", adminOnly(http.HandlerFunc(h.HandleRunJob)))
	}

	// MCP StreamableHTTP transport (auth required, reader+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", readRole(mcpHTTP))
	}

	// No auth, no rate limit.
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// clientKeyFunc keys ingestion limits on the authenticated client. Admins
// are exempt.
func clientKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil || model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return claims.ClientID
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers for access to SeedAdmin.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
