package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/holidaibutler/warden/internal/auth"
	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	registry            Registry
	statuses            Statuses
	runs                Runs
	issues              Issues
	reports             Reports
	briefings           Briefings
	settings            Settings
	jobs                Jobs
	scheduler           Scheduler
	jwtMgr              *auth.JWTManager
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	notifier            string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// NewHandlers creates Handlers from a server config.
func NewHandlers(cfg Config) *Handlers {
	return &Handlers{
		store:               cfg.Store,
		registry:            cfg.Registry,
		statuses:            cfg.Statuses,
		runs:                cfg.Runs,
		issues:              cfg.Issues,
		reports:             cfg.Reports,
		briefings:           cfg.Briefings,
		settings:            cfg.Settings,
		jobs:                cfg.Jobs,
		scheduler:           cfg.Scheduler,
		jwtMgr:              cfg.JWTMgr,
		logger:              cfg.Logger,
		startedAt:           time.Now(),
		version:             cfg.Version,
		notifier:            cfg.Notifier,
		maxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		openapiSpec:         cfg.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ClientID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "client_id and api_key are required")
		return
	}

	client, err := h.store.GetAPIClient(r.Context(), req.ClientID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.writeInternalError(w, r, "failed to look up client", err)
			return
		}
		// Keep unknown clients as slow as wrong keys.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	valid, err := auth.VerifyAPIKey(req.APIKey, client.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(client)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	h.recordMutationAuditBestEffort(r, client.ClientID, string(client.Role),
		"token_issued", "auth_token", client.ClientID, nil, nil,
		map[string]any{
			"ip":         r.RemoteAddr,
			"user_agent": r.UserAgent(),
			"token_exp":  expiresAt,
		},
	)

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Postgres:  "connected",
		Scheduler: "disabled",
		Notifier:  h.notifier,
		Uptime:    int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		resp.Postgres = "disconnected"
		resp.Status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	if h.scheduler != nil {
		resp.Scheduler = "running"
		resp.InFlight = h.scheduler.InFlight()
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI document.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// SeedAdmin creates the initial admin client if no clients exist.
func (h *Handlers) SeedAdmin(ctx context.Context, adminAPIKey string) error {
	count, err := h.store.CountAPIClients(ctx)
	if err != nil {
		return fmt.Errorf("seed admin: count clients: %w", err)
	}
	if adminAPIKey == "" {
		if count == 0 {
			return fmt.Errorf("seed admin: WARDEN_ADMIN_API_KEY is empty and no API clients exist; set it to bootstrap admin access")
		}
		h.logger.Info("no admin API key configured, skipping admin seed", "existing_clients", count)
		return nil
	}
	if count > 0 {
		h.logger.Info("api clients exist, skipping admin seed")
		return nil
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}
	if _, err := h.store.CreateAPIClient(ctx, model.APIClient{
		ClientID:   "admin",
		Name:       "System Admin",
		Role:       model.RoleAdmin,
		APIKeyHash: hash,
	}); err != nil {
		return fmt.Errorf("seed admin: create client: %w", err)
	}
	h.logger.Info("seeded initial admin client")
	return nil
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// --- Shared helpers ---

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 500

// maxQueryOffset prevents absurdly large offset values.
const maxQueryOffset = 100_000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a limit clamped to [1, maxLimit].
func queryLimit(r *http.Request, defaultVal, maxLimit int) int {
	return min(max(queryInt(r, "limit", defaultVal), 1), maxLimit)
}

// queryOffset returns a bounded, non-negative offset.
func queryOffset(r *http.Request) int {
	return min(max(queryInt(r, "offset", 0), 0), maxQueryOffset)
}

// queryFirst returns the first non-empty value among keys.
func queryFirst(r *http.Request, keys ...string) string {
	q := r.URL.Query()
	for _, k := range keys {
		if v := q.Get(k); v != "" {
			return v
		}
	}
	return ""
}
