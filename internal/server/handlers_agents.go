package server

import (
	"errors"
	"net/http"

	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/service/registry"
	"github.com/holidaibutler/warden/internal/service/runs"
)

const defaultResultsLimit = 20

// HandleAgentStatus handles GET /agents/status. An optional state query
// parameter narrows the list.
func (h *Handlers) HandleAgentStatus(w http.ResponseWriter, r *http.Request) {
	all, err := h.statuses.All(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to compute agent status", err)
		return
	}
	state := model.AgentState(r.URL.Query().Get("state"))
	if state == "" {
		writeJSON(w, r, http.StatusOK, all)
		return
	}
	out := make([]model.AgentStatus, 0, len(all))
	for _, st := range all {
		if st.State == state {
			out = append(out, st)
		}
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleAgentStatusOne handles GET /agents/{key}/status.
func (h *Handlers) HandleAgentStatusOne(w http.ResponseWriter, r *http.Request) {
	st, err := h.statuses.Get(r.Context(), r.PathValue("key"))
	if err != nil {
		h.writeAgentError(w, r, "failed to compute agent status", err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

// HandleAgentResults handles GET /agents/{key}/results.
func (h *Handlers) HandleAgentResults(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultResultsLimit, runs.MaxResults)
	results, err := h.runs.Results(r.Context(), r.PathValue("key"), limit)
	if err != nil {
		h.writeAgentError(w, r, "failed to load results", err)
		return
	}
	writeJSON(w, r, http.StatusOK, results)
}

// HandleDeactivateAgent handles PUT /agents/{key}/deactivate (admin-only).
func (h *Handlers) HandleDeactivateAgent(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var req model.DeactivateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	before, err := h.registry.Get(r.Context(), key)
	if err != nil {
		h.writeAgentError(w, r, "failed to load agent", err)
		return
	}
	after, err := h.registry.Deactivate(r.Context(), key, req.Reason)
	if err != nil {
		h.writeAgentError(w, r, "failed to deactivate agent", err)
		return
	}

	h.recordMutationAuditBestEffort(r, "", "", "agent_deactivated", "agent", key, before, after,
		map[string]any{"reason": req.Reason})
	writeJSON(w, r, http.StatusOK, after)
}

// HandleActivateAgent handles PUT /agents/{key}/activate (admin-only).
func (h *Handlers) HandleActivateAgent(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	before, err := h.registry.Get(r.Context(), key)
	if err != nil {
		h.writeAgentError(w, r, "failed to load agent", err)
		return
	}
	after, err := h.registry.Activate(r.Context(), key)
	if err != nil {
		h.writeAgentError(w, r, "failed to activate agent", err)
		return
	}
	h.recordMutationAuditBestEffort(r, "", "", "agent_activated", "agent", key, before, after, nil)
	writeJSON(w, r, http.StatusOK, after)
}

// writeAgentError maps registry errors onto responses.
func (h *Handlers) writeAgentError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found: "+r.PathValue("key"))
	case errors.Is(err, registry.ErrReasonRequired):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reason is required")
	default:
		h.writeInternalError(w, r, msg, err)
	}
}
