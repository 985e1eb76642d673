package server

import (
	"errors"
	"net/http"

	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/service/registry"
	"github.com/holidaibutler/warden/internal/service/runs"
)

// HandleCreateRun handles POST /runs. Agent-role clients bound to an agent
// key may only report for that agent. Replays of a recorded run identity
// return 200 with duplicate=true.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req model.CreateRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	claims := ClaimsFromContext(r.Context())
	if claims.Role == model.RoleAgent && claims.AgentKey != "" && claims.AgentKey != req.AgentKey {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden,
			"client may only report runs for agent "+claims.AgentKey)
		return
	}

	rec, inserted, err := h.runs.Submit(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, runs.ErrInvalidRun), errors.Is(err, runs.ErrUnknownDestination):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found: "+req.AgentKey)
		return
	default:
		h.writeInternalError(w, r, "failed to record run", err)
		return
	}

	status := http.StatusCreated
	if !inserted {
		status = http.StatusOK
	}
	writeJSON(w, r, status, model.CreateRunResponse{Run: rec, Duplicate: !inserted})
}
