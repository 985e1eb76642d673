package server

import (
	"errors"
	"net/http"

	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/service/settings"
)

// HandleListSettings handles GET /settings.
func (h *Handlers) HandleListSettings(w http.ResponseWriter, r *http.Request) {
	list, err := h.settings.List(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list settings", err)
		return
	}
	writeJSON(w, r, http.StatusOK, list)
}

// HandleSetSetting handles PUT /settings/{key} (admin-only).
func (h *Handlers) HandleSetSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var req model.SetSettingRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	actor := ClaimsFromContext(r.Context()).ClientID
	s, err := h.settings.Set(r.Context(), key, req.Value, actor)
	if err != nil {
		h.writeSettingError(w, r, "failed to update setting", err)
		return
	}
	h.recordMutationAuditBestEffort(r, "", "", "setting_updated", "setting", key, nil, s, nil)
	writeJSON(w, r, http.StatusOK, s)
}

// HandleResetSetting handles DELETE /settings/{key} (admin-only), restoring
// the static default.
func (h *Handlers) HandleResetSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := h.settings.Reset(r.Context(), key); err != nil {
		h.writeSettingError(w, r, "failed to reset setting", err)
		return
	}
	h.recordMutationAuditBestEffort(r, "", "", "setting_reset", "setting", key, nil, nil, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) writeSettingError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, settings.ErrUnknownKey):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown setting: "+r.PathValue("key"))
	case errors.Is(err, settings.ErrInvalidOverride):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	default:
		h.writeInternalError(w, r, msg, err)
	}
}
