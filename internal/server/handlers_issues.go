package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/service/issues"
)

const defaultIssueLimit = 50

// HandleListIssues handles GET /issues. status accepts a comma-separated
// list.
func (h *Handlers) HandleListIssues(w http.ResponseWriter, r *http.Request) {
	var filter model.IssueFilter
	if v := r.URL.Query().Get("status"); v != "" {
		for s := range strings.SplitSeq(v, ",") {
			st := model.IssueStatus(strings.TrimSpace(s))
			if !st.Valid() {
				writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown status: "+string(st))
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	if v := r.URL.Query().Get("severity"); v != "" {
		filter.Severity = model.Severity(strings.ToUpper(v))
		if !filter.Severity.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown severity: "+v)
			return
		}
	}
	filter.AgentKey = queryFirst(r, "agent_key", "agentKey")

	limit := queryLimit(r, defaultIssueLimit, maxQueryLimit)
	offset := queryOffset(r)
	list, total, err := h.issues.List(r.Context(), filter, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list issues", err)
		return
	}
	if list == nil {
		list = []model.Issue{}
	}
	writeList(w, r, list, total, limit, offset)
}

// HandleGetIssue handles GET /issues/{id}.
func (h *Handlers) HandleGetIssue(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIssueID(w, r)
	if !ok {
		return
	}
	iss, err := h.issues.Get(r.Context(), id)
	if err != nil {
		h.writeIssueError(w, r, "failed to load issue", err)
		return
	}
	writeJSON(w, r, http.StatusOK, iss)
}

// HandleUpdateIssueStatus handles PUT /issues/{id}/status (admin-only).
// The tracker records the audit entry.
func (h *Handlers) HandleUpdateIssueStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIssueID(w, r)
	if !ok {
		return
	}
	var req model.UpdateIssueStatusRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !req.Status.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown status: "+string(req.Status))
		return
	}

	actor := ClaimsFromContext(r.Context()).ClientID
	iss, err := h.issues.Transition(r.Context(), id, req.Status, actor, req.Note)
	if err != nil {
		h.writeIssueError(w, r, "failed to update issue", err)
		return
	}
	writeJSON(w, r, http.StatusOK, iss)
}

func parseIssueID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid issue id: "+r.PathValue("id"))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) writeIssueError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	var rejected *issues.TransitionRejectedError
	switch {
	case errors.Is(err, issues.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "issue not found: "+r.PathValue("id"))
	case errors.As(err, &rejected):
		writeError(w, r, http.StatusConflict, model.ErrCodeInvalidTransition,
			"transition "+string(rejected.From)+" -> "+string(rejected.To)+" is not allowed")
	default:
		h.writeInternalError(w, r, msg, err)
	}
}
