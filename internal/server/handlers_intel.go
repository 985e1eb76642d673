package server

import (
	"errors"
	"net/http"

	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/pipeline"
	"github.com/holidaibutler/warden/internal/service/briefing"
	"github.com/holidaibutler/warden/internal/storage"
)

// HandleIntelligenceReport handles GET /intelligence/report: the latest
// correlation pass.
func (h *Handlers) HandleIntelligenceReport(w http.ResponseWriter, r *http.Request) {
	h.writeLatestReport(w, r, model.FindingCorrelation)
}

// HandleAnomalyReport handles GET /anomalies/report: the latest anomaly scan.
func (h *Handlers) HandleAnomalyReport(w http.ResponseWriter, r *http.Request) {
	h.writeLatestReport(w, r, model.FindingAnomaly)
}

func (h *Handlers) writeLatestReport(w http.ResponseWriter, r *http.Request, kind model.FindingKind) {
	rep, err := h.reports.LatestScanReport(r.Context(), kind)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no "+string(kind)+" report yet")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to load report", err)
		return
	}
	writeJSON(w, r, http.StatusOK, rep)
}

// HandleLatestBriefing handles GET /briefing/latest. format=markdown returns
// the rendered report instead of the JSON digest.
func (h *Handlers) HandleLatestBriefing(w http.ResponseWriter, r *http.Request) {
	d, err := h.briefings.Latest(r.Context())
	if errors.Is(err, briefing.ErrNoBriefing) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no briefing composed yet")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to load briefing", err)
		return
	}
	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(briefing.Markdown(d)))
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandleRunJob handles POST /jobs/{name}/run (admin-only). The pass runs
// synchronously.
func (h *Handlers) HandleRunJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := h.jobs.RunNow(r.Context(), name)
	if errors.Is(err, pipeline.ErrUnknownJob) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown job: "+name)
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "job "+name+" failed", err)
		return
	}
	h.recordMutationAuditBestEffort(r, "", "", "job_triggered", "job", name, nil, nil, nil)
	writeJSON(w, r, http.StatusOK, map[string]string{"job": name, "status": "completed"})
}
