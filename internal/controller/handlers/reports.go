package handlers

import (
	"net/http"
	"strconv"

	"suiteplane/pkg/api"
)

const (
	defaultReportLimit = 20
	maxReportLimit     = 200
)

// ListReports handles GET /reports?suite_id=&limit=.
// Returns archived reports, newest first.
func (h *Handlers) ListReports(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		h.httpError(w, "Report archive not configured", http.StatusNotFound)
		return
	}

	limit := defaultReportLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.httpError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxReportLimit)
	}

	summaries, err := h.reports.List(r.Context(), r.URL.Query().Get("suite_id"), limit)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	resp := make([]api.ReportSummary, 0, len(summaries))
	for _, s := range summaries {
		resp = append(resp, api.ReportSummary{
			ExecutionID: s.ExecutionID.String(),
			SuiteID:     s.SuiteID,
			Status:      s.Status,
			PassRate:    s.PassRate,
			CompletedAt: s.CompletedAt,
		})
	}
	h.respondJson(w, http.StatusOK, resp)
}
