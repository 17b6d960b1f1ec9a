package handlers

import (
	"log"
	"net/http"

	"github.com/akmatori/opsrelay/internal/api"
)

// handleListRunbooks handles GET /api/runbooks
func (h *APIHandler) handleListRunbooks(w http.ResponseWriter, r *http.Request) {
	page, errs := api.ParsePagination(r)
	if errs != nil {
		api.RespondValidationError(w, errs)
		return
	}

	result, err := h.incidents.ListRunbooks(r.Context(), page.Limit, page.Offset)
	if err != nil {
		respondServiceError(w, err, "list runbooks")
		return
	}
	api.RespondJSON(w, http.StatusOK, api.RunbookPageToResponse(result))
}

// handleReindexRunbooks handles POST /api/runbooks/reindex
func (h *APIHandler) handleReindexRunbooks(w http.ResponseWriter, r *http.Request) {
	if h.indexer == nil {
		api.RespondErrorWithCode(w, http.StatusServiceUnavailable, "runbooks_disabled", "Runbook ingestion is not configured")
		return
	}

	report, err := h.indexer.IngestFolder(r.Context())
	if err != nil {
		respondServiceError(w, err, "reindex runbooks")
		return
	}
	log.Printf("APIHandler: runbook reindex by %s: %d documents, %d chunks inserted, %d removed",
		actingUser(r), report.Documents, report.Inserted, len(report.Removed))
	api.RespondJSON(w, http.StatusOK, api.ReindexToResponse(report))
}

// handleDashboardMetrics handles GET /api/dashboard/metrics
func (h *APIHandler) handleDashboardMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.incidents.DashboardMetrics(r.Context())
	if err != nil {
		respondServiceError(w, err, "compute dashboard metrics")
		return
	}
	api.RespondJSON(w, http.StatusOK, m)
}
