package handlers

import (
	"context"
	"net/http"

	"github.com/akmatori/opsrelay/internal/runbooks"
	"github.com/akmatori/opsrelay/internal/services"
)

// RunbookIndexer re-ingests the runbook folder on demand
type RunbookIndexer interface {
	IngestFolder(ctx context.Context) (*runbooks.Report, error)
}

// APIHandler serves the incident, runbook and dashboard API
type APIHandler struct {
	incidents  *services.IncidentService
	grouping   *services.GroupingService
	similarity *services.SimilarityService
	summary    *services.SummaryService
	indexer    RunbookIndexer
}

// NewAPIHandler creates a new API handler. indexer may be nil, in which case
// reindexing is reported as unavailable.
func NewAPIHandler(
	incidents *services.IncidentService,
	grouping *services.GroupingService,
	similarity *services.SimilarityService,
	summary *services.SummaryService,
	indexer RunbookIndexer,
) *APIHandler {
	return &APIHandler{
		incidents:  incidents,
		grouping:   grouping,
		similarity: similarity,
		summary:    summary,
		indexer:    indexer,
	}
}

// SetupRoutes sets up all API routes
func (h *APIHandler) SetupRoutes(mux *http.ServeMux) {
	// Incidents
	mux.HandleFunc("GET /api/incidents", h.handleListIncidents)
	mux.HandleFunc("GET /api/incidents/{id}", h.handleGetIncident)
	mux.HandleFunc("DELETE /api/incidents/{id}", h.handleDeleteIncident)
	mux.HandleFunc("PATCH /api/incidents/{id}/status", h.handleUpdateStatus)
	mux.HandleFunc("GET /api/incidents/{id}/similar", h.handleSimilarIncidents)
	mux.HandleFunc("POST /api/incidents/{id}/summarize", h.handleSummarize)

	// Runbooks
	mux.HandleFunc("GET /api/runbooks", h.handleListRunbooks)
	mux.HandleFunc("POST /api/runbooks/reindex", h.handleReindexRunbooks)

	// Dashboard
	mux.HandleFunc("GET /api/dashboard/metrics", h.handleDashboardMetrics)

	// Docs
	mux.HandleFunc("GET /api/openapi.yaml", h.handleOpenAPISpec)
	mux.HandleFunc("GET /api/docs", h.handleDocs)
}
