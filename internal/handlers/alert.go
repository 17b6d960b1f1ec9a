package handlers

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/akmatori/opsrelay/internal/api"
	"github.com/akmatori/opsrelay/internal/database"
	"github.com/akmatori/opsrelay/internal/metrics"
	"github.com/akmatori/opsrelay/internal/middleware"
	"github.com/akmatori/opsrelay/internal/services"
)

// TaskNotifier is woken after new enrichment work was queued
type TaskNotifier interface {
	Notify()
}

// AlertHandler receives vendor webhooks and serves the alert API
type AlertHandler struct {
	ingest     *services.IngestService
	incidents  *services.IncidentService
	enrichment *services.EnrichmentService
	limiter    *middleware.RateLimiter
	notifier   TaskNotifier
}

// NewAlertHandler creates a new alert handler. limiter and notifier may be
// nil.
func NewAlertHandler(
	ingest *services.IngestService,
	incidents *services.IncidentService,
	enrichment *services.EnrichmentService,
	limiter *middleware.RateLimiter,
	notifier TaskNotifier,
) *AlertHandler {
	return &AlertHandler{
		ingest:     ingest,
		incidents:  incidents,
		enrichment: enrichment,
		limiter:    limiter,
		notifier:   notifier,
	}
}

// SetupRoutes sets up the authenticated alert routes
func (h *AlertHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/alerts", h.handleListAlerts)
	mux.HandleFunc("POST /api/alerts/{id}/reprocess", h.handleReprocessAlert)
}

// HandleWebhook stores one vendor delivery and queues its enrichment.
// Route: POST /webhook/{source}
func (h *AlertHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")

	if h.limiter != nil && !h.limiter.Allow(source) {
		metrics.AlertsIngested.WithLabelValues(source, "rate_limited").Inc()
		log.Printf("Webhook: rate limited %s delivery from %s", source, r.RemoteAddr)
		h.limiter.Reject(w)
		return
	}

	header, err := h.ingest.SignatureHeader(source)
	if err != nil {
		respondServiceError(w, err, "resolve alert source")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, api.MaxBodySize))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			api.RespondError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		api.RespondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	result, err := h.ingest.Ingest(r.Context(), source, body, r.Header.Get(header))
	if err != nil {
		if errors.Is(err, services.ErrAuth) {
			log.Printf("Webhook: rejected %s delivery from %s: %v", source, r.RemoteAddr, err)
		}
		respondServiceError(w, err, "ingest alert")
		return
	}

	if !result.Duplicate && h.notifier != nil {
		h.notifier.Notify()
	}

	api.RespondJSON(w, http.StatusOK, api.WebhookResponse{
		Status:     "received",
		AlertID:    result.AlertID,
		ExternalID: result.ExternalID,
		Duplicate:  result.Duplicate,
	})
}

// handleListAlerts handles GET /api/alerts
func (h *AlertHandler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	page, errs := api.ParsePagination(r)
	if errs != nil {
		api.RespondValidationError(w, errs)
		return
	}

	q := api.NewQueryParser(r)
	filter := services.AlertFilter{
		Source:      q.String("source"),
		Severity:    database.Severity(q.OneOf("severity", severityValues...)),
		Service:     q.String("service"),
		Environment: q.String("environment"),
		IncidentID:  q.Uint("incident_id"),
		CreatedFrom: q.Time("created_from"),
		CreatedTo:   q.Time("created_to"),
		Limit:       page.Limit,
		Offset:      page.Offset,
	}
	if errs := q.Errors(); errs != nil {
		api.RespondValidationError(w, errs)
		return
	}

	result, err := h.incidents.ListAlerts(r.Context(), filter)
	if err != nil {
		respondServiceError(w, err, "list alerts")
		return
	}
	api.RespondJSON(w, http.StatusOK, api.AlertPageToResponse(result))
}

// handleReprocessAlert handles POST /api/alerts/{id}/reprocess
func (h *AlertHandler) handleReprocessAlert(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, "Invalid alert ID")
		return
	}

	task, err := h.enrichment.Reprocess(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, "queue alert reprocessing")
		return
	}
	if h.notifier != nil {
		h.notifier.Notify()
	}
	api.RespondJSON(w, http.StatusAccepted, task)
}

var (
	severityValues = []string{
		string(database.SeverityInfo),
		string(database.SeverityWarning),
		string(database.SeverityError),
		string(database.SeverityCritical),
	}
	statusValues = []string{
		string(database.IncidentStatusOpen),
		string(database.IncidentStatusInvestigating),
		string(database.IncidentStatusResolved),
		string(database.IncidentStatusClosed),
	}
)
