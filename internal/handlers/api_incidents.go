package handlers

import (
	"log"
	"net/http"

	"github.com/akmatori/opsrelay/internal/api"
	"github.com/akmatori/opsrelay/internal/database"
	"github.com/akmatori/opsrelay/internal/middleware"
	"github.com/akmatori/opsrelay/internal/services"
)

// handleListIncidents handles GET /api/incidents
func (h *APIHandler) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	page, errs := api.ParsePagination(r)
	if errs != nil {
		api.RespondValidationError(w, errs)
		return
	}

	q := api.NewQueryParser(r)
	filter := services.IncidentFilter{
		Status:      database.IncidentStatus(q.OneOf("status", statusValues...)),
		Severity:    database.Severity(q.OneOf("severity", severityValues...)),
		Service:     q.String("service"),
		Team:        q.String("team"),
		Source:      q.String("source"),
		CreatedFrom: q.Time("created_from"),
		CreatedTo:   q.Time("created_to"),
		UpdatedFrom: q.Time("updated_from"),
		UpdatedTo:   q.Time("updated_to"),
		Limit:       page.Limit,
		Offset:      page.Offset,
	}
	if errs := q.Errors(); errs != nil {
		api.RespondValidationError(w, errs)
		return
	}

	result, err := h.incidents.ListIncidents(r.Context(), filter)
	if err != nil {
		respondServiceError(w, err, "list incidents")
		return
	}
	api.RespondJSON(w, http.StatusOK, api.IncidentPageToResponse(result))
}

// handleGetIncident handles GET /api/incidents/{id}
func (h *APIHandler) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, "Invalid incident ID")
		return
	}

	detail, err := h.incidents.GetIncidentDetail(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, "get incident")
		return
	}
	api.RespondJSON(w, http.StatusOK, api.IncidentDetailToResponse(detail))
}

// handleDeleteIncident handles DELETE /api/incidents/{id}
func (h *APIHandler) handleDeleteIncident(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, "Invalid incident ID")
		return
	}

	if err := h.incidents.DeleteIncident(r.Context(), id); err != nil {
		respondServiceError(w, err, "delete incident")
		return
	}
	log.Printf("APIHandler: incident #%d deleted by %s", id, actingUser(r))
	api.RespondNoContent(w)
}

// handleUpdateStatus handles PATCH /api/incidents/{id}/status
func (h *APIHandler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, "Invalid incident ID")
		return
	}

	var req api.UpdateStatusRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errs := api.Validate(req); errs != nil {
		api.RespondValidationError(w, errs)
		return
	}

	incident, err := h.grouping.TransitionStatus(r.Context(), id, database.IncidentStatus(req.Status), actingUser(r))
	if err != nil {
		respondServiceError(w, err, "update incident status")
		return
	}
	api.RespondJSON(w, http.StatusOK, incident)
}

// handleSimilarIncidents handles GET /api/incidents/{id}/similar
func (h *APIHandler) handleSimilarIncidents(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, "Invalid incident ID")
		return
	}
	limit, errs := api.ParseLimit(r, "limit", 0, services.MaxSimilarLimit)
	if errs != nil {
		api.RespondValidationError(w, errs)
		return
	}

	similar, err := h.similarity.SimilarIncidents(r.Context(), id, limit)
	if err != nil {
		respondServiceError(w, err, "find similar incidents")
		return
	}
	api.RespondJSON(w, http.StatusOK, api.SimilarIncidentsResponse{
		IncidentID: id,
		Items:      api.SimilarToResponse(similar),
	})
}

// handleSummarize handles POST /api/incidents/{id}/summarize
func (h *APIHandler) handleSummarize(w http.ResponseWriter, r *http.Request) {
	id, err := api.PathID(r, "id")
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, "Invalid incident ID")
		return
	}
	q := api.NewQueryParser(r)
	force := q.Bool("force")
	if errs := q.Errors(); errs != nil {
		api.RespondValidationError(w, errs)
		return
	}

	result, err := h.summary.Summarize(r.Context(), id, force)
	if err != nil {
		respondServiceError(w, err, "summarize incident")
		return
	}
	api.RespondJSON(w, http.StatusOK, api.SummaryToResponse(result))
}

// actingUser is the authenticated operator, or system when auth is off
func actingUser(r *http.Request) string {
	if user := middleware.GetUserFromContext(r.Context()); user != "" {
		return user
	}
	return "system"
}
