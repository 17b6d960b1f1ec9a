package api

import (
	"time"

	"github.com/akmatori/opsrelay/internal/database"
	"github.com/akmatori/opsrelay/internal/retrieval"
)

// ========== Webhook Types ==========

// WebhookResponse is returned for every accepted or duplicate delivery.
type WebhookResponse struct {
	Status     string `json:"status"`
	AlertID    uint   `json:"alert_id"`
	ExternalID string `json:"external_id"`
	Duplicate  bool   `json:"duplicate"`
}

// ========== Incident Types ==========

// UpdateStatusRequest is the request body for PATCH /api/incidents/{id}/status.
type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=open investigating resolved closed"`
}

// IncidentDetailResponse is an incident with its alerts and audit trail.
type IncidentDetailResponse struct {
	Incident database.Incident         `json:"incident"`
	Alerts   []database.Alert          `json:"alerts"`
	Actions  []database.IncidentAction `json:"actions"`
}

// SimilarIncidentResponse is one ranked similar incident.
type SimilarIncidentResponse struct {
	ID               uint                    `json:"id"`
	Title            string                  `json:"title"`
	Status           database.IncidentStatus `json:"status"`
	Severity         database.Severity       `json:"severity"`
	AffectedServices database.StringList     `json:"affected_services"`
	Score            float64                 `json:"score"`
	Breakdown        retrieval.Breakdown     `json:"breakdown"`
	CreatedAt        time.Time               `json:"created_at"`
}

// SimilarIncidentsResponse is the body of GET /api/incidents/{id}/similar.
type SimilarIncidentsResponse struct {
	IncidentID uint                      `json:"incident_id"`
	Items      []SimilarIncidentResponse `json:"items"`
}

// RunbookMatchResponse is one ranked runbook chunk.
type RunbookMatchResponse struct {
	ID             uint                `json:"id"`
	SourceDocument string              `json:"source_document"`
	ChunkIndex     int                 `json:"chunk_index"`
	Title          string              `json:"title"`
	Content        string              `json:"content"`
	Tags           database.StringList `json:"tags"`
	Score          float64             `json:"score"`
	Breakdown      retrieval.Breakdown `json:"breakdown"`
}

// SummaryResponse is the body of POST /api/incidents/{id}/summarize.
type SummaryResponse struct {
	IncidentID       uint                      `json:"incident_id"`
	Summary          string                    `json:"summary"`
	Citations        database.Citations        `json:"citations"`
	NextSteps        []string                  `json:"next_steps"`
	SimilarIncidents []SimilarIncidentResponse `json:"similar_incidents"`
	RunbookChunks    []RunbookMatchResponse    `json:"runbook_chunks"`
	Cached           bool                      `json:"cached"`
}

// ========== Runbook Types ==========

// ReindexResponse reports a runbook re-ingestion.
type ReindexResponse struct {
	Documents     int      `json:"documents"`
	Inserted      int      `json:"inserted"`
	Unchanged     int      `json:"unchanged"`
	Removed       []string `json:"removed"`
	CorpusVersion string   `json:"corpus_version"`
}

// ========== Auth Types ==========

// LoginRequest is the request body for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse carries a signed admin token.
type LoginResponse struct {
	Token     string `json:"token"`
	Username  string `json:"username"`
	ExpiresIn int    `json:"expires_in"`
}

// VerifyResponse is the body of GET /auth/verify.
type VerifyResponse struct {
	Valid    bool   `json:"valid"`
	Username string `json:"username"`
}

// ========== Health Types ==========

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}
