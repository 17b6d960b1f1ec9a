package api

import (
	"github.com/akmatori/opsrelay/internal/database"
	"github.com/akmatori/opsrelay/internal/runbooks"
	"github.com/akmatori/opsrelay/internal/services"
)

// IncidentPageToResponse converts an incident page to the list envelope.
func IncidentPageToResponse(p *services.IncidentPage) ListResponse {
	items := p.Items
	if items == nil {
		items = []services.IncidentListItem{}
	}
	return ListResponse{Items: items, Total: p.Total, Limit: p.Limit, Offset: p.Offset}
}

// AlertPageToResponse converts an alert page to the list envelope.
func AlertPageToResponse(p *services.AlertPage) ListResponse {
	items := p.Items
	if items == nil {
		items = []database.Alert{}
	}
	return ListResponse{Items: items, Total: p.Total, Limit: p.Limit, Offset: p.Offset}
}

// RunbookPageToResponse converts a runbook page to the list envelope.
func RunbookPageToResponse(p *services.RunbookPage) ListResponse {
	items := p.Items
	if items == nil {
		items = []services.RunbookSummary{}
	}
	return ListResponse{Items: items, Total: int64(p.Total), Limit: p.Limit, Offset: p.Offset}
}

// IncidentDetailToResponse flattens an incident detail, never returning
// null collections.
func IncidentDetailToResponse(d *services.IncidentDetail) IncidentDetailResponse {
	resp := IncidentDetailResponse{
		Incident: *d.Incident,
		Alerts:   d.Alerts,
		Actions:  d.Actions,
	}
	if resp.Alerts == nil {
		resp.Alerts = []database.Alert{}
	}
	if resp.Actions == nil {
		resp.Actions = []database.IncidentAction{}
	}
	return resp
}

// SimilarToResponse converts ranked incidents to their compact form.
func SimilarToResponse(similar []services.SimilarIncident) []SimilarIncidentResponse {
	items := make([]SimilarIncidentResponse, len(similar))
	for i, s := range similar {
		items[i] = SimilarIncidentResponse{
			ID:               s.Incident.ID,
			Title:            s.Incident.Title,
			Status:           s.Incident.Status,
			Severity:         s.Incident.Severity,
			AffectedServices: s.Incident.AffectedServices,
			Score:            s.Score,
			Breakdown:        s.Breakdown,
			CreatedAt:        s.Incident.CreatedAt,
		}
	}
	return items
}

// RunbookMatchesToResponse converts ranked runbook chunks.
func RunbookMatchesToResponse(matches []services.RunbookMatch) []RunbookMatchResponse {
	items := make([]RunbookMatchResponse, len(matches))
	for i, m := range matches {
		items[i] = RunbookMatchResponse{
			ID:             m.Chunk.ID,
			SourceDocument: m.Chunk.SourceDocument,
			ChunkIndex:     m.Chunk.ChunkIndex,
			Title:          m.Chunk.Title,
			Content:        m.Chunk.Content,
			Tags:           m.Chunk.Tags,
			Score:          m.Score,
			Breakdown:      m.Breakdown,
		}
	}
	return items
}

// SummaryToResponse converts a summary result.
func SummaryToResponse(r *services.SummaryResult) SummaryResponse {
	citations := r.Citations
	if citations == nil {
		citations = database.Citations{}
	}
	nextSteps := r.NextSteps
	if nextSteps == nil {
		nextSteps = []string{}
	}
	return SummaryResponse{
		IncidentID:       r.IncidentID,
		Summary:          r.Summary,
		Citations:        citations,
		NextSteps:        nextSteps,
		SimilarIncidents: SimilarToResponse(r.SimilarIncidents),
		RunbookChunks:    RunbookMatchesToResponse(r.RunbookChunks),
		Cached:           r.Cached,
	}
}

// ReindexToResponse converts an ingestion report.
func ReindexToResponse(r *runbooks.Report) ReindexResponse {
	removed := r.Removed
	if removed == nil {
		removed = []string{}
	}
	return ReindexResponse{
		Documents:     r.Documents,
		Inserted:      r.Inserted,
		Unchanged:     r.Unchanged,
		Removed:       removed,
		CorpusVersion: r.CorpusVersion,
	}
}
