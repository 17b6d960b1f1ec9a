package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/akmatori/opsrelay/internal/database"
	"github.com/akmatori/opsrelay/internal/embedding"
)

// maxTextAlerts bounds how many member alerts feed an incident's text
const maxTextAlerts = 5

// BuildIncidentText is the text an incident is embedded and matched on:
// title, summary, services and the newest member alerts.
func BuildIncidentText(incident *database.Incident, alerts []database.Alert) string {
	parts := []string{incident.Title}
	if incident.Summary != "" {
		parts = append(parts, incident.Summary)
	}
	if len(incident.AffectedServices) > 0 {
		parts = append(parts, "services: "+strings.Join(incident.AffectedServices, ", "))
	}
	for i, a := range alerts {
		if i == maxTextAlerts {
			break
		}
		if a.Title != "" {
			parts = append(parts, a.Title)
		}
		if a.Message != "" {
			parts = append(parts, a.Message)
		}
	}

	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n")
}

// embedIncident computes the incident embedding from its text
func embedIncident(ctx context.Context, embedder embedding.Embedder, incident *database.Incident, alerts []database.Alert) (*pgvector.Vector, string, error) {
	vec, model, err := embedder.EmbedText(ctx, BuildIncidentText(incident, alerts))
	if err != nil {
		return nil, "", fmt.Errorf("failed to embed incident %d: %w", incident.ID, err)
	}
	v := pgvector.NewVector(vec)
	return &v, model, nil
}
