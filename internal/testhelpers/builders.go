// Package testhelpers provides data builders for testing
package testhelpers

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/akmatori/opsrelay/internal/database"
)

var externalSeq atomic.Int64

// ========================================
// Alert Builder
// ========================================

// AlertBuilder builds Alert instances for testing
type AlertBuilder struct {
	alert database.Alert
}

// NewAlertBuilder creates a new alert builder with defaults. Each builder
// gets a distinct external id.
func NewAlertBuilder() *AlertBuilder {
	id := fmt.Sprintf("ext-%d", externalSeq.Add(1))
	now := time.Now().UTC()
	return &AlertBuilder{
		alert: database.Alert{
			ExternalID:     id,
			Source:         database.SourceDatadog,
			Title:          "High CPU on api-service",
			Message:        "cpu above 90% for 5 minutes",
			RawPayload:     []byte(`{"id":"` + id + `"}`),
			AlertTimestamp: now,
			ReceivedAt:     now,
		},
	}
}

// WithExternalID sets the external id
func (b *AlertBuilder) WithExternalID(id string) *AlertBuilder {
	b.alert.ExternalID = id
	return b
}

// WithSource sets the source
func (b *AlertBuilder) WithSource(source string) *AlertBuilder {
	b.alert.Source = source
	return b
}

// WithTitle sets the title
func (b *AlertBuilder) WithTitle(title string) *AlertBuilder {
	b.alert.Title = title
	return b
}

// WithMessage sets the message
func (b *AlertBuilder) WithMessage(msg string) *AlertBuilder {
	b.alert.Message = msg
	return b
}

// WithTags sets the tags
func (b *AlertBuilder) WithTags(tags ...string) *AlertBuilder {
	b.alert.Tags = tags
	return b
}

// WithTimestamp sets the occurrence time
func (b *AlertBuilder) WithTimestamp(ts time.Time) *AlertBuilder {
	b.alert.AlertTimestamp = ts
	return b
}

// WithSeverity sets the classified severity
func (b *AlertBuilder) WithSeverity(s database.Severity) *AlertBuilder {
	b.alert.Severity = &s
	return b
}

// WithTeam sets the predicted team
func (b *AlertBuilder) WithTeam(team string) *AlertBuilder {
	b.alert.PredictedTeam = team
	return b
}

// WithService sets the extracted service name
func (b *AlertBuilder) WithService(service string) *AlertBuilder {
	b.alert.ServiceName = service
	return b
}

// WithEnvironment sets the extracted environment
func (b *AlertBuilder) WithEnvironment(env string) *AlertBuilder {
	b.alert.Environment = env
	return b
}

// WithIncident links the alert to an incident
func (b *AlertBuilder) WithIncident(id uint) *AlertBuilder {
	now := time.Now().UTC()
	b.alert.IncidentID = &id
	b.alert.GroupedAt = &now
	return b
}

// Processed marks the alert as already enriched
func (b *AlertBuilder) Processed() *AlertBuilder {
	now := time.Now().UTC()
	b.alert.ProcessedAt = &now
	return b
}

// Build returns the constructed alert
func (b *AlertBuilder) Build() database.Alert {
	return b.alert
}

// Create inserts the alert and returns it with its id
func (b *AlertBuilder) Create(t *testing.T, db *gorm.DB) *database.Alert {
	t.Helper()
	alert := b.alert
	if err := db.Create(&alert).Error; err != nil {
		t.Fatalf("failed to create alert: %v", err)
	}
	return &alert
}

// ========================================
// Incident Builder
// ========================================

// IncidentBuilder builds Incident instances for testing
type IncidentBuilder struct {
	incident database.Incident
}

// NewIncidentBuilder creates a new incident builder with defaults
func NewIncidentBuilder() *IncidentBuilder {
	return &IncidentBuilder{
		incident: database.Incident{
			Title:    "Test incident",
			Status:   database.IncidentStatusOpen,
			Severity: database.SeverityWarning,
			Version:  1,
		},
	}
}

// WithTitle sets the title
func (b *IncidentBuilder) WithTitle(title string) *IncidentBuilder {
	b.incident.Title = title
	return b
}

// WithStatus sets the status
func (b *IncidentBuilder) WithStatus(status database.IncidentStatus) *IncidentBuilder {
	b.incident.Status = status
	return b
}

// WithSeverity sets the severity
func (b *IncidentBuilder) WithSeverity(s database.Severity) *IncidentBuilder {
	b.incident.Severity = s
	return b
}

// WithTeam sets the assigned team
func (b *IncidentBuilder) WithTeam(team string) *IncidentBuilder {
	b.incident.AssignedTeam = team
	return b
}

// WithServices sets the affected services
func (b *IncidentBuilder) WithServices(services ...string) *IncidentBuilder {
	b.incident.AffectedServices = services
	return b
}

// WithEmbedding sets the incident embedding and its model name
func (b *IncidentBuilder) WithEmbedding(vec []float32, model string) *IncidentBuilder {
	v := pgvector.NewVector(vec)
	b.incident.Embedding = &v
	b.incident.EmbeddingModel = model
	return b
}

// WithSummary sets a stored summary and the corpus version it was built against
func (b *IncidentBuilder) WithSummary(summary, corpusVersion string) *IncidentBuilder {
	b.incident.Summary = summary
	b.incident.SummaryCorpusVersion = corpusVersion
	return b
}

// WithTimes sets created_at and updated_at
func (b *IncidentBuilder) WithTimes(created, updated time.Time) *IncidentBuilder {
	b.incident.CreatedAt = created
	b.incident.UpdatedAt = updated
	return b
}

// Build returns the constructed incident
func (b *IncidentBuilder) Build() database.Incident {
	return b.incident
}

// Create inserts the incident. An explicit UpdatedAt survives the insert.
func (b *IncidentBuilder) Create(t *testing.T, db *gorm.DB) *database.Incident {
	t.Helper()
	incident := b.incident
	updated := incident.UpdatedAt
	if err := db.Create(&incident).Error; err != nil {
		t.Fatalf("failed to create incident: %v", err)
	}
	if !updated.IsZero() {
		if err := db.Model(&incident).UpdateColumn("updated_at", updated).Error; err != nil {
			t.Fatalf("failed to set updated_at: %v", err)
		}
		incident.UpdatedAt = updated
	}
	return &incident
}

// ========================================
// Runbook Chunk Builder
// ========================================

// RunbookChunkBuilder builds RunbookChunk instances for testing
type RunbookChunkBuilder struct {
	chunk database.RunbookChunk
}

// NewRunbookChunkBuilder creates a new chunk builder with defaults
func NewRunbookChunkBuilder() *RunbookChunkBuilder {
	return &RunbookChunkBuilder{
		chunk: database.RunbookChunk{
			Source:         "runbooks",
			SourceDocument: "database.md",
			Title:          "Database runbook",
			Content:        "Check connection pool saturation and restart the pooler.",
			VersionHash:    "hash-1",
		},
	}
}

// WithDocument sets the source document and chunk index
func (b *RunbookChunkBuilder) WithDocument(doc string, index int) *RunbookChunkBuilder {
	b.chunk.SourceDocument = doc
	b.chunk.ChunkIndex = index
	return b
}

// WithTitle sets the title
func (b *RunbookChunkBuilder) WithTitle(title string) *RunbookChunkBuilder {
	b.chunk.Title = title
	return b
}

// WithContent sets the content
func (b *RunbookChunkBuilder) WithContent(content string) *RunbookChunkBuilder {
	b.chunk.Content = content
	return b
}

// WithTags sets the tags
func (b *RunbookChunkBuilder) WithTags(tags ...string) *RunbookChunkBuilder {
	b.chunk.Tags = tags
	return b
}

// WithVersionHash sets the document version hash
func (b *RunbookChunkBuilder) WithVersionHash(hash string) *RunbookChunkBuilder {
	b.chunk.VersionHash = hash
	return b
}

// WithEmbedding sets the chunk embedding and its model name
func (b *RunbookChunkBuilder) WithEmbedding(vec []float32, model string) *RunbookChunkBuilder {
	v := pgvector.NewVector(vec)
	b.chunk.Embedding = &v
	b.chunk.EmbeddingModel = model
	return b
}

// Build returns the constructed chunk
func (b *RunbookChunkBuilder) Build() database.RunbookChunk {
	return b.chunk
}

// Create inserts the chunk
func (b *RunbookChunkBuilder) Create(t *testing.T, db *gorm.DB) *database.RunbookChunk {
	t.Helper()
	chunk := b.chunk
	if err := db.Create(&chunk).Error; err != nil {
		t.Fatalf("failed to create runbook chunk: %v", err)
	}
	return &chunk
}
