package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/akmatori/opsrelay/internal/database"
	"github.com/akmatori/opsrelay/internal/metrics"
)

// keyAlertCount is how many alerts are highlighted and cited
const keyAlertCount = 3

// SummaryOptions tunes one summarization
type SummaryOptions struct {
	Force        bool
	SimilarLimit int
	RunbookLimit int
}

// SummaryResult is a summary with its supporting evidence
type SummaryResult struct {
	IncidentID       uint
	Summary          string
	Citations        database.Citations
	NextSteps        []string
	SimilarIncidents []SimilarIncident
	RunbookChunks    []RunbookMatch
	CorpusVersion    string
	Cached           bool
}

// SummaryService builds cited incident summaries and next steps
type SummaryService struct {
	db         *gorm.DB
	similarity *SimilarityService
	flight     singleflight.Group
	now        func() time.Time
}

// NewSummaryService creates a summarizer
func NewSummaryService(db *gorm.DB, similarity *SimilarityService) *SummaryService {
	return &SummaryService{
		db:         db,
		similarity: similarity,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Summarize returns the stored summary when it was built against the
// current runbook corpus, and regenerates it otherwise or when forced
func (s *SummaryService) Summarize(ctx context.Context, incidentID uint, force bool) (*SummaryResult, error) {
	return s.SummarizeWithOptions(ctx, incidentID, SummaryOptions{Force: force})
}

// SummarizeWithOptions is Summarize with explicit retrieval limits.
// Concurrent identical requests share one computation.
func (s *SummaryService) SummarizeWithOptions(ctx context.Context, incidentID uint, opts SummaryOptions) (*SummaryResult, error) {
	version, err := database.RunbookCorpusVersion(ctx, s.db)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%d:%t:%s:%d:%d", incidentID, opts.Force, version, opts.SimilarLimit, opts.RunbookLimit)
	ch := s.flight.DoChan(key, func() (interface{}, error) {
		// Shared by every waiter, so one caller going away must not
		// cancel it for the others.
		return s.summarize(context.WithoutCancel(ctx), incidentID, version, opts)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		out := *res.Val.(*SummaryResult)
		return &out, nil
	}
}

func (s *SummaryService) summarize(ctx context.Context, incidentID uint, version string, opts SummaryOptions) (*SummaryResult, error) {
	incident, err := database.GetIncident(ctx, s.db, incidentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: incident %d", ErrNotFound, incidentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load incident %d: %w", incidentID, err)
	}

	if !opts.Force && incident.Summary != "" && incident.SummaryCorpusVersion == version {
		metrics.SummaryRequests.WithLabelValues("hit").Inc()
		return &SummaryResult{
			IncidentID:    incident.ID,
			Summary:       incident.Summary,
			Citations:     incident.SummaryCitations,
			NextSteps:     incident.NextSteps,
			CorpusVersion: version,
			Cached:        true,
		}, nil
	}
	metrics.SummaryRequests.WithLabelValues("miss").Inc()

	alerts, err := database.IncidentAlerts(ctx, s.db, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load incident alerts: %w", err)
	}

	// Closed incidents are read-only: the result is computed but not stored
	persist := incident.Status != database.IncidentStatusClosed

	query := s.similarity.IncidentQuery(ctx, incident, alerts)
	if persist && incident.Embedding == nil && query.Embedding != nil {
		s.storeEmbedding(ctx, incident, query.Embedding, query.EmbeddingModel)
	}

	similar, err := s.similarity.similarTo(ctx, incident, query, opts.SimilarLimit)
	if err != nil {
		return nil, err
	}
	runbooks, err := s.similarity.RunbookChunks(ctx, query, opts.RunbookLimit)
	if err != nil {
		return nil, err
	}

	summary, citations := BuildSummary(incident, alerts, similar, runbooks)
	steps := BuildNextSteps(incident, similar, runbooks)

	if persist {
		err = s.db.WithContext(ctx).Model(&database.Incident{}).
			Where("id = ?", incident.ID).
			UpdateColumns(map[string]interface{}{
				"summary":                summary,
				"summary_citations":      citations,
				"next_steps":             database.StringList(steps),
				"summary_corpus_version": version,
				"summarized_at":          s.now(),
			}).Error
		if err != nil {
			return nil, fmt.Errorf("failed to store summary for incident %d: %w", incident.ID, err)
		}
	}
	log.Printf("SummaryService: summarized incident #%d (%d similar, %d runbook chunks)", incident.ID, len(similar), len(runbooks))

	return &SummaryResult{
		IncidentID:       incident.ID,
		Summary:          summary,
		Citations:        citations,
		NextSteps:        steps,
		SimilarIncidents: similar,
		RunbookChunks:    runbooks,
		CorpusVersion:    version,
	}, nil
}

func (s *SummaryService) storeEmbedding(ctx context.Context, incident *database.Incident, vec []float32, model string) {
	err := s.db.WithContext(ctx).Model(&database.Incident{}).
		Where("id = ?", incident.ID).
		UpdateColumns(map[string]interface{}{
			"incident_embedding": pgvector.NewVector(vec),
			"embedding_model":    model,
		}).Error
	if err != nil {
		log.Printf("SummaryService: failed to store embedding for incident #%d: %v", incident.ID, err)
	}
}

func roundScore(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// BuildSummary renders the summary text and its citations: alerts first,
// then similar incidents, then runbook chunks
func BuildSummary(incident *database.Incident, alerts []database.Alert, similar []SimilarIncident, runbooks []RunbookMatch) (string, database.Citations) {
	lines := []string{
		fmt.Sprintf("Incident #%d %q is %s with severity %s.", incident.ID, incident.Title, incident.Status, incident.Severity),
	}
	citations := database.Citations{}

	var highlights []string
	for i := 0; i < len(alerts) && i < keyAlertCount; i++ {
		if alerts[i].Title != "" {
			highlights = append(highlights, alerts[i].Title)
		}
	}
	if len(highlights) > 0 {
		lines = append(lines, "Key alerts: "+strings.Join(highlights, "; "))
		for i := 0; i < len(alerts) && i < keyAlertCount; i++ {
			citations = append(citations, database.Citation{
				Type:  database.CitationAlert,
				ID:    alerts[i].ID,
				Title: alerts[i].Title,
			})
		}
	}

	if len(similar) > 0 {
		lines = append(lines, "Similar incidents:")
		for _, m := range similar {
			score := roundScore(m.Score)
			lines = append(lines, fmt.Sprintf("- #%d %s (score %.3f)", m.Incident.ID, m.Incident.Title, score))
			citations = append(citations, database.Citation{
				Type:  database.CitationIncident,
				ID:    m.Incident.ID,
				Title: m.Incident.Title,
				Score: &score,
			})
		}
	}

	if len(runbooks) > 0 {
		lines = append(lines, "Relevant runbook references:")
		for _, m := range runbooks {
			score := roundScore(m.Score)
			chunkIndex := m.Chunk.ChunkIndex
			lines = append(lines, fmt.Sprintf("- %s (chunk %d)", m.Chunk.SourceDocument, chunkIndex))
			citations = append(citations, database.Citation{
				Type:           database.CitationRunbook,
				Title:          m.Chunk.Title,
				SourceDocument: m.Chunk.SourceDocument,
				ChunkIndex:     &chunkIndex,
				Score:          &score,
			})
		}
	}

	return strings.Join(lines, "\n"), citations
}

// BuildNextSteps suggests what responders should do next
func BuildNextSteps(incident *database.Incident, similar []SimilarIncident, runbooks []RunbookMatch) []string {
	var steps []string
	if incident.Severity == database.SeverityCritical || incident.Severity == database.SeverityError {
		steps = append(steps, "Page on-call and open an incident bridge")
	}
	if len(incident.AffectedServices) > 0 {
		steps = append(steps, "Validate service health for: "+strings.Join(incident.AffectedServices, ", "))
	}
	if len(similar) > 0 {
		top := similar[0].Incident
		steps = append(steps, fmt.Sprintf("Review similar incident #%d: %s", top.ID, top.Title))
	}
	if len(runbooks) > 0 {
		top := runbooks[0].Chunk
		steps = append(steps, fmt.Sprintf("Check runbook: %s (chunk %d)", top.SourceDocument, top.ChunkIndex))
	}
	if len(steps) == 0 {
		steps = append(steps, "Gather additional context from logs and metrics")
	}
	return steps
}
