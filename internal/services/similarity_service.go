package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"gorm.io/gorm"

	"github.com/akmatori/opsrelay/internal/config"
	"github.com/akmatori/opsrelay/internal/database"
	"github.com/akmatori/opsrelay/internal/embedding"
	"github.com/akmatori/opsrelay/internal/retrieval"
)

const (
	// candidatePool bounds how many recent incidents are ranked per query
	candidatePool = 500

	MaxSimilarLimit = 20
)

// SimilarIncident is a ranked incident match
type SimilarIncident struct {
	Incident  database.Incident
	Score     float64
	Breakdown retrieval.Breakdown
}

// RunbookMatch is a ranked runbook chunk
type RunbookMatch struct {
	Chunk     database.RunbookChunk
	Score     float64
	Breakdown retrieval.Breakdown
}

// SimilarityService feeds incidents and runbook chunks to the hybrid
// retriever
type SimilarityService struct {
	db        *gorm.DB
	retriever retrieval.Retriever
	embedder  embedding.Embedder
	tuning    config.RetrievalTuning
}

// NewSimilarityService creates a similarity service
func NewSimilarityService(db *gorm.DB, retriever retrieval.Retriever, embedder embedding.Embedder, tuning config.RetrievalTuning) *SimilarityService {
	return &SimilarityService{db: db, retriever: retriever, embedder: embedder, tuning: tuning}
}

// IncidentQuery builds the retrieval query for an incident, embedding it on
// the fly when no stored vector exists
func (s *SimilarityService) IncidentQuery(ctx context.Context, incident *database.Incident, alerts []database.Alert) retrieval.Query {
	q := retrieval.Query{
		Text:     BuildIncidentText(incident, alerts),
		Severity: string(incident.Severity),
		Services: incident.AffectedServices,
	}
	q.Tokens = embedding.Tokens(q.Text)

	if vec := incident.EmbeddingSlice(); vec != nil {
		q.Embedding, q.EmbeddingModel = vec, incident.EmbeddingModel
		return q
	}
	if s.embedder != nil {
		vec, model, err := s.embedder.EmbedText(ctx, q.Text)
		if err != nil {
			log.Printf("SimilarityService: failed to embed incident #%d: %v", incident.ID, err)
		} else {
			q.Embedding, q.EmbeddingModel = vec, model
		}
	}
	return q
}

// SimilarIncidents ranks other incidents against incidentID
func (s *SimilarityService) SimilarIncidents(ctx context.Context, incidentID uint, limit int) ([]SimilarIncident, error) {
	incident, err := database.GetIncident(ctx, s.db, incidentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: incident %d", ErrNotFound, incidentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load incident %d: %w", incidentID, err)
	}
	alerts, err := database.IncidentAlerts(ctx, s.db, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load incident alerts: %w", err)
	}
	return s.similarTo(ctx, incident, s.IncidentQuery(ctx, incident, alerts), limit)
}

func (s *SimilarityService) similarTo(ctx context.Context, incident *database.Incident, q retrieval.Query, limit int) ([]SimilarIncident, error) {
	if limit <= 0 {
		limit = s.tuning.SimilarLimit
	}
	if limit > MaxSimilarLimit {
		limit = MaxSimilarLimit
	}

	var others []database.Incident
	err := s.db.WithContext(ctx).
		Where("id <> ?", incident.ID).
		Order("updated_at DESC, id DESC").
		Limit(candidatePool).
		Find(&others).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load similarity candidates: %w", err)
	}

	candidates := make([]retrieval.Candidate, len(others))
	for i := range others {
		o := &others[i]
		candidates[i] = retrieval.Candidate{
			ID:             o.ID,
			Title:          o.Title,
			Content:        BuildIncidentText(o, nil),
			Embedding:      o.EmbeddingSlice(),
			EmbeddingModel: o.EmbeddingModel,
			Severity:       string(o.Severity),
			Services:       o.AffectedServices,
			Seq:            int(o.ID),
			Ref:            o,
		}
	}

	opts := retrieval.OptionsFromTuning(s.tuning, limit)
	opts.Prefilter = retrieval.SharedServiceOrOverlap(nil, s.tuning.MinKeywordOverlap)
	opts.StructuredBoost = true
	opts.Corpus = "incidents"

	results, err := s.retriever.Retrieve(ctx, q, candidates, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to rank similar incidents: %w", err)
	}
	out := make([]SimilarIncident, len(results))
	for i, r := range results {
		out[i] = SimilarIncident{
			Incident:  *r.Candidate.Ref.(*database.Incident),
			Score:     r.Score,
			Breakdown: r.Breakdown,
		}
	}
	return out, nil
}

// RunbookChunks ranks indexed runbook chunks against q
func (s *SimilarityService) RunbookChunks(ctx context.Context, q retrieval.Query, limit int) ([]RunbookMatch, error) {
	if limit <= 0 {
		limit = s.tuning.RunbookLimit
	}
	if limit > MaxSimilarLimit {
		limit = MaxSimilarLimit
	}

	var chunks []database.RunbookChunk
	if err := s.db.WithContext(ctx).Order("source_document ASC, chunk_index ASC").Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("failed to load runbook chunks: %w", err)
	}

	candidates := make([]retrieval.Candidate, len(chunks))
	for i := range chunks {
		c := &chunks[i]
		candidates[i] = retrieval.Candidate{
			ID:             c.ID,
			Title:          c.Title,
			Content:        c.Content,
			Embedding:      c.EmbeddingSlice(),
			EmbeddingModel: c.EmbeddingModel,
			Seq:            i,
			Ref:            c,
		}
	}

	opts := retrieval.OptionsFromTuning(s.tuning, limit)
	opts.Corpus = "runbooks"

	results, err := s.retriever.Retrieve(ctx, q, candidates, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to rank runbook chunks: %w", err)
	}
	out := make([]RunbookMatch, len(results))
	for i, r := range results {
		out[i] = RunbookMatch{
			Chunk:     *r.Candidate.Ref.(*database.RunbookChunk),
			Score:     r.Score,
			Breakdown: r.Breakdown,
		}
	}
	return out, nil
}
