package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/opsrelay/internal/alerts/extraction"
	"github.com/akmatori/opsrelay/internal/database"
	"github.com/akmatori/opsrelay/internal/metrics"
)

// EnrichmentService classifies a stored alert, extracts its entities and
// hands it to grouping. It is what queue workers run per task.
type EnrichmentService struct {
	db       *gorm.DB
	enricher *extraction.Enricher
	grouping *GroupingService
	now      func() time.Time
}

// NewEnrichmentService creates the alert processor
func NewEnrichmentService(db *gorm.DB, enricher *extraction.Enricher, grouping *GroupingService) *EnrichmentService {
	return &EnrichmentService{
		db:       db,
		enricher: enricher,
		grouping: grouping,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ProcessAlert enriches and groups one alert. A processed alert keeps its
// enrichment unless force is set; an ungrouped one is still grouped.
func (s *EnrichmentService) ProcessAlert(ctx context.Context, alertID uint, force bool) (*database.Alert, error) {
	alert, err := database.GetAlert(ctx, s.db, alertID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: alert %d", ErrNotFound, alertID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load alert %d: %w", alertID, err)
	}

	if !alert.IsProcessed() || force {
		alert, err = s.enrich(ctx, alert, force)
		if err != nil {
			return nil, err
		}
	}

	if alert.IncidentID == nil && s.grouping != nil {
		if _, err := s.grouping.Group(ctx, alert); err != nil {
			return nil, fmt.Errorf("failed to group alert %d: %w", alertID, err)
		}
	}
	return alert, nil
}

func (s *EnrichmentService) enrich(ctx context.Context, alert *database.Alert, force bool) (*database.Alert, error) {
	res := s.enricher.Enrich(ctx, alert)

	// A fallback caused by shutdown is not a real result; leave the task
	// for another attempt.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	severity := res.Classification.Severity
	confidence := res.Classification.Confidence
	now := s.now()

	query := s.db.WithContext(ctx).Model(&database.Alert{}).Where("id = ?", alert.ID)
	if !force {
		query = query.Where("processed_at IS NULL")
	}
	result := query.Updates(map[string]interface{}{
		"severity":              severity,
		"predicted_team":        res.Classification.Team,
		"confidence_score":      confidence,
		"classification_source": res.ClassificationSource,
		"service_name":          res.Entities.ServiceName,
		"environment":           res.Entities.Environment,
		"region":                res.Entities.Region,
		"error_code":            res.Entities.ErrorCode,
		"entity_source":         res.EntitySource,
		"processed_at":          now,
	})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to store enrichment for alert %d: %w", alert.ID, result.Error)
	}

	if result.RowsAffected == 0 {
		log.Printf("EnrichmentService: alert #%d was processed concurrently, keeping stored result", alert.ID)
	} else {
		metrics.EnrichmentOutcomes.WithLabelValues("classification", res.ClassificationSource).Inc()
		metrics.EnrichmentOutcomes.WithLabelValues("entities", res.EntitySource).Inc()
		log.Printf("EnrichmentService: alert #%d classified %s/%s (%s, %.2f), service=%q (%s)",
			alert.ID, severity, res.Classification.Team, res.ClassificationSource, confidence,
			res.Entities.ServiceName, res.EntitySource)
	}

	return database.GetAlert(ctx, s.db, alert.ID)
}

// Reprocess queues a forced enrichment of an existing alert
func (s *EnrichmentService) Reprocess(ctx context.Context, alertID uint) (*database.AlertTask, error) {
	if _, err := database.GetAlert(ctx, s.db, alertID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: alert %d", ErrNotFound, alertID)
		}
		return nil, fmt.Errorf("failed to load alert %d: %w", alertID, err)
	}
	task, err := database.EnqueueAlertTask(s.db.WithContext(ctx), alertID, true)
	if err != nil {
		return nil, err
	}
	log.Printf("EnrichmentService: queued reprocessing of alert #%d (task #%d)", alertID, task.ID)
	return task, nil
}
