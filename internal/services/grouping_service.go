package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/akmatori/opsrelay/internal/alerts/extraction"
	"github.com/akmatori/opsrelay/internal/config"
	"github.com/akmatori/opsrelay/internal/database"
	"github.com/akmatori/opsrelay/internal/embedding"
	"github.com/akmatori/opsrelay/internal/metrics"
)

const (
	// casAttempts bounds reload-and-retry after a version conflict
	casAttempts = 3

	// serviceTextCap caps the text-overlap fallback of the service signal
	serviceTextCap = 0.5

	systemUser = "system"

	notifyTimeout = 10 * time.Second
)

var (
	errVersionConflict  = errors.New("incident version changed")
	errIncidentInactive = errors.New("incident no longer accepts alerts")
	errAlreadyGrouped   = errors.New("alert already belongs to an incident")
)

// IncidentNotifier is told about newly created incidents
type IncidentNotifier interface {
	NotifyIncidentCreated(ctx context.Context, incident *database.Incident, alert *database.Alert) error
}

// GroupResult reports where an alert ended up
type GroupResult struct {
	Incident *database.Incident
	Created  bool
	Score    float64
}

// GroupingService attaches enriched alerts to incidents and owns the
// incident status state machine
type GroupingService struct {
	db       *gorm.DB
	tuning   config.GroupingTuning
	embedder embedding.Embedder
	notifier IncidentNotifier
	locks    *keyedMutex
	now      func() time.Time
}

// NewGroupingService creates a grouping engine. notifier may be nil.
func NewGroupingService(db *gorm.DB, tuning config.GroupingTuning, embedder embedding.Embedder, notifier IncidentNotifier) *GroupingService {
	return &GroupingService{
		db:       db,
		tuning:   tuning,
		embedder: embedder,
		notifier: notifier,
		locks:    newKeyedMutex(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *GroupingService) window() time.Duration {
	return time.Duration(s.tuning.WindowMinutes) * time.Minute
}

// Score rates how well alert fits incident, in [0,1]
func (s *GroupingService) Score(alert *database.Alert, incident *database.Incident) float64 {
	t := s.tuning
	return t.WeightTime*s.timeScore(alert, incident) +
		t.WeightService*serviceScore(alert, incident) +
		t.WeightClassification*classificationScore(alert, incident)
}

func (s *GroupingService) timeScore(alert *database.Alert, incident *database.Incident) float64 {
	window := s.window()
	if window <= 0 {
		return 0
	}
	delta := alert.AlertTimestamp.Sub(incident.UpdatedAt)
	if delta < 0 {
		delta = -delta
	}
	score := 1 - float64(delta)/float64(window)
	return math.Max(0, math.Min(1, score))
}

func serviceScore(alert *database.Alert, incident *database.Incident) float64 {
	if alert.ServiceName != "" && incident.AffectedServices.Contains(alert.ServiceName) {
		return 1
	}
	alertTokens := embedding.Tokens(extraction.AlertText(alert))
	titleTokens := embedding.Tokens(incident.Title)
	if len(alertTokens) == 0 || len(titleTokens) == 0 {
		return 0
	}
	return math.Min(serviceTextCap, embedding.Jaccard(alertTokens, titleTokens))
}

func classificationScore(alert *database.Alert, incident *database.Incident) float64 {
	score := 0.0
	if alert.PredictedTeam != "" && alert.PredictedTeam == incident.AssignedTeam {
		score += 0.5
	}
	if alert.Severity != nil && *alert.Severity == incident.Severity {
		score += 0.5
	}
	return score
}

// Candidates returns active incidents updated within the grouping window of
// the alert timestamp
func (s *GroupingService) Candidates(ctx context.Context, alert *database.Alert) ([]database.Incident, error) {
	window := s.window()
	var incidents []database.Incident
	err := s.db.WithContext(ctx).
		Where("status IN ?", database.ActiveIncidentStatuses).
		Where("updated_at >= ? AND updated_at <= ?", alert.AlertTimestamp.Add(-window), alert.AlertTimestamp.Add(window)).
		Order("updated_at DESC, id ASC").
		Find(&incidents).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load grouping candidates: %w", err)
	}
	return incidents, nil
}

// Group attaches alert to the best-scoring active incident at or above the
// threshold, or creates a new incident
func (s *GroupingService) Group(ctx context.Context, alert *database.Alert) (*GroupResult, error) {
	if alert.IncidentID != nil {
		incident, err := database.GetIncident(ctx, s.db, *alert.IncidentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load incident %d: %w", *alert.IncidentID, err)
		}
		return &GroupResult{Incident: incident}, nil
	}

	candidates, err := s.Candidates(ctx, alert)
	if err != nil {
		return nil, err
	}

	var best *database.Incident
	bestScore := 0.0
	for i := range candidates {
		c := &candidates[i]
		score := s.Score(alert, c)
		if score < s.tuning.Threshold {
			continue
		}
		if best == nil || betterCandidate(score, c, bestScore, best) {
			best, bestScore = c, score
		}
	}

	if best != nil {
		incident, err := s.attach(ctx, best.ID, alert)
		switch {
		case err == nil:
			metrics.GroupingDecisions.WithLabelValues("attached").Inc()
			log.Printf("GroupingService: alert #%d attached to incident #%d (score %.3f)", alert.ID, incident.ID, bestScore)
			return &GroupResult{Incident: incident, Score: bestScore}, nil
		case errors.Is(err, errIncidentInactive):
			log.Printf("GroupingService: incident #%d closed before attach, creating new incident", best.ID)
		default:
			return nil, err
		}
	}

	incident, err := s.create(ctx, alert)
	if err != nil {
		return nil, err
	}
	metrics.GroupingDecisions.WithLabelValues("created").Inc()
	log.Printf("GroupingService: alert #%d created incident #%d", alert.ID, incident.ID)
	return &GroupResult{Incident: incident, Created: true}, nil
}

// betterCandidate orders by score, then most recent update, then lowest id
func betterCandidate(score float64, c *database.Incident, bestScore float64, best *database.Incident) bool {
	if score != bestScore {
		return score > bestScore
	}
	if !c.UpdatedAt.Equal(best.UpdatedAt) {
		return c.UpdatedAt.After(best.UpdatedAt)
	}
	return c.ID < best.ID
}

func isActive(status database.IncidentStatus) bool {
	for _, s := range database.ActiveIncidentStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func alertSeverity(alert *database.Alert) database.Severity {
	if alert.Severity != nil && alert.Severity.Valid() {
		return *alert.Severity
	}
	return database.SeverityWarning
}

func vectorValue(v *pgvector.Vector) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// attach adds alert to an incident under the per-incident lock, retrying
// the version compare-and-swap on conflict
func (s *GroupingService) attach(ctx context.Context, incidentID uint, alert *database.Alert) (*database.Incident, error) {
	unlock := s.locks.Lock(incidentID)
	defer unlock()

	for attempt := 1; attempt <= casAttempts; attempt++ {
		incident, err := database.GetIncident(ctx, s.db, incidentID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errIncidentInactive
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load incident %d: %w", incidentID, err)
		}
		if !isActive(incident.Status) {
			return nil, errIncidentInactive
		}

		members, err := database.IncidentAlerts(ctx, s.db, incidentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load incident alerts: %w", err)
		}

		services := append(database.StringList(nil), incident.AffectedServices...)
		if alert.ServiceName != "" && !services.Contains(alert.ServiceName) {
			services = append(services, alert.ServiceName)
		}
		incident.AffectedServices = services
		incident.Severity = database.MaxSeverity(incident.Severity, alertSeverity(alert))

		vec, model, err := embedIncident(ctx, s.embedder, incident, append([]database.Alert{*alert}, members...))
		if err != nil {
			log.Printf("GroupingService: %v", err)
			vec, model = incident.Embedding, incident.EmbeddingModel
		}

		now := s.now()
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&database.Incident{}).
				Where("id = ? AND version = ?", incidentID, incident.Version).
				Updates(map[string]interface{}{
					"affected_services":  services,
					"severity":           incident.Severity,
					"incident_embedding": vectorValue(vec),
					"embedding_model":    model,
					"version":            incident.Version + 1,
					"updated_at":         now,
				})
			if res.Error != nil {
				return fmt.Errorf("failed to update incident: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return errVersionConflict
			}
			if err := linkAlert(tx, alert.ID, incidentID); err != nil {
				return err
			}
			return tx.Create(&database.IncidentAction{
				IncidentID:  incidentID,
				ActionType:  database.ActionAlertAdded,
				Description: fmt.Sprintf("Alert %s (%s) grouped into incident", alert.ExternalID, alert.Title),
				User:        systemUser,
				ExtraMetadata: database.JSONB{
					"alert_id": alert.ID,
					"service":  alert.ServiceName,
					"severity": string(alertSeverity(alert)),
				},
				Timestamp: now,
			}).Error
		})
		if errors.Is(err, errVersionConflict) {
			log.Printf("GroupingService: version conflict on incident #%d (attempt %d)", incidentID, attempt)
			continue
		}
		if err != nil {
			return nil, err
		}

		alert.IncidentID = &incidentID
		return database.GetIncident(ctx, s.db, incidentID)
	}
	return nil, fmt.Errorf("failed to attach alert %d to incident %d: %w", alert.ID, incidentID, errVersionConflict)
}

func linkAlert(tx *gorm.DB, alertID, incidentID uint) error {
	res := tx.Model(&database.Alert{}).
		Where("id = ? AND incident_id IS NULL", alertID).
		Updates(map[string]interface{}{
			"incident_id": incidentID,
			"grouped_at":  gorm.Expr("COALESCE(grouped_at, ?)", time.Now().UTC()),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to link alert: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errAlreadyGrouped
	}
	return nil
}

// create opens a new incident seeded from alert
func (s *GroupingService) create(ctx context.Context, alert *database.Alert) (*database.Incident, error) {
	title := alert.Title
	if title == "" {
		title = "Alert " + alert.ExternalID
	}
	incident := &database.Incident{
		Title:        title,
		Status:       database.IncidentStatusOpen,
		Severity:     alertSeverity(alert),
		AssignedTeam: alert.PredictedTeam,
		Version:      1,
	}
	if alert.ServiceName != "" {
		incident.AffectedServices = database.StringList{alert.ServiceName}
	}

	if vec, model, err := embedIncident(ctx, s.embedder, incident, []database.Alert{*alert}); err != nil {
		log.Printf("GroupingService: %v", err)
	} else {
		incident.Embedding, incident.EmbeddingModel = vec, model
	}

	now := s.now()
	incident.CreatedAt, incident.UpdatedAt = now, now
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(incident).Error; err != nil {
			return fmt.Errorf("failed to create incident: %w", err)
		}
		if err := linkAlert(tx, alert.ID, incident.ID); err != nil {
			return err
		}
		return tx.Create(&database.IncidentAction{
			IncidentID:  incident.ID,
			ActionType:  database.ActionStatusChange,
			Description: fmt.Sprintf("Incident created from alert %s", alert.ExternalID),
			User:        systemUser,
			ExtraMetadata: database.JSONB{
				"to":       string(database.IncidentStatusOpen),
				"alert_id": alert.ID,
				"trigger":  "auto_grouping",
			},
			Timestamp: now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	alert.IncidentID = &incident.ID

	if s.notifier != nil {
		created, triggering := *incident, *alert
		go s.notify(&created, &triggering)
	}
	return incident, nil
}

func (s *GroupingService) notify(incident *database.Incident, alert *database.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := s.notifier.NotifyIncidentCreated(ctx, incident, alert); err != nil {
		log.Printf("GroupingService: failed to notify about incident #%d: %v", incident.ID, err)
	}
}

// TransitionStatus moves an incident to its immediate next status. Any other
// target, including the current status, is an *InvalidTransitionError.
func (s *GroupingService) TransitionStatus(ctx context.Context, incidentID uint, to database.IncidentStatus, user string) (*database.Incident, error) {
	if !to.Valid() {
		return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", to))
	}
	if user == "" {
		user = systemUser
	}

	unlock := s.locks.Lock(incidentID)
	defer unlock()

	for attempt := 1; attempt <= casAttempts; attempt++ {
		incident, err := database.GetIncident(ctx, s.db, incidentID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: incident %d", ErrNotFound, incidentID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load incident %d: %w", incidentID, err)
		}
		from := incident.Status
		if !from.CanTransitionTo(to) {
			return nil, &InvalidTransitionError{From: from, To: to}
		}

		now := s.now()
		updates := map[string]interface{}{
			"status":     to,
			"version":    incident.Version + 1,
			"updated_at": now,
		}
		switch to {
		case database.IncidentStatusInvestigating:
			updates["acknowledged_at"] = now
		case database.IncidentStatusResolved:
			updates["resolved_at"] = now
		case database.IncidentStatusClosed:
			updates["closed_at"] = now
		}

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&database.Incident{}).
				Where("id = ? AND version = ?", incidentID, incident.Version).
				Updates(updates)
			if res.Error != nil {
				return fmt.Errorf("failed to update incident status: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return errVersionConflict
			}
			return tx.Create(&database.IncidentAction{
				IncidentID:    incidentID,
				ActionType:    database.ActionStatusChange,
				Description:   fmt.Sprintf("Status changed from %s to %s", from, to),
				User:          user,
				ExtraMetadata: database.JSONB{"from": string(from), "to": string(to)},
				Timestamp:     now,
			}).Error
		})
		if errors.Is(err, errVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		log.Printf("GroupingService: incident #%d %s -> %s by %s", incidentID, from, to, user)
		return database.GetIncident(ctx, s.db, incidentID)
	}
	return nil, fmt.Errorf("failed to change status of incident %d: %w", incidentID, errVersionConflict)
}
