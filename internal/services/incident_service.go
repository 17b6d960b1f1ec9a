package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/opsrelay/internal/database"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// ClampPage applies the default and maximum page size
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// IncidentFilter narrows an incident listing. Zero values do not filter.
type IncidentFilter struct {
	Status      database.IncidentStatus
	Severity    database.Severity
	Service     string
	Team        string
	Source      string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	UpdatedFrom *time.Time
	UpdatedTo   *time.Time
	Limit       int
	Offset      int
}

// IncidentListItem is an incident with its alert aggregates
type IncidentListItem struct {
	database.Incident
	AlertCount  int64      `json:"alert_count"`
	LastAlertAt *time.Time `json:"last_alert_at"`
}

// IncidentPage is one page of incidents
type IncidentPage struct {
	Items  []IncidentListItem
	Total  int64
	Limit  int
	Offset int
}

// IncidentDetail is an incident with its members and audit trail
type IncidentDetail struct {
	Incident *database.Incident
	Alerts   []database.Alert
	Actions  []database.IncidentAction
}

// AlertFilter narrows an alert listing. Zero values do not filter.
type AlertFilter struct {
	Source      string
	Severity    database.Severity
	Service     string
	Environment string
	IncidentID  *uint
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Limit       int
	Offset      int
}

// AlertPage is one page of alerts
type AlertPage struct {
	Items  []database.Alert
	Total  int64
	Limit  int
	Offset int
}

// DashboardMetrics are the headline operational numbers
type DashboardMetrics struct {
	ActiveIncidents   int64    `json:"active_incidents"`
	CriticalIncidents int64    `json:"critical_incidents"`
	UntriagedAlerts   int64    `json:"untriaged_alerts"`
	MTTAMinutes       *float64 `json:"mtta_minutes"`
	MTTRMinutes       *float64 `json:"mttr_minutes"`
}

// RunbookSummary is one runbook document in the listing
type RunbookSummary struct {
	ID             string              `json:"id"`
	Title          string              `json:"title"`
	Source         string              `json:"source"`
	SourceDocument string              `json:"source_document"`
	Tags           database.StringList `json:"tags"`
	Chunks         int                 `json:"chunks"`
	LastUpdated    time.Time           `json:"last_updated"`
}

// RunbookPage is one page of runbook documents
type RunbookPage struct {
	Items  []RunbookSummary
	Total  int
	Limit  int
	Offset int
}

// IncidentService answers read queries over incidents, alerts and runbooks
type IncidentService struct {
	db *gorm.DB
}

// NewIncidentService creates a new incident service
func NewIncidentService(db *gorm.DB) *IncidentService {
	return &IncidentService{db: db}
}

// ListIncidents returns incidents newest first with alert_count and
// last_alert_at per item
func (s *IncidentService) ListIncidents(ctx context.Context, f IncidentFilter) (*IncidentPage, error) {
	limit, offset := ClampPage(f.Limit, f.Offset)
	query := s.db.WithContext(ctx).Model(&database.Incident{})

	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.Severity != "" {
		query = query.Where("severity = ?", f.Severity)
	}
	if f.Team != "" {
		query = query.Where("assigned_team = ?", f.Team)
	}
	if f.Source != "" {
		query = query.Where("EXISTS (SELECT 1 FROM alerts WHERE alerts.incident_id = incidents.id AND alerts.source = ?)", f.Source)
	}
	if f.Service != "" {
		clause, arg, err := s.servicesContain(f.Service)
		if err != nil {
			return nil, err
		}
		query = query.Where(
			"("+clause+" OR EXISTS (SELECT 1 FROM alerts WHERE alerts.incident_id = incidents.id AND alerts.service_name = ?))",
			arg, f.Service,
		)
	}
	query = timeRange(query, "created_at", f.CreatedFrom, f.CreatedTo)
	query = timeRange(query, "updated_at", f.UpdatedFrom, f.UpdatedTo)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count incidents: %w", err)
	}

	var incidents []database.Incident
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&incidents).Error; err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}

	items := make([]IncidentListItem, len(incidents))
	ids := make([]uint, len(incidents))
	for i, inc := range incidents {
		items[i].Incident = inc
		ids[i] = inc.ID
	}

	if len(ids) > 0 {
		var rows []struct {
			IncidentID  uint
			AlertCount  int64
			LastAlertAt database.NullTime
		}
		err := s.db.WithContext(ctx).Model(&database.Alert{}).
			Select("incident_id, COUNT(*) AS alert_count, MAX(alert_timestamp) AS last_alert_at").
			Where("incident_id IN ?", ids).
			Group("incident_id").
			Scan(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate incident alerts: %w", err)
		}
		byID := make(map[uint]int, len(items))
		for i := range items {
			byID[items[i].ID] = i
		}
		for _, r := range rows {
			if i, ok := byID[r.IncidentID]; ok {
				items[i].AlertCount = r.AlertCount
				items[i].LastAlertAt = r.LastAlertAt.Ptr()
			}
		}
	}

	return &IncidentPage{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

// servicesContain matches a JSON array column holding svc
func (s *IncidentService) servicesContain(svc string) (string, interface{}, error) {
	b, err := json.Marshal([]string{svc})
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode service filter: %w", err)
	}
	if database.IsPostgres(s.db) {
		return "affected_services @> ?::jsonb", string(b), nil
	}
	// JSON arrays store each name as "name"
	needle, _ := json.Marshal(svc)
	return "affected_services LIKE ?", "%" + string(needle) + "%", nil
}

func timeRange(query *gorm.DB, column string, from, to *time.Time) *gorm.DB {
	if from != nil {
		query = query.Where(column+" >= ?", from.UTC())
	}
	if to != nil {
		query = query.Where(column+" <= ?", to.UTC())
	}
	return query
}

// GetIncident loads one incident without its members
func (s *IncidentService) GetIncident(ctx context.Context, id uint) (*database.Incident, error) {
	incident, err := database.GetIncident(ctx, s.db, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: incident %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load incident %d: %w", id, err)
	}
	return incident, nil
}

// GetIncidentDetail loads an incident with alerts newest first and actions
// newest first
func (s *IncidentService) GetIncidentDetail(ctx context.Context, id uint) (*IncidentDetail, error) {
	incident, err := database.GetIncident(ctx, s.db, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: incident %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load incident %d: %w", id, err)
	}
	alerts, err := database.IncidentAlerts(ctx, s.db, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load incident alerts: %w", err)
	}
	actions, err := database.IncidentActions(ctx, s.db, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load incident actions: %w", err)
	}
	return &IncidentDetail{Incident: incident, Alerts: alerts, Actions: actions}, nil
}

// DeleteIncident removes an incident, detaching its alerts
func (s *IncidentService) DeleteIncident(ctx context.Context, id uint) error {
	err := database.DeleteIncident(ctx, s.db, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: incident %d", ErrNotFound, id)
	}
	return err
}

// ListAlerts returns alerts newest first
func (s *IncidentService) ListAlerts(ctx context.Context, f AlertFilter) (*AlertPage, error) {
	limit, offset := ClampPage(f.Limit, f.Offset)
	query := s.db.WithContext(ctx).Model(&database.Alert{})

	if f.Source != "" {
		query = query.Where("source = ?", f.Source)
	}
	if f.Severity != "" {
		query = query.Where("severity = ?", f.Severity)
	}
	if f.Service != "" {
		query = query.Where("service_name = ?", f.Service)
	}
	if f.Environment != "" {
		query = query.Where("environment = ?", f.Environment)
	}
	if f.IncidentID != nil {
		query = query.Where("incident_id = ?", *f.IncidentID)
	}
	query = timeRange(query, "created_at", f.CreatedFrom, f.CreatedTo)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count alerts: %w", err)
	}
	var alerts []database.Alert
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return &AlertPage{Items: alerts, Total: total, Limit: limit, Offset: offset}, nil
}

// DashboardMetrics computes the headline numbers. MTTA and MTTR are whole
// minutes and nil when no incident qualifies.
func (s *IncidentService) DashboardMetrics(ctx context.Context) (*DashboardMetrics, error) {
	db := s.db.WithContext(ctx)
	m := &DashboardMetrics{}

	if err := db.Model(&database.Incident{}).
		Where("status IN ?", database.ActiveIncidentStatuses).
		Count(&m.ActiveIncidents).Error; err != nil {
		return nil, fmt.Errorf("failed to count active incidents: %w", err)
	}
	if err := db.Model(&database.Incident{}).
		Where("status IN ? AND severity = ?", database.ActiveIncidentStatuses, database.SeverityCritical).
		Count(&m.CriticalIncidents).Error; err != nil {
		return nil, fmt.Errorf("failed to count critical incidents: %w", err)
	}
	if err := db.Model(&database.Alert{}).
		Where("incident_id IS NULL").
		Count(&m.UntriagedAlerts).Error; err != nil {
		return nil, fmt.Errorf("failed to count untriaged alerts: %w", err)
	}

	var timings []struct {
		CreatedAt      time.Time
		AcknowledgedAt *time.Time
		ResolvedAt     *time.Time
		ClosedAt       *time.Time
	}
	if err := db.Model(&database.Incident{}).
		Select("created_at, acknowledged_at, resolved_at, closed_at").
		Where("acknowledged_at IS NOT NULL OR resolved_at IS NOT NULL OR closed_at IS NOT NULL").
		Scan(&timings).Error; err != nil {
		return nil, fmt.Errorf("failed to load incident timings: %w", err)
	}

	var ackSum, repairSum time.Duration
	var ackN, repairN int
	for _, t := range timings {
		if t.AcknowledgedAt != nil {
			ackSum += t.AcknowledgedAt.Sub(t.CreatedAt)
			ackN++
		}
		end := t.ClosedAt
		if end == nil {
			end = t.ResolvedAt
		}
		if end != nil {
			repairSum += end.Sub(t.CreatedAt)
			repairN++
		}
	}
	m.MTTAMinutes = averageMinutes(ackSum, ackN)
	m.MTTRMinutes = averageMinutes(repairSum, repairN)
	return m, nil
}

func averageMinutes(sum time.Duration, n int) *float64 {
	if n == 0 {
		return nil
	}
	v := math.Round(sum.Minutes() / float64(n))
	return &v
}

// ListRunbooks groups indexed chunks by document, ordered by document name,
// and assigns RB-001 style ids in that order
func (s *IncidentService) ListRunbooks(ctx context.Context, limit, offset int) (*RunbookPage, error) {
	limit, offset = ClampPage(limit, offset)

	var chunks []database.RunbookChunk
	err := s.db.WithContext(ctx).
		Select("source, source_document, chunk_index, title, tags, updated_at").
		Order("source_document ASC, chunk_index ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load runbook chunks: %w", err)
	}

	var docs []RunbookSummary
	index := make(map[string]int)
	for _, c := range chunks {
		i, ok := index[c.SourceDocument]
		if !ok {
			title := c.Title
			if title == "" {
				title = c.SourceDocument
			}
			docs = append(docs, RunbookSummary{
				Title:          title,
				Source:         c.Source,
				SourceDocument: c.SourceDocument,
				Tags:           database.StringList{},
				LastUpdated:    c.UpdatedAt,
			})
			i = len(docs) - 1
			index[c.SourceDocument] = i
		}
		d := &docs[i]
		d.Chunks++
		for _, tag := range c.Tags {
			if !d.Tags.Contains(tag) {
				d.Tags = append(d.Tags, tag)
			}
		}
		if c.UpdatedAt.After(d.LastUpdated) {
			d.LastUpdated = c.UpdatedAt
		}
	}

	sort.SliceStable(docs, func(a, b int) bool { return docs[a].SourceDocument < docs[b].SourceDocument })
	for i := range docs {
		docs[i].ID = fmt.Sprintf("RB-%03d", i+1)
	}

	total := len(docs)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return &RunbookPage{Items: docs[offset:end], Total: total, Limit: limit, Offset: offset}, nil
}
