package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/opsrelay/internal/alerts"
	"github.com/akmatori/opsrelay/internal/database"
	"github.com/akmatori/opsrelay/internal/metrics"
	"github.com/akmatori/opsrelay/internal/utils"
)

// IngestResult describes what happened to one webhook delivery
type IngestResult struct {
	Accepted   bool   `json:"accepted"`
	Duplicate  bool   `json:"duplicate"`
	AlertID    uint   `json:"alert_id"`
	ExternalID string `json:"external_id"`
}

// IngestService is the signature and dedup gate in front of the alert store
type IngestService struct {
	db               *gorm.DB
	registry         *alerts.Registry
	secrets          map[string]string
	skipVerification bool
	now              func() time.Time
}

// NewIngestService creates an ingest gate. skipVerification must only be set
// outside production; config loading enforces that.
func NewIngestService(db *gorm.DB, registry *alerts.Registry, secrets map[string]string, skipVerification bool) *IngestService {
	if skipVerification {
		log.Println("IngestService: WARNING webhook signature verification is disabled")
	}
	return &IngestService{
		db:               db,
		registry:         registry,
		secrets:          secrets,
		skipVerification: skipVerification,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// SignatureHeader returns the header the given source signs with
func (s *IngestService) SignatureHeader(source string) (string, error) {
	adapter, ok := s.registry.Get(source)
	if !ok {
		return "", fmt.Errorf("%w: unknown alert source %q", ErrNotFound, source)
	}
	return adapter.SignatureHeader(), nil
}

// Ingest verifies, parses, deduplicates and stores one webhook body. The
// alert and its enrichment task are written in one transaction; no
// classification happens here.
func (s *IngestService) Ingest(ctx context.Context, source string, rawBody []byte, signature string) (*IngestResult, error) {
	adapter, ok := s.registry.Get(source)
	if !ok {
		return nil, fmt.Errorf("%w: unknown alert source %q", ErrNotFound, source)
	}
	source = adapter.GetSourceType()

	if !s.skipVerification {
		if err := adapter.VerifySignature(rawBody, signature, s.secrets[source]); err != nil {
			metrics.AlertsIngested.WithLabelValues(source, "unauthorized").Inc()
			return nil, fmt.Errorf("%w: %v", ErrAuth, err)
		}
	}

	normalized, err := adapter.ParsePayload(rawBody)
	if err != nil {
		metrics.AlertsIngested.WithLabelValues(source, "invalid").Inc()
		log.Printf("IngestService: rejected %s payload: %v (body: %s)", source, err, utils.EscapeForLogging(string(rawBody), 200))
		return nil, NewValidationError("payload", err.Error())
	}

	now := s.now()
	occurred := now
	if normalized.OccurredAt != nil && !normalized.OccurredAt.IsZero() {
		occurred = normalized.OccurredAt.UTC()
	}

	alert := &database.Alert{
		ExternalID:     normalized.ExternalID,
		Source:         source,
		Title:          normalized.Title,
		Message:        normalized.Message,
		RawPayload:     append([]byte(nil), rawBody...),
		Tags:           database.StringList(normalized.Tags),
		AlertTimestamp: occurred,
		ReceivedAt:     now,
	}

	stored, created, err := database.InsertAlertWithTask(ctx, s.db, alert)
	if err != nil {
		return nil, fmt.Errorf("failed to store alert: %w", err)
	}

	result := &IngestResult{
		Accepted:   true,
		Duplicate:  !created,
		AlertID:    stored.ID,
		ExternalID: stored.ExternalID,
	}
	if created {
		metrics.AlertsIngested.WithLabelValues(source, "accepted").Inc()
		log.Printf("IngestService: stored %s alert %s as #%d", source, stored.ExternalID, stored.ID)
	} else {
		metrics.AlertsIngested.WithLabelValues(source, "duplicate").Inc()
		log.Printf("IngestService: duplicate %s alert %s (existing #%d)", source, stored.ExternalID, stored.ID)
	}
	return result, nil
}
