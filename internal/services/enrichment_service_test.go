package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/opsrelay/internal/alerts/extraction"
	"github.com/akmatori/opsrelay/internal/database"
	"github.com/akmatori/opsrelay/internal/testhelpers"
)

func newTestEnrichment(db *gorm.DB, ml *extraction.MLClient) *EnrichmentService {
	return NewEnrichmentService(db, extraction.NewEnricher(ml, 0.4), newTestGrouping(db, nil))
}

func TestEnrichmentService_ProcessAlert(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	svc := newTestEnrichment(db, nil)

	alert := testhelpers.NewAlertBuilder().
		WithTitle("Database connection timeout on payment-service").
		WithMessage("checkout failing in production").
		Create(t, db)

	got, err := svc.ProcessAlert(context.Background(), alert.ID, false)
	if err != nil {
		t.Fatalf("ProcessAlert() error: %v", err)
	}
	if !got.IsProcessed() {
		t.Error("expected processed_at to be set")
	}
	if got.ClassificationSource != database.ClassificationSourceRule {
		t.Errorf("classification_source = %q, want rule", got.ClassificationSource)
	}
	if got.Severity == nil || *got.Severity != database.SeverityError {
		t.Errorf("severity = %v, want error", got.Severity)
	}
	if got.ServiceName != "payment-service" || got.EntitySource != database.EntitySourceRegex {
		t.Errorf("service = %q (%s), want payment-service (regex)", got.ServiceName, got.EntitySource)
	}
	if got.Environment != "production" {
		t.Errorf("environment = %q, want production", got.Environment)
	}
	if got.IncidentID == nil {
		t.Error("expected the alert to be grouped")
	}
}

func TestEnrichmentService_IsIdempotent(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	svc := newTestEnrichment(db, nil)
	alert := testhelpers.NewAlertBuilder().Create(t, db)

	first, err := svc.ProcessAlert(context.Background(), alert.ID, false)
	if err != nil {
		t.Fatalf("ProcessAlert() error: %v", err)
	}
	second, err := svc.ProcessAlert(context.Background(), alert.ID, false)
	if err != nil {
		t.Fatalf("second ProcessAlert() error: %v", err)
	}
	if !first.ProcessedAt.Equal(*second.ProcessedAt) {
		t.Error("second run reclassified an already processed alert")
	}
	if *first.IncidentID != *second.IncidentID {
		t.Error("second run regrouped the alert")
	}

	var incidents int64
	db.Model(&database.Incident{}).Count(&incidents)
	if incidents != 1 {
		t.Errorf("incidents = %d, want 1", incidents)
	}
}

func TestEnrichmentService_ForceReclassifies(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	svc := newTestEnrichment(db, nil)
	alert := testhelpers.NewAlertBuilder().Create(t, db)

	first, _ := svc.ProcessAlert(context.Background(), alert.ID, false)
	time.Sleep(5 * time.Millisecond)
	forced, err := svc.ProcessAlert(context.Background(), alert.ID, true)
	if err != nil {
		t.Fatalf("forced ProcessAlert() error: %v", err)
	}
	if !forced.ProcessedAt.After(*first.ProcessedAt) {
		t.Error("force did not rewrite the enrichment")
	}
}

func TestEnrichmentService_FallsBackWhenMLFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	db := testhelpers.NewTestDB(t)
	ml := extraction.NewMLClient(extraction.MLClientConfig{BaseURL: server.URL, Timeout: time.Second, RetryBackoff: time.Millisecond})
	svc := newTestEnrichment(db, ml)

	alert := testhelpers.NewAlertBuilder().
		WithTitle("Postgres down").
		WithMessage("").
		WithTags("service:orders-api", "env:staging").
		Create(t, db)

	got, err := svc.ProcessAlert(context.Background(), alert.ID, false)
	if err != nil {
		t.Fatalf("ProcessAlert() error: %v", err)
	}
	if got.ClassificationSource != database.ClassificationSourceFallbackRule {
		t.Errorf("classification_source = %q, want fallback_rule", got.ClassificationSource)
	}
	if got.ConfidenceScore == nil || *got.ConfidenceScore != 0.4 {
		t.Errorf("confidence = %v, want 0.4", got.ConfidenceScore)
	}
	if got.ServiceName != "orders-api" || got.EntitySource != database.EntitySourceTags {
		t.Errorf("service = %q (%s), want orders-api from tags", got.ServiceName, got.EntitySource)
	}
	if got.IncidentID == nil {
		t.Error("fallback must not drop the alert from grouping")
	}
}

func TestEnrichmentService_CancelledContextLeavesAlertUntouched(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	svc := newTestEnrichment(db, nil)
	alert := testhelpers.NewAlertBuilder().Create(t, db)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.ProcessAlert(ctx, alert.ID, false); err == nil {
		t.Fatal("expected an error for a cancelled context")
	}
	stored, _ := database.GetAlert(context.Background(), db, alert.ID)
	if stored.IsProcessed() {
		t.Error("cancelled run persisted a result")
	}
}

func TestEnrichmentService_UnknownAlert(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	svc := newTestEnrichment(db, nil)

	if _, err := svc.ProcessAlert(context.Background(), 404, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Reprocess(context.Background(), 404); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from Reprocess, got %v", err)
	}
}

func TestEnrichmentService_Reprocess(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	svc := newTestEnrichment(db, nil)
	alert := testhelpers.NewAlertBuilder().Processed().Create(t, db)

	task, err := svc.Reprocess(context.Background(), alert.ID)
	if err != nil {
		t.Fatalf("Reprocess() error: %v", err)
	}
	if !task.Force || task.AlertID != alert.ID || task.Status != database.TaskStatusPending {
		t.Errorf("unexpected task: %+v", task)
	}
}
