package testhelpers

import (
	"errors"
	"net/http"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/akmatori/opsrelay/internal/alerts"
	"github.com/akmatori/opsrelay/internal/alerts/adapters"
	"github.com/akmatori/opsrelay/internal/database"
)

func TestNewTestDB_Isolated(t *testing.T) {
	db1 := NewTestDB(t)
	db2 := NewTestDB(t)

	NewAlertBuilder().Create(t, db1)

	var count int64
	db2.Model(&database.Alert{}).Count(&count)
	if count != 0 {
		t.Errorf("expected separate databases, found %d alerts in the second", count)
	}
}

func TestHTTPTestContext_WithSignedBody(t *testing.T) {
	body := []byte(`{"event":{"id":"e1"}}`)
	adapter := adapters.NewPagerDutyAdapter()

	ctx := NewHTTPTestContext(t, http.MethodPost, "/webhook/pagerduty", nil).
		WithHeader("X-Request-ID", "keep-me").
		WithSignedBody(adapter, "secret", body)

	header := ctx.Request.Header.Get("X-PagerDuty-Signature")
	if err := adapter.VerifySignature(body, header, "secret"); err != nil {
		t.Errorf("signed body did not verify: %v", err)
	}
	if ctx.Request.Header.Get("X-Request-ID") != "keep-me" {
		t.Error("existing headers should survive a body swap")
	}
}

func TestMockAlertAdapter(t *testing.T) {
	mock := NewMockAlertAdapter("mock").
		WithAlert(alerts.NormalizedAlert{ExternalID: "abc"}).
		WithVerifyError(alerts.ErrInvalidSignature)

	if err := mock.VerifySignature(nil, "", ""); !errors.Is(err, alerts.ErrInvalidSignature) {
		t.Errorf("expected configured verify error, got %v", err)
	}
	parsed, err := mock.ParsePayload(nil)
	if err != nil || parsed.ExternalID != "abc" {
		t.Errorf("unexpected parse result %+v, %v", parsed, err)
	}
	if !mock.VerifyCalled || !mock.ParseCalled {
		t.Error("expected calls to be recorded")
	}
}

func TestBuilders_Create(t *testing.T) {
	db := NewTestDB(t)

	updated := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	incident := NewIncidentBuilder().
		WithTitle("DB outage").
		WithServices("db").
		WithEmbedding([]float32{1, 0, 0}, "hash").
		WithTimes(updated, updated).
		Create(t, db)

	alert := NewAlertBuilder().WithIncident(incident.ID).WithSeverity(database.SeverityCritical).Create(t, db)
	other := NewAlertBuilder().Create(t, db)
	if alert.ExternalID == other.ExternalID {
		t.Error("expected unique external ids across builders")
	}

	var loaded database.Incident
	if err := db.First(&loaded, incident.ID).Error; err != nil {
		t.Fatalf("failed to load incident: %v", err)
	}
	if !loaded.UpdatedAt.Equal(updated) {
		t.Errorf("expected updated_at %v, got %v", updated, loaded.UpdatedAt)
	}
	if len(loaded.EmbeddingSlice()) != 3 {
		t.Errorf("expected embedding to round-trip, got %v", loaded.EmbeddingSlice())
	}
	if !loaded.AffectedServices.Contains("db") {
		t.Errorf("expected services to round-trip, got %v", loaded.AffectedServices)
	}

	chunk := NewRunbookChunkBuilder().WithDocument("cache.md", 2).Create(t, db)
	if chunk.ID == 0 {
		t.Error("expected chunk id to be assigned")
	}
}

func TestConcurrentTest_RunsEveryWorker(t *testing.T) {
	var ran atomic.Int32
	seen := make([]atomic.Bool, 8)

	ConcurrentTest(t, 8, func(id int) {
		ran.Add(1)
		seen[id].Store(true)
	})

	if ran.Load() != 8 {
		t.Errorf("ran %d workers, want 8", ran.Load())
	}
	for i := range seen {
		if !seen[i].Load() {
			t.Errorf("worker %d did not run", i)
		}
	}
}

func TestWriteTestFile_CreatesParents(t *testing.T) {
	dir := t.TempDir()
	path := WriteTestFile(t, dir, "nested/runbook.md", "# Title")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "# Title" {
		t.Errorf("content = %q", data)
	}
}
