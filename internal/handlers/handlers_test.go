package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"

	"gorm.io/gorm"

	"github.com/akmatori/opsrelay/internal/alerts"
	"github.com/akmatori/opsrelay/internal/alerts/adapters"
	"github.com/akmatori/opsrelay/internal/alerts/extraction"
	"github.com/akmatori/opsrelay/internal/chat"
	"github.com/akmatori/opsrelay/internal/config"
	"github.com/akmatori/opsrelay/internal/database"
	"github.com/akmatori/opsrelay/internal/embedding"
	"github.com/akmatori/opsrelay/internal/middleware"
	"github.com/akmatori/opsrelay/internal/retrieval"
	"github.com/akmatori/opsrelay/internal/runbooks"
	"github.com/akmatori/opsrelay/internal/services"
	"github.com/akmatori/opsrelay/internal/testhelpers"
)

const testWebhookSecret = "hook-secret"

type countingNotifier struct {
	calls atomic.Int32
}

func (n *countingNotifier) Notify() { n.calls.Add(1) }

type fakeIndexer struct {
	report *runbooks.Report
	err    error
}

func (f *fakeIndexer) IngestFolder(ctx context.Context) (*runbooks.Report, error) {
	return f.report, f.err
}

type testEnv struct {
	db        *gorm.DB
	registry  *alerts.Registry
	notifier  *countingNotifier
	incidents *services.IncidentService
	grouping  *services.GroupingService
	mux       *http.ServeMux
}

type envOptions struct {
	limiter *middleware.RateLimiter
	indexer RunbookIndexer
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	db := testhelpers.NewTestDB(t)
	tuning := config.DefaultTuning()
	embedder := embedding.NewHashEmbedder(embedding.Dimension)

	registry := alerts.NewRegistry(
		adapters.NewDatadogAdapter(),
		adapters.NewSentryAdapter(),
		adapters.NewPagerDutyAdapter(),
	)
	secrets := map[string]string{
		database.SourceDatadog:   testWebhookSecret,
		database.SourceSentry:    testWebhookSecret,
		database.SourcePagerDuty: testWebhookSecret,
	}
	ingest := services.NewIngestService(db, registry, secrets, false)
	grouping := services.NewGroupingService(db, tuning.Grouping, embedder, nil)
	enrichment := services.NewEnrichmentService(db, extraction.NewEnricher(nil, 0.4), grouping)
	incidents := services.NewIncidentService(db)
	similarity := services.NewSimilarityService(db, retrieval.NewEngine(nil), embedder, tuning.Retrieval)
	summary := services.NewSummaryService(db, similarity)
	notifier := &countingNotifier{}

	mux := http.NewServeMux()
	alertHandler := NewAlertHandler(ingest, incidents, enrichment, opts.limiter, notifier)
	alertHandler.SetupRoutes(mux)
	NewHTTPHandler(db, alertHandler).SetupRoutes(mux)
	NewAPIHandler(incidents, grouping, similarity, summary, opts.indexer).SetupRoutes(mux)
	NewChatHandler(incidents, chat.NewOrchestrator(summary, nil), chat.StreamOptions{}).SetupRoutes(mux)

	return &testEnv{
		db:        db,
		registry:  registry,
		notifier:  notifier,
		incidents: incidents,
		grouping:  grouping,
		mux:       mux,
	}
}

func (e *testEnv) adapter(t *testing.T, source string) alerts.Adapter {
	t.Helper()
	a, ok := e.registry.Get(source)
	if !ok {
		t.Fatalf("no adapter for %s", source)
	}
	return a
}

func decodeError(t *testing.T, ctx *testhelpers.HTTPTestContext) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(ctx.Recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body %q: %v", ctx.Recorder.Body.String(), err)
	}
	return body
}
