package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/akmatori/opsrelay/internal/api"
	"github.com/akmatori/opsrelay/internal/database"
	"github.com/akmatori/opsrelay/internal/runbooks"
	"github.com/akmatori/opsrelay/internal/services"
	"github.com/akmatori/opsrelay/internal/testhelpers"
)

type incidentPage struct {
	Items []struct {
		ID         uint                    `json:"id"`
		Status     database.IncidentStatus `json:"status"`
		AlertCount int64                   `json:"alert_count"`
	} `json:"items"`
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

func TestAPIHandler_ListIncidents(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	open := testhelpers.NewIncidentBuilder().WithTitle("Checkout down").WithSeverity(database.SeverityCritical).Create(t, env.db)
	testhelpers.NewIncidentBuilder().WithStatus(database.IncidentStatusResolved).Create(t, env.db)
	testhelpers.NewAlertBuilder().WithIncident(open.ID).Create(t, env.db)
	testhelpers.NewAlertBuilder().WithIncident(open.ID).Create(t, env.db)

	var page incidentPage
	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/api/incidents?status=open", nil).
		Execute(env.mux).
		AssertStatus(http.StatusOK).
		DecodeJSON(&page)

	if page.Total != 1 || len(page.Items) != 1 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if page.Items[0].ID != open.ID || page.Items[0].AlertCount != 2 {
		t.Errorf("unexpected item: %+v", page.Items[0])
	}
	if page.Limit != 50 || page.Offset != 0 {
		t.Errorf("limit/offset = %d/%d, want 50/0", page.Limit, page.Offset)
	}
}

func TestAPIHandler_ListIncidents_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/api/incidents", nil).
		Execute(env.mux).
		AssertStatus(http.StatusOK).
		AssertBodyContains(`"items":[]`)
}

func TestAPIHandler_ListIncidents_InvalidQuery(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	tests := []struct {
		query string
		field string
	}{
		{"status=paused", "status"},
		{"severity=urgent", "severity"},
		{"created_from=2024-13-01", "created_from"},
		{"updated_to=now", "updated_to"},
		{"limit=abc", "limit"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			ctx := testhelpers.NewHTTPTestContext(t, http.MethodGet, "/api/incidents?"+tt.query, nil).
				Execute(env.mux).
				AssertStatus(http.StatusUnprocessableEntity)
			details, _ := decodeError(t, ctx)["details"].(map[string]interface{})
			if _, ok := details[tt.field]; !ok {
				t.Errorf("details = %v, want entry for %s", details, tt.field)
			}
		})
	}
}

func TestAPIHandler_GetIncident(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	incident := testhelpers.NewIncidentBuilder().Create(t, env.db)
	testhelpers.NewAlertBuilder().WithIncident(incident.ID).Create(t, env.db)

	var detail api.IncidentDetailResponse
	testhelpers.NewHTTPTestContext(t, http.MethodGet, fmt.Sprintf("/api/incidents/%d", incident.ID), nil).
		Execute(env.mux).
		AssertStatus(http.StatusOK).
		DecodeJSON(&detail)

	if detail.Incident.ID != incident.ID || len(detail.Alerts) != 1 || detail.Actions == nil {
		t.Errorf("unexpected detail: %+v", detail)
	}

	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/api/incidents/999", nil).
		Execute(env.mux).
		AssertStatus(http.StatusNotFound)
	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/api/incidents/zero", nil).
		Execute(env.mux).
		AssertStatus(http.StatusBadRequest)
}

func TestAPIHandler_DeleteIncident(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	incident := testhelpers.NewIncidentBuilder().Create(t, env.db)
	alert := testhelpers.NewAlertBuilder().WithIncident(incident.ID).Create(t, env.db)
	path := fmt.Sprintf("/api/incidents/%d", incident.ID)

	testhelpers.NewHTTPTestContext(t, http.MethodDelete, path, nil).
		Execute(env.mux).
		AssertStatus(http.StatusNoContent)
	testhelpers.NewHTTPTestContext(t, http.MethodDelete, path, nil).
		Execute(env.mux).
		AssertStatus(http.StatusNotFound)

	stored, err := database.GetAlert(context.Background(), env.db, alert.ID)
	if err != nil {
		t.Fatalf("alert should survive its incident: %v", err)
	}
	if stored.IncidentID != nil {
		t.Errorf("alert still linked to incident #%d", *stored.IncidentID)
	}
}

func patchStatus(t *testing.T, env *testEnv, id uint, body string) *testhelpers.HTTPTestContext {
	t.Helper()
	return testhelpers.NewHTTPTestContext(t, http.MethodPatch, fmt.Sprintf("/api/incidents/%d/status", id), bytes.NewBufferString(body)).
		Execute(env.mux)
}

func TestAPIHandler_UpdateStatus(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	incident := testhelpers.NewIncidentBuilder().Create(t, env.db)

	var updated database.Incident
	patchStatus(t, env, incident.ID, `{"status":"investigating"}`).
		AssertStatus(http.StatusOK).
		DecodeJSON(&updated)

	if updated.Status != database.IncidentStatusInvestigating || updated.AcknowledgedAt == nil {
		t.Errorf("unexpected incident: status=%s acknowledged_at=%v", updated.Status, updated.AcknowledgedAt)
	}

	actions, err := database.IncidentActions(context.Background(), env.db, incident.ID)
	if err != nil {
		t.Fatalf("IncidentActions: %v", err)
	}
	if len(actions) != 1 || actions[0].ActionType != database.ActionStatusChange || actions[0].User != "system" {
		t.Errorf("unexpected audit trail: %+v", actions)
	}
}

func TestAPIHandler_UpdateStatus_Rejections(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	incident := testhelpers.NewIncidentBuilder().Create(t, env.db)

	tests := []struct {
		name     string
		id       uint
		body     string
		expected int
		code     string
	}{
		{"same status", incident.ID, `{"status":"open"}`, http.StatusConflict, "invalid_transition"},
		{"skips a step", incident.ID, `{"status":"resolved"}`, http.StatusConflict, "invalid_transition"},
		{"unknown status", incident.ID, `{"status":"paused"}`, http.StatusUnprocessableEntity, "validation_error"},
		{"missing status", incident.ID, `{}`, http.StatusUnprocessableEntity, "validation_error"},
		{"malformed body", incident.ID, `{"status":`, http.StatusBadRequest, ""},
		{"unknown incident", 999, `{"status":"investigating"}`, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := patchStatus(t, env, tt.id, tt.body).AssertStatus(tt.expected)
			if tt.code == "" {
				return
			}
			if body := decodeError(t, ctx); body["code"] != tt.code {
				t.Errorf("code = %v, want %s", body["code"], tt.code)
			}
		})
	}

	reloaded, err := database.GetIncident(context.Background(), env.db, incident.ID)
	if err != nil {
		t.Fatalf("GetIncident: %v", err)
	}
	if reloaded.Status != database.IncidentStatusOpen {
		t.Errorf("rejected transitions changed status to %s", reloaded.Status)
	}
	actions, err := database.IncidentActions(context.Background(), env.db, incident.ID)
	if err != nil {
		t.Fatalf("IncidentActions: %v", err)
	}
	if len(actions) != 0 {
		t.Errorf("rejected transitions left %d audit entries", len(actions))
	}
}

func TestAPIHandler_SimilarIncidents(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	target := testhelpers.NewIncidentBuilder().WithTitle("checkout latency spike").WithServices("checkout").Create(t, env.db)
	testhelpers.NewIncidentBuilder().WithTitle("checkout latency spike again").WithServices("checkout").Create(t, env.db)

	var resp api.SimilarIncidentsResponse
	testhelpers.NewHTTPTestContext(t, http.MethodGet, fmt.Sprintf("/api/incidents/%d/similar?limit=3", target.ID), nil).
		Execute(env.mux).
		AssertStatus(http.StatusOK).
		DecodeJSON(&resp)

	if resp.IncidentID != target.ID || resp.Items == nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	for _, item := range resp.Items {
		if item.ID == target.ID {
			t.Error("an incident must not be similar to itself")
		}
	}

	testhelpers.NewHTTPTestContext(t, http.MethodGet, fmt.Sprintf("/api/incidents/%d/similar?limit=21", target.ID), nil).
		Execute(env.mux).
		AssertStatus(http.StatusUnprocessableEntity)
	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/api/incidents/999/similar", nil).
		Execute(env.mux).
		AssertStatus(http.StatusNotFound)
}

func TestAPIHandler_Summarize(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	incident := testhelpers.NewIncidentBuilder().WithTitle("Payments failing").WithSeverity(database.SeverityCritical).Create(t, env.db)
	testhelpers.NewAlertBuilder().WithIncident(incident.ID).WithTitle("payments 500s").Create(t, env.db)
	path := fmt.Sprintf("/api/incidents/%d/summarize", incident.ID)

	var first, second, forced api.SummaryResponse
	testhelpers.NewHTTPTestContext(t, http.MethodPost, path, nil).
		Execute(env.mux).
		AssertStatus(http.StatusOK).
		DecodeJSON(&first)
	testhelpers.NewHTTPTestContext(t, http.MethodPost, path, nil).
		Execute(env.mux).
		AssertStatus(http.StatusOK).
		DecodeJSON(&second)
	testhelpers.NewHTTPTestContext(t, http.MethodPost, path+"?force=true", nil).
		Execute(env.mux).
		AssertStatus(http.StatusOK).
		DecodeJSON(&forced)

	if first.Cached || !second.Cached || forced.Cached {
		t.Errorf("cached flags = %v/%v/%v, want false/true/false", first.Cached, second.Cached, forced.Cached)
	}
	if first.Summary == "" || second.Summary != first.Summary {
		t.Errorf("cached summary differs: %q vs %q", first.Summary, second.Summary)
	}
	if len(first.Citations) == 0 || first.Citations[0].Type != database.CitationAlert {
		t.Errorf("unexpected citations: %+v", first.Citations)
	}
	if len(first.NextSteps) == 0 {
		t.Error("expected next steps")
	}

	testhelpers.NewHTTPTestContext(t, http.MethodPost, path+"?force=maybe", nil).
		Execute(env.mux).
		AssertStatus(http.StatusUnprocessableEntity)
	testhelpers.NewHTTPTestContext(t, http.MethodPost, "/api/incidents/999/summarize", nil).
		Execute(env.mux).
		AssertStatus(http.StatusNotFound)
}

func TestAPIHandler_ListRunbooks(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	testhelpers.NewRunbookChunkBuilder().WithDocument("b-db.md", 0).WithTitle("Database").Create(t, env.db)
	testhelpers.NewRunbookChunkBuilder().WithDocument("a-api.md", 0).WithTitle("API").Create(t, env.db)
	testhelpers.NewRunbookChunkBuilder().WithDocument("a-api.md", 1).WithTitle("API").Create(t, env.db)

	var page struct {
		Items []services.RunbookSummary `json:"items"`
		Total int64                     `json:"total"`
	}
	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/api/runbooks", nil).
		Execute(env.mux).
		AssertStatus(http.StatusOK).
		DecodeJSON(&page)

	if page.Total != 2 || len(page.Items) != 2 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if page.Items[0].ID != "RB-001" || page.Items[0].SourceDocument != "a-api.md" || page.Items[0].Chunks != 2 {
		t.Errorf("unexpected first runbook: %+v", page.Items[0])
	}
	if page.Items[1].ID != "RB-002" {
		t.Errorf("second id = %s, want RB-002", page.Items[1].ID)
	}
}

func TestAPIHandler_ReindexRunbooks(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		env := newTestEnv(t, envOptions{})
		testhelpers.NewHTTPTestContext(t, http.MethodPost, "/api/runbooks/reindex", nil).
			Execute(env.mux).
			AssertStatus(http.StatusServiceUnavailable)
	})

	t.Run("reports ingestion", func(t *testing.T) {
		indexer := &fakeIndexer{report: &runbooks.Report{Documents: 2, Inserted: 4, CorpusVersion: "v1"}}
		env := newTestEnv(t, envOptions{indexer: indexer})

		var resp api.ReindexResponse
		testhelpers.NewHTTPTestContext(t, http.MethodPost, "/api/runbooks/reindex", nil).
			Execute(env.mux).
			AssertStatus(http.StatusOK).
			DecodeJSON(&resp)
		if resp.Documents != 2 || resp.Inserted != 4 || resp.CorpusVersion != "v1" || resp.Removed == nil {
			t.Errorf("unexpected response: %+v", resp)
		}
	})

	t.Run("ingestion failure", func(t *testing.T) {
		env := newTestEnv(t, envOptions{indexer: &fakeIndexer{err: errors.New("disk gone")}})
		ctx := testhelpers.NewHTTPTestContext(t, http.MethodPost, "/api/runbooks/reindex", nil).
			Execute(env.mux).
			AssertStatus(http.StatusInternalServerError)
		if body := decodeError(t, ctx); body["error"] != "Failed to reindex runbooks" {
			t.Errorf("internal error leaked: %v", body["error"])
		}
	})
}

func TestAPIHandler_DashboardMetrics(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	testhelpers.NewIncidentBuilder().WithSeverity(database.SeverityCritical).Create(t, env.db)
	testhelpers.NewIncidentBuilder().Create(t, env.db)
	testhelpers.NewAlertBuilder().Create(t, env.db)

	var m services.DashboardMetrics
	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/api/dashboard/metrics", nil).
		Execute(env.mux).
		AssertStatus(http.StatusOK).
		AssertBodyContains(`"mtta_minutes":null`).
		DecodeJSON(&m)

	if m.ActiveIncidents != 2 || m.CriticalIncidents != 1 || m.UntriagedAlerts != 1 {
		t.Errorf("unexpected metrics: %+v", m)
	}
}

func TestAPIHandler_Docs(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	ctx := testhelpers.NewHTTPTestContext(t, http.MethodGet, "/api/openapi.yaml", nil).
		Execute(env.mux).
		AssertStatus(http.StatusOK).
		AssertBodyContains("/api/incidents/{id}/summarize")
	if ct := ctx.Recorder.Header().Get("Content-Type"); ct != "application/yaml" {
		t.Errorf("Content-Type = %q", ct)
	}

	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/api/docs", nil).
		Execute(env.mux).
		AssertStatus(http.StatusOK).
		AssertBodyContains("OpsRelay API Docs")
}
