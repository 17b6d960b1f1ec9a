package handlers

import (
	"net/http"
	"strings"
	"testing"

	"github.com/akmatori/opsrelay/internal/api"
	"github.com/akmatori/opsrelay/internal/testhelpers"
)

func TestHTTPHandler_handleHealth(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	var resp api.HealthResponse
	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/health", nil).
		Execute(env.mux).
		AssertStatus(http.StatusOK).
		DecodeJSON(&resp)

	if resp.Status != "ok" || resp.Database != "ok" {
		t.Errorf("unexpected health response: %+v", resp)
	}
}

func TestHTTPHandler_handleHealth_DatabaseDown(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	sqlDB, err := env.db.DB()
	if err != nil {
		t.Fatalf("DB(): %v", err)
	}
	sqlDB.Close()

	var resp api.HealthResponse
	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/health", nil).
		Execute(env.mux).
		AssertStatus(http.StatusServiceUnavailable).
		DecodeJSON(&resp)

	if resp.Status != "degraded" {
		t.Errorf("status = %q, want degraded", resp.Status)
	}
}

func TestHTTPHandler_Metrics(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	ctx := testhelpers.NewHTTPTestContext(t, http.MethodGet, "/metrics", nil).
		Execute(env.mux).
		AssertStatus(http.StatusOK)

	if !strings.Contains(ctx.Recorder.Body.String(), "go_goroutines") {
		t.Error("expected Prometheus exposition output")
	}
}

func TestHTTPHandler_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	testhelpers.NewHTTPTestContext(t, http.MethodPost, "/health", nil).
		Execute(env.mux).
		AssertStatus(http.StatusMethodNotAllowed)
	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/webhook/datadog", nil).
		Execute(env.mux).
		AssertStatus(http.StatusMethodNotAllowed)
}
