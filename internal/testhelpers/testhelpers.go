// Package testhelpers provides reusable testing utilities for OpsRelay.
//
// This package contains:
// - An in-memory test database with the full schema migrated
// - HTTP test helpers (requests, signed webhook bodies, assertions)
// - A mock alert adapter
// - Builders for alerts, incidents and runbook chunks
package testhelpers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/akmatori/opsrelay/internal/alerts"
	"github.com/akmatori/opsrelay/internal/database"
)

// ========================================
// Database
// ========================================

// NewTestDB opens a private in-memory SQLite database with all tables
// migrated. The pool is pinned to one connection so every query sees the
// same memory database.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?_foreign_keys=on"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: database.NowUTC,
	})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// ========================================
// HTTP Test Helpers
// ========================================

// HTTPTestContext holds components for HTTP handler testing
type HTTPTestContext struct {
	T        *testing.T
	Recorder *httptest.ResponseRecorder
	Request  *http.Request
}

// NewHTTPTestContext creates a new HTTP test context
func NewHTTPTestContext(t *testing.T, method, path string, body io.Reader) *HTTPTestContext {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	return &HTTPTestContext{
		T:        t,
		Recorder: httptest.NewRecorder(),
		Request:  req,
	}
}

// WithHeader adds a header to the request
func (ctx *HTTPTestContext) WithHeader(key, value string) *HTTPTestContext {
	ctx.Request.Header.Set(key, value)
	return ctx
}

// WithJSONBody sets JSON body on the request
func (ctx *HTTPTestContext) WithJSONBody(v interface{}) *HTTPTestContext {
	ctx.T.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		ctx.T.Fatalf("failed to marshal JSON body: %v", err)
	}
	return ctx.withBody(body)
}

// WithSignedBody sets a raw body and signs it the way source's adapter expects
func (ctx *HTTPTestContext) WithSignedBody(adapter alerts.Adapter, secret string, body []byte) *HTTPTestContext {
	ctx.withBody(body)
	sig := alerts.ComputeSignature(secret, body)
	switch adapter.GetSourceType() {
	case database.SourceSentry:
		sig = "1700000000," + sig
	case database.SourcePagerDuty:
		sig = "v1=" + sig
	}
	return ctx.WithHeader(adapter.SignatureHeader(), sig)
}

func (ctx *HTTPTestContext) withBody(body []byte) *HTTPTestContext {
	header := ctx.Request.Header.Clone()
	req := httptest.NewRequest(ctx.Request.Method, ctx.Request.URL.String(), bytes.NewReader(body))
	req.Header = header
	req.Header.Set("Content-Type", "application/json")
	ctx.Request = req
	return ctx
}

// WithBearerToken adds Authorization Bearer header
func (ctx *HTTPTestContext) WithBearerToken(token string) *HTTPTestContext {
	return ctx.WithHeader("Authorization", "Bearer "+token)
}

// Execute runs the handler and returns the response
func (ctx *HTTPTestContext) Execute(handler http.Handler) *HTTPTestContext {
	handler.ServeHTTP(ctx.Recorder, ctx.Request)
	return ctx
}

// AssertStatus checks the response status code
func (ctx *HTTPTestContext) AssertStatus(expected int) *HTTPTestContext {
	ctx.T.Helper()
	if ctx.Recorder.Code != expected {
		ctx.T.Errorf("expected status %d, got %d. Body: %s", expected, ctx.Recorder.Code, ctx.Recorder.Body.String())
	}
	return ctx
}

// AssertBodyContains checks if response body contains substring
func (ctx *HTTPTestContext) AssertBodyContains(substr string) *HTTPTestContext {
	ctx.T.Helper()
	body := ctx.Recorder.Body.String()
	if !strings.Contains(body, substr) {
		ctx.T.Errorf("expected body to contain %q, got: %s", substr, body)
	}
	return ctx
}

// DecodeJSON decodes response body as JSON
func (ctx *HTTPTestContext) DecodeJSON(v interface{}) *HTTPTestContext {
	ctx.T.Helper()
	if err := json.NewDecoder(ctx.Recorder.Body).Decode(v); err != nil {
		ctx.T.Fatalf("failed to decode JSON response: %v", err)
	}
	return ctx
}

// ========================================
// Mock Alert Adapter
// ========================================

// MockAlertAdapter implements alerts.Adapter for testing
type MockAlertAdapter struct {
	SourceType          string
	SignatureHeaderName string
	Parsed              *alerts.NormalizedAlert
	ParseError          error
	VerifyError         error
	VerifyCalled        bool
	ParseCalled         bool
}

// NewMockAlertAdapter creates a new mock adapter that accepts every body
func NewMockAlertAdapter(sourceType string) *MockAlertAdapter {
	return &MockAlertAdapter{
		SourceType:          sourceType,
		Parsed:              &alerts.NormalizedAlert{ExternalID: "mock-1", Title: "Mock alert"},
		SignatureHeaderName: "X-Mock-Signature",
	}
}

// GetSourceType returns the source type
func (m *MockAlertAdapter) GetSourceType() string {
	return m.SourceType
}

// SignatureHeader returns the configured header name
func (m *MockAlertAdapter) SignatureHeader() string {
	return m.SignatureHeaderName
}

// VerifySignature returns the configured verification error
func (m *MockAlertAdapter) VerifySignature(body []byte, header, secret string) error {
	m.VerifyCalled = true
	return m.VerifyError
}

// ParsePayload returns the configured alert or error
func (m *MockAlertAdapter) ParsePayload(body []byte) (*alerts.NormalizedAlert, error) {
	m.ParseCalled = true
	if m.ParseError != nil {
		return nil, m.ParseError
	}
	copied := *m.Parsed
	return &copied, nil
}

// WithAlert configures the alert returned from ParsePayload
func (m *MockAlertAdapter) WithAlert(alert alerts.NormalizedAlert) *MockAlertAdapter {
	m.Parsed = &alert
	return m
}

// WithParseError configures ParsePayload to return an error
func (m *MockAlertAdapter) WithParseError(err error) *MockAlertAdapter {
	m.ParseError = err
	return m
}

// WithVerifyError configures VerifySignature to return an error
func (m *MockAlertAdapter) WithVerifyError(err error) *MockAlertAdapter {
	m.VerifyError = err
	return m
}

// ========================================
// Timing Helpers
// ========================================

// MustCompleteWithin fails the test if the function takes longer than the timeout
func MustCompleteWithin(t *testing.T, timeout time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(timeout):
		t.Fatalf("function did not complete within %v", timeout)
	}
}

// Eventually polls cond until it holds or timeout elapses
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
