package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimiter_BurstThenReject(t *testing.T) {
	l := NewRateLimiter(0.001, 2)

	if !l.Allow("datadog") || !l.Allow("datadog") {
		t.Fatal("Expected burst of 2 to be allowed")
	}
	if l.Allow("datadog") {
		t.Error("Expected third request to be limited")
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	l := NewRateLimiter(0.001, 1)

	if !l.Allow("datadog") {
		t.Fatal("Expected first datadog request to be allowed")
	}
	if !l.Allow("sentry") {
		t.Error("Expected sentry to have its own bucket")
	}
	if l.Allow("datadog") {
		t.Error("Expected second datadog request to be limited")
	}
}

func TestRateLimiter_DisabledWhenNonPositive(t *testing.T) {
	l := NewRateLimiter(0, 0)
	for i := 0; i < 1000; i++ {
		if !l.Allow("datadog") {
			t.Fatalf("request %d limited with limiting disabled", i)
		}
	}
}

func TestRateLimiter_Reject(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRateLimiter(1, 1).Reject(rec)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", rec.Header().Get("Retry-After"))
	}
}
