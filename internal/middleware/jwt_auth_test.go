package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestJWTMiddleware(t *testing.T) *JWTAuthMiddleware {
	t.Helper()
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	return NewJWTAuthMiddleware(&JWTAuthConfig{
		Enabled:           true,
		AdminUsername:     "admin",
		AdminPasswordHash: hash,
		JWTSecret:         "test-secret",
		JWTExpiryHours:    2,
		SkipPaths:         []string{"/health", "/webhook/*", "/auth/login"},
	})
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(GetUserFromContext(r.Context()))) // ignore: test ResponseRecorder never fails
	})
}

func TestJWTAuth_Disabled(t *testing.T) {
	m := newTestJWTMiddleware(t)
	m.SetEnabled(false)

	rec := httptest.NewRecorder()
	m.Wrap(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/incidents", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if m.IsEnabled() {
		t.Error("Expected auth to be disabled")
	}
}

func TestJWTAuth_MissingToken(t *testing.T) {
	m := newTestJWTMiddleware(t)

	rec := httptest.NewRecorder()
	m.Wrap(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/incidents", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("Expected WWW-Authenticate header")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestJWTAuth_ValidBearerToken(t *testing.T) {
	m := newTestJWTMiddleware(t)
	token, err := m.GenerateToken("admin")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/incidents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	m.Wrap(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "admin" {
		t.Errorf("user in context = %q, want admin", rec.Body.String())
	}
}

func TestJWTAuth_InvalidToken(t *testing.T) {
	m := newTestJWTMiddleware(t)

	req := httptest.NewRequest(http.MethodGet, "/api/incidents", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	m.Wrap(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestJWTAuth_RejectsForeignSecretAndIssuer(t *testing.T) {
	m := newTestJWTMiddleware(t)

	tests := []struct {
		name   string
		secret string
		issuer string
	}{
		{"wrong secret", "other-secret", tokenIssuer},
		{"wrong issuer", "test-secret", "someone-else"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := UserClaims{
				Username: "admin",
				RegisteredClaims: jwt.RegisteredClaims{
					ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
					Issuer:    tt.issuer,
				},
			}
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(tt.secret))
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			if _, err := m.ValidateToken(token); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestJWTAuth_ExpiredToken(t *testing.T) {
	m := newTestJWTMiddleware(t)
	claims := UserClaims{
		Username: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			Issuer:    tokenIssuer,
		},
	}
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))

	if _, err := m.ValidateToken(token); err == nil {
		t.Error("Expected expired token to be rejected")
	}
}

func TestJWTAuth_QueryTokenOnlyOnChatRoutes(t *testing.T) {
	m := newTestJWTMiddleware(t)
	token, _ := m.GenerateToken("admin")

	tests := []struct {
		path string
		want int
	}{
		{"/api/chat/stream?incident_id=1&" + TokenQueryParam + "=" + token, http.StatusOK},
		{"/api/chat/ws?" + TokenQueryParam + "=" + token, http.StatusOK},
		{"/api/incidents?" + TokenQueryParam + "=" + token, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(strings.SplitN(tt.path, "?", 2)[0], func(t *testing.T) {
			rec := httptest.NewRecorder()
			m.Wrap(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestJWTAuth_SkipPaths(t *testing.T) {
	m := newTestJWTMiddleware(t)

	tests := []struct {
		path string
		want int
	}{
		{"/health", http.StatusOK},
		{"/auth/login", http.StatusOK},
		{"/webhook/datadog", http.StatusOK},
		{"/webhook/pagerduty", http.StatusOK},
		{"/healthz", http.StatusUnauthorized},
		{"/api/incidents", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			m.Wrap(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestJWTAuth_ValidateCredentials(t *testing.T) {
	m := newTestJWTMiddleware(t)

	if !m.ValidateCredentials("admin", "s3cret") {
		t.Error("Expected valid credentials to pass")
	}
	if m.ValidateCredentials("admin", "wrong") {
		t.Error("Expected wrong password to fail")
	}
	if m.ValidateCredentials("root", "s3cret") {
		t.Error("Expected wrong username to fail")
	}
}

func TestJWTAuth_ExpiresIn(t *testing.T) {
	m := newTestJWTMiddleware(t)
	if got := m.ExpiresIn(); got != 2*time.Hour {
		t.Errorf("ExpiresIn = %v, want 2h", got)
	}
}

func TestJWTAuth_WrapFunc(t *testing.T) {
	m := newTestJWTMiddleware(t)
	called := false
	h := m.WrapFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/api/incidents", nil))

	if called {
		t.Error("Handler should not run without a token")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}
