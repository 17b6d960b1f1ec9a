package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParsePagination_Defaults(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	p, errs := ParsePagination(r)

	if errs != nil {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if p.Limit != 50 {
		t.Errorf("limit = %d, want 50", p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("offset = %d, want 0", p.Offset)
	}
}

func TestParsePagination_CustomValues(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test?limit=25&offset=75", nil)
	p, errs := ParsePagination(r)

	if errs != nil {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if p.Limit != 25 {
		t.Errorf("limit = %d, want 25", p.Limit)
	}
	if p.Offset != 75 {
		t.Errorf("offset = %d, want 75", p.Offset)
	}
}

func TestParsePagination_MaxLimit(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test?limit=500", nil)
	p, errs := ParsePagination(r)

	if errs != nil {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if p.Limit != 200 {
		t.Errorf("limit = %d, want 200 (capped)", p.Limit)
	}
}

func TestParsePagination_InvalidValues(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantField string
	}{
		{"negative limit", "limit=-1", "limit"},
		{"zero limit", "limit=0", "limit"},
		{"non-numeric limit", "limit=abc", "limit"},
		{"negative offset", "offset=-5", "offset"},
		{"non-numeric offset", "offset=x", "offset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/test?"+tt.query, nil)
			_, errs := ParsePagination(r)

			if errs == nil {
				t.Fatal("expected field errors")
			}
			if _, ok := errs[tt.wantField]; !ok {
				t.Errorf("errors = %v, want entry for %q", errs, tt.wantField)
			}
		})
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		query   string
		want    int
		wantErr bool
	}{
		{"", 5, false},
		{"limit=1", 1, false},
		{"limit=20", 20, false},
		{"limit=21", 0, true},
		{"limit=0", 0, true},
		{"limit=abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/test?"+tt.query, nil)
			got, errs := ParseLimit(r, "limit", 5, 20)

			if tt.wantErr {
				if errs["limit"] == "" {
					t.Errorf("expected limit error, got %v", errs)
				}
				return
			}
			if errs != nil {
				t.Fatalf("unexpected errors: %v", errs)
			}
			if got != tt.want {
				t.Errorf("limit = %d, want %d", got, tt.want)
			}
		})
	}
}
