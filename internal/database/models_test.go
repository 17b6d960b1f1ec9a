package database

import (
	"testing"
)

func TestJSONB_Scan(t *testing.T) {
	tests := []struct {
		name    string
		input   interface{}
		wantErr bool
	}{
		{name: "nil value", input: nil},
		{name: "valid JSON bytes", input: []byte(`{"key": "value"}`)},
		{name: "valid JSON string", input: `{"key": "value"}`},
		{name: "invalid JSON", input: []byte(`not json`), wantErr: true},
		{name: "wrong type", input: 42, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var j JSONB
			err := j.Scan(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("Scan() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJSONB_Value(t *testing.T) {
	var empty JSONB
	v, err := empty.Value()
	if err != nil || v != nil {
		t.Errorf("nil JSONB Value() = %v, %v; want nil, nil", v, err)
	}

	v, err = JSONB{"from": "open"}.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	if v != `{"from":"open"}` {
		t.Errorf("Value() = %v", v)
	}
}

func TestStringList_RoundTrip(t *testing.T) {
	list := StringList{"api-service", "db"}
	v, err := list.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}

	var out StringList
	if err := out.Scan(v); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(out) != 2 || out[0] != "api-service" || out[1] != "db" {
		t.Errorf("round trip = %v", out)
	}
	if !out.Contains("db") || out.Contains("cache") {
		t.Errorf("Contains() gave wrong answer for %v", out)
	}

	var nilList StringList
	v, _ = nilList.Value()
	if v != "[]" {
		t.Errorf("nil StringList Value() = %v, want []", v)
	}
}

func TestCitations_RoundTrip(t *testing.T) {
	idx := 2
	score := 0.588
	c := Citations{
		{Type: CitationAlert, ID: 7, Title: "CPU high"},
		{Type: CitationRunbook, SourceDocument: "db.md", ChunkIndex: &idx, Score: &score},
	}
	v, err := c.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}

	var out Citations
	if err := out.Scan([]byte(v.(string))); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 citations, got %d", len(out))
	}
	if out[1].ChunkIndex == nil || *out[1].ChunkIndex != 2 {
		t.Errorf("chunk index lost: %+v", out[1])
	}
}

func TestSeverity_Rank(t *testing.T) {
	tests := []struct {
		a, b Severity
		want Severity
	}{
		{SeverityInfo, SeverityWarning, SeverityWarning},
		{SeverityCritical, SeverityError, SeverityCritical},
		{SeverityError, SeverityError, SeverityError},
		{Severity(""), SeverityInfo, SeverityInfo},
	}

	for _, tt := range tests {
		if got := MaxSeverity(tt.a, tt.b); got != tt.want {
			t.Errorf("MaxSeverity(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}

	if Severity("bogus").Valid() {
		t.Error("unknown severity reported valid")
	}
}

func TestIncidentStatus_Transitions(t *testing.T) {
	all := []IncidentStatus{
		IncidentStatusOpen,
		IncidentStatusInvestigating,
		IncidentStatusResolved,
		IncidentStatusClosed,
	}

	for i, from := range all {
		for j, to := range all {
			want := j == i+1
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("%s -> %s = %v, want %v", from, to, got, want)
			}
		}
	}

	if _, ok := IncidentStatusClosed.Next(); ok {
		t.Error("closed must be terminal")
	}
}
