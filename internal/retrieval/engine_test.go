package retrieval

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func workedExampleCandidate() Candidate {
	return Candidate{
		ID:        1,
		Title:     "Database Connection Pool Saturation",
		Content:   "Runbook steps when the connection pool is exhausted",
		Tokens:    []string{"database", "connection", "pool", "saturation", "runbook", "steps"},
		Embedding: []float32{0.95, 0},
	}
}

func TestRetrieve_WorkedExample(t *testing.T) {
	engine := NewEngine(nil)
	q := Query{Text: "connection pool", Embedding: []float32{0, 0}}

	results, err := engine.Retrieve(context.Background(), q, []Candidate{workedExampleCandidate()}, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, results, 1)

	b := results[0].Breakdown
	assert.InDelta(t, 0.5128, b.Vector, 1e-4)
	assert.InDelta(t, 0.3333, b.Keyword, 1e-4)
	assert.InDelta(t, 0.4580, b.Hybrid, 2e-3)
	assert.InDelta(t, 0.13, b.Rerank, 1e-9)
	assert.InDelta(t, 0.5880, b.Final, 2e-3)
	assert.Equal(t, b.Final, results[0].Score)
}

func TestRetrieve_KeywordGateExcludesLowOverlap(t *testing.T) {
	// 1 shared token out of 33 distinct gives keyword ≈ 0.0303
	tokens := []string{"timeout"}
	for i := 0; i < 32; i++ {
		tokens = append(tokens, fmt.Sprintf("filler%d", i))
	}
	c := Candidate{ID: 7, Title: "unrelated", Tokens: tokens, Embedding: []float32{1, 1}}
	q := Query{Text: "timeout", Embedding: []float32{1, 1}}

	results, err := NewEngine(nil).Retrieve(context.Background(), q, []Candidate{c}, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, results, "a perfect vector match must not rescue keyword overlap below the minimum")
}

func TestRetrieve_MinScoreGate(t *testing.T) {
	c := Candidate{ID: 1, Title: "a", Tokens: []string{"alpha", "beta"}}
	q := Query{Tokens: []string{"alpha", "gamma", "delta", "epsilon", "zeta"}}
	// keyword = 1/6, no vector, hybrid = 0.05 < 0.1

	results, err := NewEngine(nil).Retrieve(context.Background(), q, []Candidate{c}, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRetrieve_ModelMismatchScoresZeroVector(t *testing.T) {
	c := workedExampleCandidate()
	c.EmbeddingModel = "text-embedding-004"
	q := Query{Text: "connection pool", Embedding: []float32{0, 0}, EmbeddingModel: "hashed-bow-v1"}

	results, err := NewEngine(nil).Retrieve(context.Background(), q, []Candidate{c}, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Zero(t, results[0].Breakdown.Vector)
	assert.InDelta(t, 0.1+0.13, results[0].Breakdown.Final, 1e-9)
}

func TestRetrieve_DeterministicOrdering(t *testing.T) {
	var candidates []Candidate
	for i := 0; i < 40; i++ {
		candidates = append(candidates, Candidate{
			ID:        uint(100 - i),
			Title:     "disk pressure on node",
			Tokens:    []string{"disk", "pressure", "node"},
			Embedding: []float32{float32(i % 3), 0},
			Seq:       i,
		})
	}
	q := Query{Text: "disk pressure", Embedding: []float32{0, 0}}
	opts := DefaultOptions()
	opts.Limit = 0

	first, err := NewEngine(nil).Retrieve(context.Background(), q, candidates, opts)
	require.NoError(t, err)
	require.Len(t, first, 40)

	for run := 0; run < 5; run++ {
		again, err := NewEngine(nil).Retrieve(context.Background(), q, candidates, opts)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	for i := 1; i < len(first); i++ {
		prev, cur := first[i-1], first[i]
		require.GreaterOrEqual(t, prev.Breakdown.Final, cur.Breakdown.Final)
		if prev.Breakdown.Final == cur.Breakdown.Final && prev.Breakdown.Vector == cur.Breakdown.Vector {
			assert.Less(t, prev.Candidate.Seq, cur.Candidate.Seq)
		}
	}
	assert.Equal(t, 0, first[0].Candidate.Seq)
}

func TestRetrieve_Limit(t *testing.T) {
	candidates := make([]Candidate, 10)
	for i := range candidates {
		candidates[i] = Candidate{ID: uint(i), Title: "cpu throttling", Tokens: []string{"cpu", "throttling"}, Seq: i}
	}
	opts := DefaultOptions()
	opts.Limit = 3

	results, err := NewEngine(nil).Retrieve(context.Background(), Query{Text: "cpu throttling"}, candidates, opts)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{results[0].Candidate.Seq, results[1].Candidate.Seq, results[2].Candidate.Seq})
}

func TestRetrieve_PrefilterAndStructuredBoost(t *testing.T) {
	q := Query{
		Text:     "checkout latency",
		Severity: "critical",
		Services: []string{"checkout"},
	}
	shared := Candidate{ID: 1, Title: "checkout latency", Tokens: []string{"checkout", "latency"}, Severity: "critical", Services: []string{"checkout"}, Seq: 1}
	sameWords := Candidate{ID: 2, Title: "checkout latency", Tokens: []string{"checkout", "latency"}, Severity: "warning", Seq: 2}
	unrelated := Candidate{ID: 3, Title: "tls renewal", Tokens: []string{"tls", "renewal"}, Seq: 3}

	opts := DefaultOptions()
	opts.StructuredBoost = true
	opts.Prefilter = SharedServiceOrOverlap(nil, opts.MinKeywordOverlap)

	results, err := NewEngine(nil).Retrieve(context.Background(), q, []Candidate{unrelated, sameWords, shared}, opts)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, uint(1), results[0].Candidate.ID)
	assert.InDelta(t, 0.3+0.08+0.05+0.1, results[0].Score, 1e-9)
	assert.Equal(t, uint(2), results[1].Candidate.ID)
	assert.InDelta(t, 0.3+0.08, results[1].Score, 1e-9)
}

func TestRetrieve_StructuredBoostIsClamped(t *testing.T) {
	q := Query{Text: "x", Tokens: []string{"x"}, Embedding: []float32{1}, Severity: "error", Services: []string{"api"}}
	c := Candidate{ID: 1, Title: "x", Content: "x", Tokens: []string{"x"}, Embedding: []float32{1}, Severity: "error", Services: []string{"api"}}
	opts := DefaultOptions()
	opts.StructuredBoost = true

	results, err := NewEngine(nil).Retrieve(context.Background(), q, []Candidate{c}, opts)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1.0, results[0].Score)
}

func TestRetrieve_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEngine(nil).Retrieve(ctx, Query{Text: "x"}, []Candidate{workedExampleCandidate()}, DefaultOptions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetrieve_TokensDerivedFromText(t *testing.T) {
	c := Candidate{ID: 1, Title: "Redis eviction storm", Content: "redis memory full"}
	results, err := NewEngine(nil).Retrieve(context.Background(), Query{Text: "redis eviction"}, []Candidate{c}, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Greater(t, results[0].Breakdown.Keyword, 0.0)
}

func TestCoverageScorer(t *testing.T) {
	s := CoverageScorer{}
	assert.InDelta(t, 1.0, s.Score([]string{"Pool", "pool", "connection"}, []string{"connection", "pool", "a", "b"}), 1e-9)
	assert.InDelta(t, 0.5, s.Score([]string{"pool", "leak"}, []string{"pool"}), 1e-9)
	assert.Zero(t, s.Score(nil, []string{"x"}))

	engine := NewEngine(s)
	results, err := engine.Retrieve(context.Background(), Query{Text: "pool"}, []Candidate{{Title: "big doc", Tokens: []string{"pool", "a", "b", "c"}}}, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0, results[0].Breakdown.Keyword, 1e-9)
}
