package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/akmatori/opsrelay/internal/config"
	"github.com/akmatori/opsrelay/internal/embedding"
	"github.com/akmatori/opsrelay/internal/metrics"
)

// scoreFanOut bounds how many candidates are scored concurrently
const scoreFanOut = 8

// Query is what candidates are ranked against
type Query struct {
	Text           string
	Tokens         []string
	Embedding      []float32
	EmbeddingModel string

	// Used by the structured boost
	Severity string
	Services []string
}

// Candidate is one rankable item: an incident or a runbook chunk
type Candidate struct {
	ID             uint
	Title          string
	Content        string
	Tokens         []string
	Embedding      []float32
	EmbeddingModel string
	Severity       string
	Services       []string

	// Seq is the stable tie-breaker, lower wins
	Seq int

	// Ref carries the caller's original record
	Ref interface{}
}

// Breakdown exposes each stage of the score
type Breakdown struct {
	Vector  float64 `json:"vector"`
	Keyword float64 `json:"keyword"`
	Hybrid  float64 `json:"hybrid"`
	Rerank  float64 `json:"rerank"`
	Final   float64 `json:"final"`
}

// Result is a candidate that passed the relevance gate
type Result struct {
	Candidate Candidate
	Score     float64
	Breakdown Breakdown
}

// Prefilter drops candidates before scoring
type Prefilter func(q Query, c Candidate) bool

// Options controls one retrieval
type Options struct {
	VectorWeight      float64
	KeywordWeight     float64
	TitleBoost        float64
	PhraseBoost       float64
	MinScore          float64
	MinKeywordOverlap float64
	Limit             int

	Prefilter Prefilter

	// StructuredBoost adds +0.05 for equal severity and +0.1 for a shared
	// service after the gate.
	StructuredBoost bool

	// Corpus labels the latency metric
	Corpus string
}

// OptionsFromTuning builds options from the retrieval tuning
func OptionsFromTuning(t config.RetrievalTuning, limit int) Options {
	return Options{
		VectorWeight:      t.VectorWeight,
		KeywordWeight:     t.KeywordWeight,
		TitleBoost:        t.TitleBoost,
		PhraseBoost:       t.PhraseBoost,
		MinScore:          t.MinScore,
		MinKeywordOverlap: t.MinKeywordOverlap,
		Limit:             limit,
	}
}

// DefaultOptions returns the default ranking knobs
func DefaultOptions() Options {
	return OptionsFromTuning(config.DefaultTuning().Retrieval, 5)
}

// Retriever ranks candidates for a query
type Retriever interface {
	Retrieve(ctx context.Context, q Query, candidates []Candidate, opts Options) ([]Result, error)
}

// Engine is the hybrid vector + keyword retriever
type Engine struct {
	keyword KeywordScorer
}

// NewEngine creates an engine. A nil scorer uses Jaccard overlap.
func NewEngine(keyword KeywordScorer) *Engine {
	if keyword == nil {
		keyword = JaccardScorer{}
	}
	return &Engine{keyword: keyword}
}

// Retrieve scores candidates in parallel, gates them, and returns the top
// opts.Limit sorted by final score, then vector score, then Seq.
func (e *Engine) Retrieve(ctx context.Context, q Query, candidates []Candidate, opts Options) ([]Result, error) {
	start := time.Now()
	corpus := opts.Corpus
	if corpus == "" {
		corpus = "default"
	}
	defer metrics.ObserveSince(metrics.RetrievalDuration.WithLabelValues(corpus), start)

	if len(q.Tokens) == 0 && q.Text != "" {
		q.Tokens = embedding.Tokens(q.Text)
	}

	scored := make([]*Result, len(candidates))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(scoreFanOut)

	for i := range candidates {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			c := candidates[i]
			if opts.Prefilter != nil && !opts.Prefilter(q, c) {
				return nil
			}
			scored[i] = e.score(q, c, opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(candidates))
	for _, r := range scored {
		if r == nil {
			continue
		}
		if r.Breakdown.Keyword < opts.MinKeywordOverlap || r.Breakdown.Final < opts.MinScore {
			continue
		}
		if opts.StructuredBoost {
			r.Breakdown.Final = math.Min(1, r.Breakdown.Final+structuredBoost(q, r.Candidate))
		}
		r.Score = r.Breakdown.Final
		results = append(results, *r)
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Breakdown.Final != b.Breakdown.Final {
			return a.Breakdown.Final > b.Breakdown.Final
		}
		if a.Breakdown.Vector != b.Breakdown.Vector {
			return a.Breakdown.Vector > b.Breakdown.Vector
		}
		return a.Candidate.Seq < b.Candidate.Seq
	})

	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func (e *Engine) score(q Query, c Candidate, opts Options) *Result {
	var b Breakdown
	b.Vector = VectorScore(q.Embedding, q.EmbeddingModel, c.Embedding, c.EmbeddingModel)

	candTokens := c.Tokens
	if len(candTokens) == 0 {
		candTokens = embedding.Tokens(c.Title + " " + c.Content)
	}
	b.Keyword = e.keyword.Score(q.Tokens, candTokens)
	b.Hybrid = b.Vector*opts.VectorWeight + b.Keyword*opts.KeywordWeight

	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle != "" {
		if strings.Contains(strings.ToLower(c.Title), needle) {
			b.Rerank += opts.TitleBoost
		}
		if strings.Contains(strings.ToLower(c.Content), needle) {
			b.Rerank += opts.PhraseBoost
		}
	}
	b.Final = math.Min(1, b.Hybrid+b.Rerank)

	return &Result{Candidate: c, Breakdown: b}
}

// VectorScore maps L2 distance to (0,1]. Missing embeddings, mismatched
// dimensions, and vectors from different models score 0.
func VectorScore(a []float32, modelA string, b []float32, modelB string) float64 {
	if modelA != "" && modelB != "" && modelA != modelB {
		return 0
	}
	dist, ok := embedding.L2Distance(a, b)
	if !ok {
		return 0
	}
	return 1 / (1 + dist)
}

func structuredBoost(q Query, c Candidate) float64 {
	boost := 0.0
	if q.Severity != "" && q.Severity == c.Severity {
		boost += 0.05
	}
	if sharesAny(q.Services, c.Services) {
		boost += 0.1
	}
	return boost
}

func sharesAny(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}

// SharedServiceOrOverlap is the incident-similarity prefilter: keep a
// candidate that shares a service with the query or whose keyword overlap
// reaches minOverlap.
func SharedServiceOrOverlap(scorer KeywordScorer, minOverlap float64) Prefilter {
	if scorer == nil {
		scorer = JaccardScorer{}
	}
	return func(q Query, c Candidate) bool {
		if sharesAny(q.Services, c.Services) {
			return true
		}
		tokens := c.Tokens
		if len(tokens) == 0 {
			tokens = embedding.Tokens(c.Title + " " + c.Content)
		}
		return scorer.Score(q.Tokens, tokens) >= minOverlap
	}
}
