package retrieval

import (
	"strings"

	"github.com/akmatori/opsrelay/internal/embedding"
)

// KeywordScorer scores token overlap between a query and a candidate, in [0,1]
type KeywordScorer interface {
	Score(query, candidate []string) float64
}

// JaccardScorer is |∩|/|∪| over case-folded token sets
type JaccardScorer struct{}

// Score implements KeywordScorer
func (JaccardScorer) Score(query, candidate []string) float64 {
	return embedding.Jaccard(query, candidate)
}

// CoverageScorer is the fraction of distinct query tokens present in the
// candidate. It favours long documents that contain the whole query.
type CoverageScorer struct{}

// Score implements KeywordScorer
func (CoverageScorer) Score(query, candidate []string) float64 {
	if len(query) == 0 {
		return 0
	}
	have := make(map[string]struct{}, len(candidate))
	for _, t := range candidate {
		have[strings.ToLower(t)] = struct{}{}
	}
	seen := make(map[string]struct{}, len(query))
	hits := 0
	for _, t := range query {
		t = strings.ToLower(t)
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := have[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(seen))
}
