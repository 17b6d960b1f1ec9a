package embedding

import (
	"context"
	"log"
	"math"
	"regexp"
	"strings"

	"github.com/akmatori/opsrelay/internal/database"
)

// Dimension is the width of every embedding this package produces
const Dimension = database.EmbeddingDimension

// Embedder turns text into a vector. The returned model name is stored next
// to the vector; vectors from different models are never compared.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, string, error)
}

var tokenPattern = regexp.MustCompile(`[a-z0-9_]+`)

var stopwords = map[string]struct{}{
	"services": {},
	"service":  {},
	"incident": {},
}

// Tokens lowercases text and splits it into word tokens, dropping stopwords.
// Order and duplicates are kept.
func Tokens(text string) []string {
	if text == "" {
		return nil
	}
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, tok := range raw {
		if _, skip := stopwords[tok]; skip {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// Jaccard is |a ∩ b| / |a ∪ b| over the token sets. Two empty sets score 0.
func Jaccard(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	inter := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func toSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[strings.ToLower(t)] = struct{}{}
	}
	return set
}

// L2Distance returns the euclidean distance between a and b. ok is false when
// either vector is empty or the dimensions differ.
func L2Distance(a, b []float32) (dist float64, ok bool) {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0, false
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum), true
}

// FallbackEmbedder tries Primary and uses Fallback when it fails
type FallbackEmbedder struct {
	Primary  Embedder
	Fallback Embedder
}

// EmbedText implements Embedder
func (f *FallbackEmbedder) EmbedText(ctx context.Context, text string) ([]float32, string, error) {
	if f.Primary != nil {
		vec, model, err := f.Primary.EmbedText(ctx, text)
		if err == nil {
			return vec, model, nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		log.Printf("Embedding: primary embedder failed, using fallback: %v", err)
	}
	return f.Fallback.EmbedText(ctx, text)
}
