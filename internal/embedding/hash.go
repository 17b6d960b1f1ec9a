package embedding

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"math"
)

// HashModel names vectors produced by HashEmbedder
const HashModel = "hashed-bow-v1"

// HashEmbedder is a deterministic hashed bag-of-words embedder. Each token
// adds ±1 at an md5-derived index; the vector is L2 normalised.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates an embedder producing dim-wide vectors. A
// non-positive dim uses Dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = Dimension
	}
	return &HashEmbedder{dim: dim}
}

// EmbedText implements Embedder and never fails
func (h *HashEmbedder) EmbedText(_ context.Context, text string) ([]float32, string, error) {
	return h.Embed(text), HashModel, nil
}

// Embed returns the unit-length embedding of text, or the zero vector when
// text has no tokens.
func (h *HashEmbedder) Embed(text string) []float32 {
	acc := make([]float64, h.dim)
	for _, tok := range Tokens(text) {
		idx, sign := hashToken(tok, h.dim)
		acc[idx] += sign
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, h.dim)
	if norm == 0 {
		return out
	}
	for i, v := range acc {
		out[i] = float32(v / norm)
	}
	return out
}

// hashToken maps a token to an index from the first 8 hex digits of its md5
// and a sign from the parity of the ninth.
func hashToken(token string, dim int) (int, float64) {
	sum := md5.Sum([]byte(token))
	idx := binary.BigEndian.Uint32(sum[:4]) % uint32(dim)

	if (sum[4]>>4)%2 == 0 {
		return int(idx), 1
	}
	return int(idx), -1
}
