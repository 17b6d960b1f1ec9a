package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAIEmbedder embeds text with a Gemini embedding model
type GenAIEmbedder struct {
	client *genai.Client
	model  string
	dim    int32
}

// NewGenAIEmbedder creates an embedder for model. Output is truncated to
// Dimension so vectors fit the stored column.
func NewGenAIEmbedder(ctx context.Context, apiKey, model string) (*GenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("missing GEMINI_API_KEY")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GenAIEmbedder{client: client, model: model, dim: Dimension}, nil
}

// EmbedText implements Embedder
func (e *GenAIEmbedder) EmbedText(ctx context.Context, text string) ([]float32, string, error) {
	res, err := e.client.Models.EmbedContent(ctx, e.model, genai.Text(text), &genai.EmbedContentConfig{
		OutputDimensionality: genai.Ptr(e.dim),
	})
	if err != nil {
		return nil, e.model, fmt.Errorf("failed to embed text: %w", err)
	}
	if res == nil || len(res.Embeddings) == 0 || res.Embeddings[0] == nil {
		return nil, e.model, fmt.Errorf("empty embedding result")
	}
	values := res.Embeddings[0].Values
	if len(values) != int(e.dim) {
		return nil, e.model, fmt.Errorf("embedding has %d dimensions, want %d", len(values), e.dim)
	}
	return values, e.model, nil
}
