package chat

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/akmatori/opsrelay/internal/database"
)

// fallbackChunkSize is the width of each deterministic delta, in runes
const fallbackChunkSize = 24

// AnswerRequest is the grounding handed to an answerer
type AnswerRequest struct {
	Question  string
	Summary   string
	NextSteps []string
	Citations database.Citations
}

// Answerer produces an assistant message as a sequence of deltas
type Answerer interface {
	Answer(ctx context.Context, req AnswerRequest, emit func(delta string) error) error
}

var (
	nextStepPhrases = []string{"next step", "what should", "what now", "action"}
	summaryPhrases  = []string{"summary", "summarize", "recap", "status"}
)

// FallbackAnswerer answers from the summary and next steps without a model
type FallbackAnswerer struct{}

// Answer implements Answerer
func (FallbackAnswerer) Answer(ctx context.Context, req AnswerRequest, emit func(string) error) error {
	for _, chunk := range splitRunes(BuildFallbackAnswer(req.Question, req.Summary, req.NextSteps), fallbackChunkSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(chunk); err != nil {
			return err
		}
	}
	return nil
}

// BuildFallbackAnswer picks the reply for the question's intent
func BuildFallbackAnswer(question, summary string, nextSteps []string) string {
	q := strings.ToLower(strings.TrimSpace(question))

	if containsAny(q, nextStepPhrases) {
		if len(nextSteps) == 0 {
			return "No next steps were generated for this incident."
		}
		return "Recommended next steps:\n" + numbered(nextSteps)
	}
	if containsAny(q, summaryPhrases) {
		return summary
	}
	if len(nextSteps) > 0 {
		return summary + "\n\nRecommended next steps:\n" + numbered(nextSteps)
	}
	return summary
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func numbered(items []string) string {
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = fmt.Sprintf("%d. %s", i+1, item)
	}
	return strings.Join(lines, "\n")
}

// splitRunes cuts text into pieces of at most size runes
func splitRunes(text string, size int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	out := make([]string, 0, len(runes)/size+1)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

const systemPrompt = `You are the OpsRelay incident copilot.
Produce concise, operator-ready responses.
Formatting requirements:
- Use short paragraphs.
- Use bullet lists for grouped items.
- Use numbered lists for ordered actions.
- Keep line breaks explicit.
- Do not invent facts outside the provided context.
- If context is insufficient, state that clearly.`

// CitationLabel renders a citation for the model context
func CitationLabel(c database.Citation, idx int) string {
	switch c.Type {
	case database.CitationIncident:
		return strings.TrimSpace(fmt.Sprintf("[%d] incident #%d: %s", idx, c.ID, c.Title))
	case database.CitationAlert:
		return strings.TrimSpace(fmt.Sprintf("[%d] alert #%d: %s", idx, c.ID, c.Title))
	case database.CitationRunbook:
		source := c.SourceDocument
		if source == "" {
			source = "runbook"
		}
		if c.ChunkIndex == nil {
			return fmt.Sprintf("[%d] runbook: %s", idx, source)
		}
		return fmt.Sprintf("[%d] runbook: %s (chunk %d)", idx, source, *c.ChunkIndex)
	default:
		return fmt.Sprintf("[%d] source", idx)
	}
}

// BuildPrompt renders the grounded user prompt
func BuildPrompt(req AnswerRequest) string {
	citations := "None"
	if len(req.Citations) > 0 {
		lines := make([]string, len(req.Citations))
		for i, c := range req.Citations {
			lines[i] = CitationLabel(c, i+1)
		}
		citations = strings.Join(lines, "\n")
	}
	steps := "None"
	if len(req.NextSteps) > 0 {
		steps = numbered(req.NextSteps)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Operator question:\n%s\n\n", req.Question)
	b.WriteString("Use only this context:\n")
	fmt.Fprintf(&b, "Incident Summary:\n%s\n\n", req.Summary)
	fmt.Fprintf(&b, "Candidate Next Steps:\n%s\n\n", steps)
	fmt.Fprintf(&b, "Citations:\n%s", citations)
	return b.String()
}

// GenAIAnswerer streams answers from a Gemini chat model
type GenAIAnswerer struct {
	client *genai.Client
	model  string
}

// NewGenAIAnswerer creates a streaming answerer
func NewGenAIAnswerer(ctx context.Context, apiKey, model string) (*GenAIAnswerer, error) {
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
	return &GenAIAnswerer{client: client, model: model}, nil
}

// Answer implements Answerer
func (a *GenAIAnswerer) Answer(ctx context.Context, req AnswerRequest, emit func(string) error) error {
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
	}
	for resp, err := range a.client.Models.GenerateContentStream(ctx, a.model, genai.Text(BuildPrompt(req)), config) {
		if err != nil {
			return fmt.Errorf("failed to stream answer: %w", err)
		}
		if delta := resp.Text(); delta != "" {
			if err := emit(delta); err != nil {
				return err
			}
		}
	}
	return nil
}
