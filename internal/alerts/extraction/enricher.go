package extraction

import (
	"context"
	"log"
	"strings"

	"github.com/akmatori/opsrelay/internal/database"
)

// Result is the enrichment written back onto an alert
type Result struct {
	Classification       Classification
	ClassificationSource string
	Entities             Entities
	EntitySource         string
}

// Enricher classifies alerts and extracts entities, degrading to local
// heuristics whenever the ML service is missing or failing.
type Enricher struct {
	ml                 *MLClient
	fallbackConfidence float64
}

// NewEnricher creates an enricher. ml may be nil, in which case local rules
// are the primary classifier and NER is skipped.
func NewEnricher(ml *MLClient, fallbackConfidence float64) *Enricher {
	return &Enricher{ml: ml, fallbackConfidence: fallbackConfidence}
}

// AlertText is the text both classifiers and extractors read
func AlertText(alert *database.Alert) string {
	parts := make([]string, 0, 2)
	if t := strings.TrimSpace(alert.Title); t != "" {
		parts = append(parts, t)
	}
	if m := strings.TrimSpace(alert.Message); m != "" {
		parts = append(parts, m)
	}
	return strings.Join(parts, "\n")
}

// Enrich never fails: every ML error is absorbed by a local fallback
func (e *Enricher) Enrich(ctx context.Context, alert *database.Alert) Result {
	text := AlertText(alert)

	var res Result
	res.Classification, res.ClassificationSource = e.classify(ctx, text)
	res.Entities, res.EntitySource = e.extract(ctx, text, alert.Tags, serviceHintFromTags(alert.Tags))
	return res
}

func (e *Enricher) classify(ctx context.Context, text string) (Classification, string) {
	if e.ml == nil {
		return ClassifyByRules(text), database.ClassificationSourceRule
	}

	c, err := e.ml.Classify(ctx, text)
	if err == nil {
		return *c, database.ClassificationSourceModel
	}

	log.Printf("Enricher: classification fell back to rules: %v", err)
	fallback := ClassifyByRules(text)
	fallback.Confidence = e.fallbackConfidence
	return fallback, database.ClassificationSourceFallbackRule
}

// extract applies regex, then NER for a missing service, then tags. The
// recorded source is the stage that produced the service name, or the first
// stage that found anything when no service was found.
func (e *Enricher) extract(ctx context.Context, text string, tags []string, serviceHint string) (Entities, string) {
	entities := ExtractEntities(text)
	firstSource := ""
	serviceSource := ""
	note := func(stage string, before Entities) {
		if firstSource == "" && !entities.Empty() {
			firstSource = stage
		}
		if serviceSource == "" && before.ServiceName == "" && entities.ServiceName != "" {
			serviceSource = stage
		}
	}
	note(database.EntitySourceRegex, Entities{})

	nerFailed := false
	if entities.ServiceName == "" && e.ml != nil {
		ner, err := e.ml.ExtractEntities(ctx, text)
		if err != nil {
			log.Printf("Enricher: entity extraction fell back to tags: %v", err)
			nerFailed = true
		} else {
			before := entities
			entities.FillFrom(*ner)
			note(database.EntitySourceNER, before)
		}
	}

	if nerFailed || entities.Empty() || entities.ServiceName == "" {
		before := entities
		entities.FillFrom(EntitiesFromTags(tags, serviceHint))
		note(database.EntitySourceTags, before)
	}

	switch {
	case serviceSource != "":
		return entities, serviceSource
	case firstSource != "":
		return entities, firstSource
	default:
		return entities, database.EntitySourceNone
	}
}

// serviceHintFromTags picks up hints adapters store as "project:" tags
func serviceHintFromTags(tags []string) string {
	for _, t := range tags {
		if v, ok := strings.CutPrefix(t, "project:"); ok {
			return v
		}
	}
	return ""
}
