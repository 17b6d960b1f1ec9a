package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GroupingTuning weights the signals used to attach an alert to an incident
type GroupingTuning struct {
	WindowMinutes        int     `yaml:"window_minutes"`
	Threshold            float64 `yaml:"threshold"`
	WeightTime           float64 `yaml:"weight_time"`
	WeightService        float64 `yaml:"weight_service"`
	WeightClassification float64 `yaml:"weight_classification"`
}

// RetrievalTuning holds the hybrid ranking knobs
type RetrievalTuning struct {
	VectorWeight      float64 `yaml:"vector_weight"`
	KeywordWeight     float64 `yaml:"keyword_weight"`
	MinScore          float64 `yaml:"min_score"`
	MinKeywordOverlap float64 `yaml:"min_keyword_overlap"`
	TitleBoost        float64 `yaml:"title_boost"`
	PhraseBoost       float64 `yaml:"phrase_boost"`
	SimilarLimit      int     `yaml:"similar_limit"`
	RunbookLimit      int     `yaml:"runbook_limit"`
}

// Tuning is the optional YAML tuning file layout
type Tuning struct {
	Grouping  GroupingTuning  `yaml:"grouping"`
	Retrieval RetrievalTuning `yaml:"retrieval"`
}

// DefaultTuning returns tuning with default values
func DefaultTuning() Tuning {
	return Tuning{
		Grouping: GroupingTuning{
			WindowMinutes:        30,
			Threshold:            0.6,
			WeightTime:           0.4,
			WeightService:        0.4,
			WeightClassification: 0.2,
		},
		Retrieval: RetrievalTuning{
			VectorWeight:      0.7,
			KeywordWeight:     0.3,
			MinScore:          0.1,
			MinKeywordOverlap: 0.05,
			TitleBoost:        0.08,
			PhraseBoost:       0.05,
			SimilarLimit:      5,
			RunbookLimit:      5,
		},
	}
}

// LoadFile overlays values from a YAML file. Keys missing from the file keep
// their current value.
func (t *Tuning) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tuning file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, t); err != nil {
		return fmt.Errorf("failed to parse tuning file %s: %w", path, err)
	}
	return nil
}

// applyEnv lets individual environment variables override the file
func (t *Tuning) applyEnv() {
	g := &t.Grouping
	g.WindowMinutes = getEnvAsIntOrDefault("GROUPING_WINDOW_MINUTES", g.WindowMinutes)
	g.Threshold = getEnvAsFloatOrDefault("GROUPING_THRESHOLD", g.Threshold)
	g.WeightTime = getEnvAsFloatOrDefault("GROUPING_WEIGHT_TIME", g.WeightTime)
	g.WeightService = getEnvAsFloatOrDefault("GROUPING_WEIGHT_SERVICE", g.WeightService)
	g.WeightClassification = getEnvAsFloatOrDefault("GROUPING_WEIGHT_CLASSIFICATION", g.WeightClassification)

	r := &t.Retrieval
	r.VectorWeight = getEnvAsFloatOrDefault("RETRIEVAL_VECTOR_WEIGHT", r.VectorWeight)
	r.KeywordWeight = getEnvAsFloatOrDefault("RETRIEVAL_KEYWORD_WEIGHT", r.KeywordWeight)
	r.MinScore = getEnvAsFloatOrDefault("RETRIEVAL_MIN_SCORE", r.MinScore)
	r.MinKeywordOverlap = getEnvAsFloatOrDefault("RETRIEVAL_MIN_KEYWORD_OVERLAP", r.MinKeywordOverlap)
	r.TitleBoost = getEnvAsFloatOrDefault("RETRIEVAL_TITLE_BOOST", r.TitleBoost)
	r.PhraseBoost = getEnvAsFloatOrDefault("RETRIEVAL_PHRASE_BOOST", r.PhraseBoost)
}

// Validate rejects negative weights and out-of-range thresholds
func (t Tuning) Validate() error {
	g := t.Grouping
	if g.WindowMinutes <= 0 {
		return fmt.Errorf("grouping window must be positive, got %d", g.WindowMinutes)
	}
	if err := unitInterval("grouping threshold", g.Threshold); err != nil {
		return err
	}
	for name, w := range map[string]float64{
		"grouping weight_time":           g.WeightTime,
		"grouping weight_service":        g.WeightService,
		"grouping weight_classification": g.WeightClassification,
		"retrieval vector_weight":        t.Retrieval.VectorWeight,
		"retrieval keyword_weight":       t.Retrieval.KeywordWeight,
		"retrieval title_boost":          t.Retrieval.TitleBoost,
		"retrieval phrase_boost":         t.Retrieval.PhraseBoost,
	} {
		if w < 0 {
			return fmt.Errorf("%s must not be negative, got %v", name, w)
		}
	}
	if err := unitInterval("retrieval min_score", t.Retrieval.MinScore); err != nil {
		return err
	}
	return unitInterval("retrieval min_keyword_overlap", t.Retrieval.MinKeywordOverlap)
}

func unitInterval(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be within [0,1], got %v", name, v)
	}
	return nil
}
