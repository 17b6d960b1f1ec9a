package extraction

import (
	"regexp"
	"strings"

	"github.com/akmatori/opsrelay/internal/alerts"
	"github.com/akmatori/opsrelay/internal/database"
)

// Entities are the infrastructure facts pulled out of an alert
type Entities struct {
	ServiceName string `json:"service_name"`
	Environment string `json:"environment"`
	Region      string `json:"region"`
	ErrorCode   string `json:"error_code"`
}

// Empty reports whether no entity was found
func (e Entities) Empty() bool {
	return e.ServiceName == "" && e.Environment == "" && e.Region == "" && e.ErrorCode == ""
}

// FillFrom copies fields from other into fields that are still empty and
// reports whether anything changed.
func (e *Entities) FillFrom(other Entities) bool {
	changed := false
	fill := func(dst *string, src string) {
		if *dst == "" && src != "" {
			*dst = src
			changed = true
		}
	}
	fill(&e.ServiceName, other.ServiceName)
	fill(&e.Environment, other.Environment)
	fill(&e.Region, other.Region)
	fill(&e.ErrorCode, other.ErrorCode)
	return changed
}

var (
	envPattern       = regexp.MustCompile(`(?i)\b(production|prod|staging|stage|dev|development)\b`)
	awsRegionPattern = regexp.MustCompile(`(?i)\b(us-east-1|us-east-2|us-west-1|us-west-2|eu-west-1|eu-west-2|eu-central-1|ap-southeast-1|ap-southeast-2|ap-northeast-1)\b`)
	gcpRegionPattern = regexp.MustCompile(`(?i)\b(us-central1|us-east1|us-west1|europe-west1|asia-east1)\b`)

	servicePatterns = []struct {
		re    *regexp.Regexp
		group int
	}{
		{regexp.MustCompile(`(?i)\b([\w-]+)-service\b`), 0},
		{regexp.MustCompile(`(?i)\b(\w+)_service\b`), 0},
		{regexp.MustCompile(`(?i)pod/([\w-]+)-[a-f0-9]+`), 1},
		{regexp.MustCompile(`(?i)\b(api|web|worker|db|cache|queue|scheduler)[-_]?(\w+)\b`), 0},
	}

	httpErrorPattern = regexp.MustCompile(`\b([45]\d{2})\b`)
	appErrorPattern  = regexp.MustCompile(`(?i)\b(ERR[-_]?\d+|ERROR[-_]?CODE[-_]?\d+)\b`)
)

var envAliases = map[string]string{
	"prod":  "production",
	"stage": "staging",
	"dev":   "development",
}

// ExtractEntities runs the regex heuristics over text
func ExtractEntities(text string) Entities {
	return Entities{
		ServiceName: extractServiceName(text),
		Environment: extractEnvironment(text),
		Region:      extractRegion(text),
		ErrorCode:   extractErrorCode(text),
	}
}

func extractEnvironment(text string) string {
	m := envPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return normalizeEnvironment(m[1])
}

func normalizeEnvironment(env string) string {
	env = strings.ToLower(strings.TrimSpace(env))
	if alias, ok := envAliases[env]; ok {
		return alias
	}
	return env
}

func extractRegion(text string) string {
	if m := awsRegionPattern.FindStringSubmatch(text); m != nil {
		return strings.ToLower(m[1])
	}
	if m := gcpRegionPattern.FindStringSubmatch(text); m != nil {
		return strings.ToLower(m[1])
	}
	return ""
}

func extractServiceName(text string) string {
	for _, p := range servicePatterns {
		if m := p.re.FindStringSubmatch(text); m != nil {
			return strings.ToLower(m[p.group])
		}
	}
	return ""
}

func extractErrorCode(text string) string {
	if m := httpErrorPattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if m := appErrorPattern.FindStringSubmatch(text); m != nil {
		return strings.ToUpper(m[1])
	}
	return ""
}

// EntitiesFromTags reads service/env/region/error tags. serviceHint is the
// adapter's vendor-specific guess and is used when no service tag exists.
func EntitiesFromTags(tags []string, serviceHint string) Entities {
	m := alerts.TagMap(tags)
	e := Entities{
		ServiceName: strings.ToLower(firstTag(m, "service", "app", "application")),
		Region:      strings.ToLower(firstTag(m, "region", "aws_region", "availability-zone")),
		ErrorCode:   firstTag(m, "error_code", "status_code", "http.status_code"),
	}
	if env := firstTag(m, "env", "environment"); env != "" {
		e.Environment = normalizeEnvironment(env)
	}
	if e.ServiceName == "" {
		e.ServiceName = strings.ToLower(serviceHint)
	}
	return e
}

func firstTag(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}

// Classification is a severity and owning team with a confidence score
type Classification struct {
	Severity   database.Severity `json:"severity"`
	Team       string            `json:"team"`
	Confidence float64           `json:"confidence"`
}

type keywordRule struct {
	label      string
	confidence float64
	keywords   []string
}

// Rules are evaluated in order; the first rule with a matching keyword wins.
var severityRules = []keywordRule{
	{string(database.SeverityCritical), 0.9, []string{"down", "outage", "critical", "crashed", "offline", "unavailable"}},
	{string(database.SeverityError), 0.85, []string{"error", "failed", "failure", "exception", "timeout", "fatal"}},
	{string(database.SeverityWarning), 0.8, []string{"warning", "high", "slow", "degraded", "latency", "delayed"}},
}

var teamRules = []keywordRule{
	{"infrastructure", 0.9, []string{"database", "postgres", "postgresql", "mysql", "redis", "memcached", "disk", "cpu", "memory", "storage", "cache", "dns"}},
	{"payments", 0.9, []string{"payment", "transaction", "stripe", "checkout", "billing"}},
	{"frontend", 0.85, []string{"ui", "frontend", "react", "next.js", "browser", "client"}},
}

func matchRule(text string, rules []keywordRule, fallback string, fallbackConfidence float64) (string, float64) {
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(text, kw) {
				return r.label, r.confidence
			}
		}
	}
	return fallback, fallbackConfidence
}

// ClassifyByRules assigns severity and team from keyword tables. Confidence
// is the mean of the two rule confidences.
func ClassifyByRules(text string) Classification {
	lower := strings.ToLower(text)
	severity, sevConf := matchRule(lower, severityRules, string(database.SeverityInfo), 0.5)
	team, teamConf := matchRule(lower, teamRules, "backend", 0.6)
	return Classification{
		Severity:   database.Severity(severity),
		Team:       team,
		Confidence: (sevConf + teamConf) / 2,
	}
}
