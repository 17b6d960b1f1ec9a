package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
)

// EmbeddingDimension is the width of every stored embedding column
const EmbeddingDimension = 384

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	bytes, err := scanBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, j)
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// StringList is an ordered list of strings stored as a JSON array
type StringList []string

// Scan implements the sql.Scanner interface
func (s *StringList) Scan(value interface{}) error {
	if value == nil {
		*s = StringList{}
		return nil
	}
	bytes, err := scanBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, s)
}

// Value implements the driver.Valuer interface
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Contains reports whether v is in the list
func (s StringList) Contains(v string) bool {
	for _, item := range s {
		if item == v {
			return true
		}
	}
	return false
}

// Citation is a typed reference backing a generated summary
type Citation struct {
	Type           string   `json:"type"` // incident, alert, runbook
	ID             uint     `json:"id,omitempty"`
	Title          string   `json:"title,omitempty"`
	SourceDocument string   `json:"source_document,omitempty"`
	ChunkIndex     *int     `json:"chunk_index,omitempty"`
	Score          *float64 `json:"score,omitempty"`
}

// Citation types
const (
	CitationIncident = "incident"
	CitationAlert    = "alert"
	CitationRunbook  = "runbook"
)

// Citations is an ordered citation list stored as a JSON array
type Citations []Citation

// Scan implements the sql.Scanner interface
func (c *Citations) Scan(value interface{}) error {
	if value == nil {
		*c = Citations{}
		return nil
	}
	bytes, err := scanBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, c)
}

// Value implements the driver.Valuer interface
func (c Citations) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]Citation(c))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, errors.New("type assertion to []byte failed")
	}
}

// Severity is the normalized alert/incident severity
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from least to most severe
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// MaxSeverity returns the more severe of a and b
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// IncidentStatus represents the status of an incident
type IncidentStatus string

const (
	IncidentStatusOpen          IncidentStatus = "open"
	IncidentStatusInvestigating IncidentStatus = "investigating"
	IncidentStatusResolved      IncidentStatus = "resolved"
	IncidentStatusClosed        IncidentStatus = "closed"
)

// allowedTransitions maps each status to its only legal successor
var allowedTransitions = map[IncidentStatus]IncidentStatus{
	IncidentStatusOpen:          IncidentStatusInvestigating,
	IncidentStatusInvestigating: IncidentStatusResolved,
	IncidentStatusResolved:      IncidentStatusClosed,
}

// Next returns the legal successor of s, or false for terminal statuses
func (s IncidentStatus) Next() (IncidentStatus, bool) {
	next, ok := allowedTransitions[s]
	return next, ok
}

// CanTransitionTo reports whether to is the immediate successor of s
func (s IncidentStatus) CanTransitionTo(to IncidentStatus) bool {
	next, ok := s.Next()
	return ok && next == to
}

// Valid reports whether s is a known status
func (s IncidentStatus) Valid() bool {
	switch s {
	case IncidentStatusOpen, IncidentStatusInvestigating, IncidentStatusResolved, IncidentStatusClosed:
		return true
	}
	return false
}

// ActiveIncidentStatuses are the statuses eligible for grouping
var ActiveIncidentStatuses = []IncidentStatus{IncidentStatusOpen, IncidentStatusInvestigating}

// Classification and entity provenance
const (
	ClassificationSourceRule         = "rule"
	ClassificationSourceFallbackRule = "fallback_rule"
	ClassificationSourceModel        = "model"

	EntitySourceRegex = "regex"
	EntitySourceNER   = "ner"
	EntitySourceTags  = "tags"
	EntitySourceNone  = "none"
)

// Alert sources
const (
	SourceDatadog   = "datadog"
	SourceSentry    = "sentry"
	SourcePagerDuty = "pagerduty"
)

// Alert is one ingested monitoring event
type Alert struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	ExternalID           string     `gorm:"type:varchar(255);not null;uniqueIndex:idx_alerts_source_external" json:"external_id"`
	Source               string     `gorm:"type:varchar(50);not null;uniqueIndex:idx_alerts_source_external" json:"source"`
	Title                string     `gorm:"type:varchar(500)" json:"title"`
	Message              string     `gorm:"type:text" json:"message"`
	RawPayload           []byte     `gorm:"not null" json:"-"` // request body, byte for byte
	Tags                 StringList `gorm:"type:jsonb" json:"tags"`
	AlertTimestamp       time.Time  `gorm:"not null;index" json:"alert_timestamp"`
	ReceivedAt           time.Time  `gorm:"not null" json:"received_at"`
	Severity             *Severity  `gorm:"type:varchar(20);index" json:"severity"`
	PredictedTeam        string     `gorm:"type:varchar(100)" json:"predicted_team"`
	ConfidenceScore      *float64   `json:"confidence_score"`
	ClassificationSource string     `gorm:"type:varchar(20)" json:"classification_source"`
	ServiceName          string     `gorm:"type:varchar(255);index" json:"service_name"`
	Environment          string     `gorm:"type:varchar(50);index" json:"environment"`
	Region               string     `gorm:"type:varchar(50)" json:"region"`
	ErrorCode            string     `gorm:"type:varchar(50)" json:"error_code"`
	EntitySource         string     `gorm:"type:varchar(20)" json:"entity_source"`
	ProcessedAt          *time.Time `json:"processed_at"`
	IncidentID           *uint      `gorm:"index" json:"incident_id"`
	GroupedAt            *time.Time `json:"grouped_at"` // first time the alert joined an incident
	CreatedAt            time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// BeforeCreate hook to set ReceivedAt
func (a *Alert) BeforeCreate(tx *gorm.DB) error {
	if a.ReceivedAt.IsZero() {
		a.ReceivedAt = time.Now().UTC()
	}
	if a.AlertTimestamp.IsZero() {
		a.AlertTimestamp = a.ReceivedAt
	}
	return nil
}

// IsProcessed reports whether enrichment has already written this alert
func (a *Alert) IsProcessed() bool {
	return a.ProcessedAt != nil
}

// Incident aggregates related alerts
type Incident struct {
	ID                   uint             `gorm:"primaryKey" json:"id"`
	Title                string           `gorm:"type:varchar(500);not null" json:"title"`
	Status               IncidentStatus   `gorm:"type:varchar(20);not null;default:'open';index" json:"status"`
	Severity             Severity         `gorm:"type:varchar(20);not null;default:'warning';index" json:"severity"`
	AssignedTeam         string           `gorm:"type:varchar(100);index" json:"assigned_team"`
	AssignedUser         string           `gorm:"type:varchar(100)" json:"assigned_user"`
	AffectedServices     StringList       `gorm:"type:jsonb" json:"affected_services"`
	Summary              string           `gorm:"type:text" json:"summary"`
	SummaryCitations     Citations        `gorm:"type:jsonb" json:"summary_citations"`
	NextSteps            StringList       `gorm:"type:jsonb" json:"next_steps"`
	SummaryCorpusVersion string           `gorm:"type:varchar(64)" json:"-"`
	SummarizedAt         *time.Time       `json:"summarized_at"`
	Embedding            *pgvector.Vector `gorm:"column:incident_embedding;type:vector(384)" json:"-"`
	EmbeddingModel       string           `gorm:"type:varchar(100)" json:"-"`
	Version              int              `gorm:"not null;default:1" json:"version"`
	AcknowledgedAt       *time.Time       `json:"acknowledged_at"`
	ResolvedAt           *time.Time       `json:"resolved_at"`
	ClosedAt             *time.Time       `json:"closed_at"`
	CreatedAt            time.Time        `gorm:"index" json:"created_at"`
	UpdatedAt            time.Time        `gorm:"index" json:"updated_at"`

	// Alerts keep existing when their incident goes away; actions do not
	Alerts  []Alert          `gorm:"foreignKey:IncidentID;constraint:OnDelete:SET NULL" json:"-"`
	Actions []IncidentAction `gorm:"foreignKey:IncidentID;constraint:OnDelete:CASCADE" json:"-"`
}

// EmbeddingSlice returns the embedding as a float slice, or nil when absent
func (i *Incident) EmbeddingSlice() []float32 {
	if i.Embedding == nil {
		return nil
	}
	return i.Embedding.Slice()
}

// ActionType classifies an incident audit record
type ActionType string

const (
	ActionStatusChange ActionType = "status_change"
	ActionComment      ActionType = "comment"
	ActionAlertAdded   ActionType = "alert_added"
	ActionAlertRemoved ActionType = "alert_removed"
	ActionAssignment   ActionType = "assignment"
	ActionEscalation   ActionType = "escalation"
)

// IncidentAction is an append-only audit record owned by one incident
type IncidentAction struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	IncidentID    uint       `gorm:"not null;index" json:"incident_id"`
	ActionType    ActionType `gorm:"type:varchar(30);not null" json:"action_type"`
	Description   string     `gorm:"type:text" json:"description"`
	User          string     `gorm:"type:varchar(100)" json:"user"`
	ExtraMetadata JSONB      `gorm:"type:jsonb" json:"extra_metadata"`
	Timestamp     time.Time  `gorm:"not null;index" json:"timestamp"`
}

// BeforeCreate hook to set Timestamp
func (a *IncidentAction) BeforeCreate(tx *gorm.DB) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	return nil
}

// RunbookChunk is one indexed piece of a runbook document
type RunbookChunk struct {
	ID             uint             `gorm:"primaryKey" json:"id"`
	Source         string           `gorm:"type:varchar(50);not null;default:'runbooks';index" json:"source"`
	SourceDocument string           `gorm:"type:varchar(255);not null;index" json:"source_document"`
	SourceURI      string           `gorm:"type:text" json:"source_uri"`
	ChunkIndex     int              `gorm:"not null" json:"chunk_index"`
	Title          string           `gorm:"type:varchar(500)" json:"title"`
	Content        string           `gorm:"type:text" json:"content"`
	Tags           StringList       `gorm:"type:jsonb" json:"tags"`
	VersionHash    string           `gorm:"type:varchar(64);index" json:"version_hash"`
	Embedding      *pgvector.Vector `gorm:"type:vector(384)" json:"-"`
	EmbeddingModel string           `gorm:"type:varchar(100)" json:"-"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// EmbeddingSlice returns the embedding as a float slice, or nil when absent
func (c *RunbookChunk) EmbeddingSlice() []float32 {
	if c.Embedding == nil {
		return nil
	}
	return c.Embedding.Slice()
}

// TaskStatus is the state of a queued enrichment task
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusClaimed TaskStatus = "claimed"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusFailed  TaskStatus = "failed"
)

// AlertTask is a durable queue entry asking a worker to enrich an alert
type AlertTask struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	AlertID     uint       `gorm:"not null;index" json:"alert_id"`
	Status      TaskStatus `gorm:"type:varchar(20);not null;default:'pending';index:idx_alert_tasks_ready,priority:1" json:"status"`
	AvailableAt time.Time  `gorm:"not null;index:idx_alert_tasks_ready,priority:2" json:"available_at"`
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`
	Force       bool       `gorm:"default:false" json:"force"`
	ClaimedBy   string     `gorm:"type:varchar(100)" json:"claimed_by"`
	ClaimedAt   *time.Time `json:"claimed_at"`
	LastError   string     `gorm:"type:text" json:"last_error"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// BeforeCreate hook to set AvailableAt
func (t *AlertTask) BeforeCreate(tx *gorm.DB) error {
	if t.AvailableAt.IsZero() {
		t.AvailableAt = time.Now().UTC()
	}
	return nil
}

// TableName overrides for explicit table naming
func (Alert) TableName() string {
	return "alerts"
}

func (Incident) TableName() string {
	return "incidents"
}

func (IncidentAction) TableName() string {
	return "incident_actions"
}

func (RunbookChunk) TableName() string {
	return "runbook_chunks"
}

func (AlertTask) TableName() string {
	return "alert_tasks"
}
