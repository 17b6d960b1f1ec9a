// Package chat streams incident-scoped assistant answers over SSE and
// websockets.
package chat

import (
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/akmatori/opsrelay/internal/database"
)

// EventType names a chat stream event
type EventType string

const (
	EventTool           EventType = "tool"
	EventAssistantDelta EventType = "assistant_delta"
	EventAssistant      EventType = "assistant"
	EventError          EventType = "error"
	EventDone           EventType = "done"
)

// Tool statuses
const (
	ToolRunning = "running"
	ToolDone    = "done"
	ToolFailed  = "failed"
)

// SummarizeTool is the tool reported while a turn gathers context
const SummarizeTool = "incident.summarize"

// RoleAssistant is the role of every generated message
const RoleAssistant = "assistant"

// Event is one item of a chat stream
type Event struct {
	Type EventType
	Data interface{}
}

// ToolData reports tool progress
type ToolData struct {
	Tool   string `json:"tool"`
	Status string `json:"status"`
}

// DeltaData carries a piece of the assistant message
type DeltaData struct {
	ID             string `json:"id"`
	Role           string `json:"role"`
	Delta          string `json:"delta"`
	ConversationID string `json:"conversation_id"`
}

// AssistantData is the complete assistant message
type AssistantData struct {
	ID             string             `json:"id"`
	Role           string             `json:"role"`
	Content        string             `json:"content"`
	Citations      database.Citations `json:"citations"`
	ConversationID string             `json:"conversation_id"`
}

// ErrorData describes a failed turn
type ErrorData struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// DoneData ends a stream
type DoneData struct {
	OK bool `json:"ok"`
}

// ToolEvent builds a tool progress event
func ToolEvent(status string) Event {
	return Event{Type: EventTool, Data: ToolData{Tool: SummarizeTool, Status: status}}
}

// DoneEvent builds the terminal event
func DoneEvent(ok bool) Event {
	return Event{Type: EventDone, Data: DoneData{OK: ok}}
}

// ErrorEvent builds a retryable error event
func ErrorEvent(message string) Event {
	return Event{Type: EventError, Data: ErrorData{Message: message, Retryable: true}}
}

// NewMessageID returns a fresh assistant message id
func NewMessageID() string {
	return "assistant-" + strings.ToLower(ulid.Make().String())
}

// DefaultConversationID is used when the client does not name a conversation
func DefaultConversationID(incidentID uint) string {
	return fmt.Sprintf("incident-%d", incidentID)
}
