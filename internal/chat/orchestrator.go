package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/akmatori/opsrelay/internal/database"
	"github.com/akmatori/opsrelay/internal/metrics"
	"github.com/akmatori/opsrelay/internal/services"
)

// Turn limits
const (
	DefaultContextLimit = 5
	MaxContextLimit     = 20
)

// Summarizer provides the grounding for a turn
type Summarizer interface {
	SummarizeWithOptions(ctx context.Context, incidentID uint, opts services.SummaryOptions) (*services.SummaryResult, error)
}

// Turn is one operator question about an incident
type Turn struct {
	IncidentID     uint   `json:"incident_id"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	SimilarLimit   int    `json:"limit_similar"`
	RunbookLimit   int    `json:"limit_runbook"`
}

// Normalize validates the turn and fills defaults
func (t *Turn) Normalize() error {
	if t.IncidentID == 0 {
		return services.NewValidationError("incident_id", "must be a positive integer")
	}
	if strings.TrimSpace(t.Message) == "" {
		return services.NewValidationError("message", "must not be empty")
	}
	if t.ConversationID == "" {
		t.ConversationID = DefaultConversationID(t.IncidentID)
	}
	var err error
	if t.SimilarLimit, err = contextLimit("limit_similar", t.SimilarLimit); err != nil {
		return err
	}
	t.RunbookLimit, err = contextLimit("limit_runbook", t.RunbookLimit)
	return err
}

func contextLimit(field string, v int) (int, error) {
	if v == 0 {
		return DefaultContextLimit, nil
	}
	if v < 1 || v > MaxContextLimit {
		return 0, services.NewValidationError(field, fmt.Sprintf("must be between 1 and %d", MaxContextLimit))
	}
	return v, nil
}

// Emitter hands events to a connection's producer
type Emitter func(ctx context.Context, ev Event) error

// Orchestrator runs chat turns: gather context, stream the answer and close
// with the full message and its citations. Turns persist nothing.
type Orchestrator struct {
	summarizer Summarizer
	answerer   Answerer
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(summarizer Summarizer, answerer Answerer) *Orchestrator {
	if answerer == nil {
		answerer = FallbackAnswerer{}
	}
	return &Orchestrator{summarizer: summarizer, answerer: answerer}
}

// Turn outcomes
const (
	OutcomeOK          = "ok"
	OutcomeFailed      = "failed"
	OutcomeInterrupted = "interrupted"
)

// Serve runs one turn on a fresh producer bound to sink and waits until
// every event was written. transport labels metrics.
func (o *Orchestrator) Serve(ctx context.Context, sink Sink, opts StreamOptions, turn Turn, transport string) error {
	stream := NewStream(ctx, sink, opts)
	outcome, err := o.Run(ctx, turn, stream.Emit)
	if closeErr := stream.Close(); closeErr != nil {
		outcome, err = OutcomeInterrupted, services.ErrStreamInterrupted
	}
	metrics.ChatTurns.WithLabelValues(transport, outcome).Inc()
	return err
}

// Run executes one turn, emitting the full event sequence. A failed turn
// still ends with done and returns nil; ErrStreamInterrupted means the
// connection or context ended first.
func (o *Orchestrator) Run(ctx context.Context, turn Turn, emit Emitter) (string, error) {
	err := o.run(ctx, turn, emit)
	switch {
	case err == nil:
		return OutcomeOK, nil
	case ctx.Err() != nil || errors.Is(err, services.ErrStreamInterrupted):
		return OutcomeInterrupted, services.ErrStreamInterrupted
	}

	log.Printf("Chat: turn for incident #%d failed: %v", turn.IncidentID, err)
	for _, ev := range []Event{ToolEvent(ToolFailed), ErrorEvent(err.Error()), DoneEvent(false)} {
		if emitErr := emit(ctx, ev); emitErr != nil {
			return OutcomeInterrupted, services.ErrStreamInterrupted
		}
	}
	return OutcomeFailed, nil
}

func (o *Orchestrator) run(ctx context.Context, turn Turn, emit Emitter) error {
	if err := emit(ctx, ToolEvent(ToolRunning)); err != nil {
		return err
	}

	result, err := o.summarizer.SummarizeWithOptions(ctx, turn.IncidentID, services.SummaryOptions{
		SimilarLimit: turn.SimilarLimit,
		RunbookLimit: turn.RunbookLimit,
	})
	if err != nil {
		return err
	}

	id := NewMessageID()
	var content strings.Builder
	req := AnswerRequest{
		Question:  turn.Message,
		Summary:   result.Summary,
		NextSteps: result.NextSteps,
		Citations: result.Citations,
	}
	err = o.answerer.Answer(ctx, req, func(delta string) error {
		content.WriteString(delta)
		return emit(ctx, Event{Type: EventAssistantDelta, Data: DeltaData{
			ID:             id,
			Role:           RoleAssistant,
			Delta:          delta,
			ConversationID: turn.ConversationID,
		}})
	})
	if err != nil {
		return err
	}
	if strings.TrimSpace(content.String()) == "" {
		return errors.New("assistant returned no content")
	}

	citations := result.Citations
	if citations == nil {
		citations = database.Citations{}
	}
	events := []Event{
		{Type: EventAssistant, Data: AssistantData{
			ID:             id,
			Role:           RoleAssistant,
			Content:        content.String(),
			Citations:      citations,
			ConversationID: turn.ConversationID,
		}},
		ToolEvent(ToolDone),
		DoneEvent(true),
	}
	for _, ev := range events {
		if err := emit(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
