package services

import (
	"errors"
	"fmt"

	"github.com/akmatori/opsrelay/internal/alerts/extraction"
	"github.com/akmatori/opsrelay/internal/database"
)

var (
	// ErrAuth is returned when a webhook signature is missing or wrong
	ErrAuth = errors.New("authentication failed")

	// ErrNotFound is returned for unknown incidents, alerts and sources
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition matches every *InvalidTransitionError
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrEnrichmentUnavailable never reaches callers; enrichment absorbs it
	ErrEnrichmentUnavailable = extraction.ErrEnrichmentUnavailable

	// ErrStreamInterrupted marks a chat turn that ended before done. Nothing
	// was persisted, so the turn can be retried.
	ErrStreamInterrupted = errors.New("stream interrupted")
)

// ValidationError reports bad input on a single field
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// InvalidTransitionError is a rejected incident status change
type InvalidTransitionError struct {
	From database.IncidentStatus
	To   database.IncidentStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition incident from %s to %s", e.From, e.To)
}

// Is lets errors.Is(err, ErrInvalidTransition) match
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
