// Package adapter defines the outcome notification boundary.
//
// Adapters tell downstream systems that a consultation was persisted. The
// session controller publishes after the store accepted the record; a failed
// publish is logged and never undoes the delivery.
package adapter

import (
	"context"
	"time"

	"github.com/pithecene-io/dictum/types"
)

// EventVersion is the notification payload version.
const EventVersion = "1"

// EventType values.
const (
	EventConsultationCompleted  = "consultation_completed"
	EventConsultationProcessing = "consultation_processing"
)

// OutcomeEvent is the payload published when a consultation is persisted.
type OutcomeEvent struct {
	Version         string `json:"version"`
	EventType       string `json:"event_type"`
	ConsultationID  string `json:"consultation_id"`
	SessionID       string `json:"session_id"`
	Subject         string `json:"subject"`
	Status          string `json:"status"`
	AudioReference  string `json:"audio_reference"`
	DurationSeconds int    `json:"duration_seconds"`
	Timestamp       string `json:"timestamp"` // RFC 3339
}

// NewOutcomeEvent builds the event for a persisted outcome.
func NewOutcomeEvent(o *types.ConsultationOutcome, at time.Time) *OutcomeEvent {
	eventType := EventConsultationCompleted
	if o.Status == types.OutcomeProcessing {
		eventType = EventConsultationProcessing
	}
	return &OutcomeEvent{
		Version:         EventVersion,
		EventType:       eventType,
		ConsultationID:  o.ID,
		SessionID:       o.SessionID,
		Subject:         o.Subject,
		Status:          string(o.Status),
		AudioReference:  o.AudioReference,
		DurationSeconds: o.DurationSeconds,
		Timestamp:       at.UTC().Format(time.RFC3339),
	}
}

// Adapter publishes outcome events to a downstream system.
type Adapter interface {
	// Publish sends the event. Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *OutcomeEvent) error

	// Close releases adapter resources.
	Close() error
}

// Backoff returns the wait before retry attempt i (1-based): base, 2×base, 4×base...
func Backoff(base time.Duration, i int) time.Duration {
	return base << uint(i-1)
}
