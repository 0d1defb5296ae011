// Package events fans lifecycle events out to downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	TypeEmailSuppressed   = "email.suppressed"
	TypeAutomationPaused  = "automation.paused"
	TypeSegmentReconciled = "segment.reconciled"
)

// Event is one lifecycle notification.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"event_type"`
	LeadID     string         `json:"lead_id,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// New stamps an id and time on a new event.
func New(eventType string, data map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
