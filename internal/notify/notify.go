// Package notify delivers fire-and-forget pipeline events.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Event types
const (
	EventCycleCompleted    = "cycle.completed"
	EventCycleFailed       = "cycle.failed"
	EventBackfillCompleted = "backfill.completed"
	EventReportGenerated   = "report.generated"
	EventReportFailed      = "report.failed"
)

// Event is one notification. Payload is serialised as JSON by transports.
type Event struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(eventType string, payload interface{}) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// Notifier delivers events. Delivery failures are logged by the
// implementation and never reported to the caller.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// LogNotifier writes events to the application log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, event Event) {
	logrus.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
		"payload":    event.Payload,
	}).Info("Pipeline event")
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, event)
		}
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
