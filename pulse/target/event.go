package target

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/tock/errors"
)

// EventVersion is the envelope schema version.
const EventVersion = 1

// Publisher is the publish contract of the event bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, message []byte) error
}

// EventEnvelope is the normalized event published for Event targets.
type EventEnvelope struct {
	EventID       string       `json:"eventId"`
	EventType     string       `json:"eventType"`
	EventVersion  int          `json:"eventVersion"`
	OccurredAt    string       `json:"occurredAt"`
	TenantID      string       `json:"tenantId"`
	CorrelationID string       `json:"correlationId"`
	Payload       EventPayload `json:"payload"`
}

// EventPayload identifies the firing. Data carries the schedule payload.
type EventPayload struct {
	ScheduleID string          `json:"scheduleId"`
	RunID      string          `json:"runId"`
	FiredAt    string          `json:"firedAt"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// EventExecutor publishes an EventEnvelope per firing.
type EventExecutor struct {
	publisher Publisher
	now       func() time.Time
}

// NewEventExecutor creates an event executor backed by publisher.
func NewEventExecutor(publisher Publisher) *EventExecutor {
	return &EventExecutor{publisher: publisher, now: time.Now}
}

// BuildEnvelope assembles the envelope for f.
func (e *EventExecutor) BuildEnvelope(topic string, f Firing) EventEnvelope {
	return EventEnvelope{
		EventID:       uuid.NewString(),
		EventType:     topic,
		EventVersion:  EventVersion,
		OccurredAt:    e.now().UTC().Format(time.RFC3339),
		TenantID:      f.TenantID,
		CorrelationID: f.CorrelationID,
		Payload: EventPayload{
			ScheduleID: f.ScheduleID,
			RunID:      f.RunID,
			FiredAt:    f.FiredAt.UTC().Format(time.RFC3339),
			Data:       f.Payload,
		},
	}
}

func (e *EventExecutor) Execute(ctx context.Context, f Firing) error {
	t, ok := f.Target.(Event)
	if !ok {
		return errors.Mark(errors.Newf("event executor got %T", f.Target), errors.ErrExecutor)
	}

	msg, err := json.Marshal(e.BuildEnvelope(t.Topic, f))
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to encode event"), errors.ErrExecutor)
	}
	if err := e.publisher.Publish(ctx, t.Topic, msg); err != nil {
		return errors.Mark(errors.Wrapf(err, "publish to %s rejected", t.Topic), errors.ErrExecutor)
	}
	return nil
}
