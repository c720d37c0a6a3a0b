package target

import (
	"context"
	"encoding/json"
	"time"

	"github.com/teranos/tock/errors"
)

// Enqueuer is the enqueue contract of the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, message []byte) error
}

// QueueMessage is pushed for Queue targets.
type QueueMessage struct {
	RunID         string          `json:"runId"`
	ScheduleID    string          `json:"scheduleId"`
	TenantID      string          `json:"tenantId"`
	CorrelationID string          `json:"correlationId"`
	Attempt       int             `json:"attempt"`
	FiredAt       string          `json:"firedAt"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// QueueExecutor enqueues a QueueMessage per firing.
type QueueExecutor struct {
	enqueuer Enqueuer
}

// NewQueueExecutor creates a queue executor backed by enqueuer.
func NewQueueExecutor(enqueuer Enqueuer) *QueueExecutor {
	return &QueueExecutor{enqueuer: enqueuer}
}

func (q *QueueExecutor) Execute(ctx context.Context, f Firing) error {
	t, ok := f.Target.(Queue)
	if !ok {
		return errors.Mark(errors.Newf("queue executor got %T", f.Target), errors.ErrExecutor)
	}

	msg, err := json.Marshal(QueueMessage{
		RunID:         f.RunID,
		ScheduleID:    f.ScheduleID,
		TenantID:      f.TenantID,
		CorrelationID: f.CorrelationID,
		Attempt:       f.Attempt,
		FiredAt:       f.FiredAt.UTC().Format(time.RFC3339),
		Payload:       f.Payload,
	})
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to encode queue message"), errors.ErrExecutor)
	}
	if err := q.enqueuer.Enqueue(ctx, t.Topic, msg); err != nil {
		return errors.Mark(errors.Wrapf(err, "enqueue to %s rejected", t.Topic), errors.ErrExecutor)
	}
	return nil
}
