package target

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tock/errors"
)

type recordingBus struct {
	mu       sync.Mutex
	topics   []string
	messages [][]byte
	err      error
}

func (r *recordingBus) Publish(_ context.Context, topic string, message []byte) error {
	return r.record(topic, message)
}

func (r *recordingBus) Enqueue(_ context.Context, queue string, message []byte) error {
	return r.record(queue, message)
}

func (r *recordingBus) record(topic string, message []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.topics = append(r.topics, topic)
	r.messages = append(r.messages, message)
	return nil
}

func testFiring(t Target) Firing {
	return Firing{
		ScheduleID:    "sched-1",
		TenantID:      "acme",
		RunID:         "run-1",
		CorrelationID: "corr-1",
		Attempt:       1,
		FiredAt:       time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
		Payload:       json.RawMessage(`{"warehouse":"north"}`),
		Target:        t,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		target Target
		want   []string
	}{
		{name: "event ok", target: Event{Topic: "inventory.reorder.check"}},
		{name: "event missing topic", target: Event{}, want: []string{"Event topic is required"}},
		{name: "queue missing topic", target: Queue{Topic: " "}, want: []string{"Queue topic is required"}},
		{name: "http ok", target: HTTP{URL: "https://x"}},
		{name: "http missing url", target: HTTP{}, want: []string{"URL is required"}},
		{name: "http bad scheme", target: HTTP{URL: "ftp://files"}, want: []string{"Invalid URL: ftp://files"}},
		{
			name:   "http all problems",
			target: HTTP{Method: "BREW", TimeoutSec: -1},
			want:   []string{"URL is required", "Unsupported HTTP method: BREW", "Timeout must not be negative"},
		},
		{name: "http lowercase method", target: HTTP{URL: "https://x", Method: "put"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.target.Validate())
		})
	}
}

func TestEnvelope(t *testing.T) {
	for _, tgt := range []Target{
		Event{Topic: "billing.close"},
		HTTP{URL: "https://hooks.example.com", Method: "PUT", Headers: map[string]string{"X-Key": "v"}, TimeoutSec: 5},
		Queue{Topic: "reports"},
	} {
		data, err := EncodeJSON(tgt)
		require.NoError(t, err)
		back, err := DecodeJSON(data)
		require.NoError(t, err)
		assert.Equal(t, tgt, back)
	}

	_, err := DecodeJSON([]byte(`{"type":"carrier_pigeon","config":{}}`))
	assert.True(t, errors.Is(err, ErrInvalidTarget))

	_, err = DecodeJSON([]byte(`{"type":"http","config":{"url":42}}`))
	assert.True(t, errors.Is(err, ErrInvalidTarget))

	got, err := DecodeJSON([]byte(`{"type":"queue"}`))
	require.NoError(t, err)
	assert.Equal(t, Queue{}, got)
}

func TestHTTP_MethodOrDefault(t *testing.T) {
	assert.Equal(t, "POST", HTTP{}.MethodOrDefault())
	assert.Equal(t, "PATCH", HTTP{Method: "patch"}.MethodOrDefault())
}

func TestRegistry_Dispatch(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	bus := &recordingBus{}
	reg.Register(KindEvent, NewEventExecutor(bus))

	assert.True(t, reg.Has(KindEvent))
	assert.False(t, reg.Has(KindQueue))
	assert.Equal(t, []Kind{KindEvent}, reg.Kinds())

	require.NoError(t, reg.Dispatch(ctx, testFiring(Event{Topic: "t"})))

	err := reg.Dispatch(ctx, testFiring(Queue{Topic: "q"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrExecutor))
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))

	err = reg.Dispatch(ctx, testFiring(nil))
	assert.True(t, errors.Is(err, errors.ErrExecutor))

	reg.Register(KindHTTP, ExecutorFunc(func(context.Context, Firing) error {
		return errors.New("boom")
	}))
	err = reg.Dispatch(ctx, testFiring(HTTP{URL: "https://x"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrExecutor))
	assert.Contains(t, err.Error(), "boom")
}

func TestEventExecutor(t *testing.T) {
	bus := &recordingBus{}
	exec := NewEventExecutor(bus)
	exec.now = func() time.Time { return time.Date(2026, 4, 1, 9, 0, 2, 0, time.UTC) }

	require.NoError(t, exec.Execute(context.Background(), testFiring(Event{Topic: "inventory.reorder.check"})))
	require.Len(t, bus.messages, 1)
	assert.Equal(t, "inventory.reorder.check", bus.topics[0])

	var env EventEnvelope
	require.NoError(t, json.Unmarshal(bus.messages[0], &env))
	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, "inventory.reorder.check", env.EventType)
	assert.Equal(t, 1, env.EventVersion)
	assert.Equal(t, "2026-04-01T09:00:02Z", env.OccurredAt)
	assert.Equal(t, "acme", env.TenantID)
	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.Equal(t, "sched-1", env.Payload.ScheduleID)
	assert.Equal(t, "run-1", env.Payload.RunID)
	assert.Equal(t, "2026-04-01T09:00:00Z", env.Payload.FiredAt)
	assert.JSONEq(t, `{"warehouse":"north"}`, string(env.Payload.Data))

	bus.err = errors.New("bus down")
	err := exec.Execute(context.Background(), testFiring(Event{Topic: "x"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrExecutor))

	err = exec.Execute(context.Background(), testFiring(Queue{Topic: "x"}))
	assert.True(t, errors.Is(err, errors.ErrExecutor))
}

func TestQueueExecutor(t *testing.T) {
	bus := &recordingBus{}
	exec := NewQueueExecutor(bus)

	require.NoError(t, exec.Execute(context.Background(), testFiring(Queue{Topic: "reports"})))
	require.Len(t, bus.messages, 1)
	assert.Equal(t, "reports", bus.topics[0])

	var msg QueueMessage
	require.NoError(t, json.Unmarshal(bus.messages[0], &msg))
	assert.Equal(t, "run-1", msg.RunID)
	assert.Equal(t, "sched-1", msg.ScheduleID)
	assert.Equal(t, 1, msg.Attempt)
	assert.JSONEq(t, `{"warehouse":"north"}`, string(msg.Payload))

	bus.err = errors.New("full")
	err := exec.Execute(context.Background(), testFiring(Queue{Topic: "reports"}))
	assert.True(t, errors.Is(err, errors.ErrExecutor))
}
