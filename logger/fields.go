package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging across tock.
const (
	// Identity
	FieldScheduleID    = "schedule_id"
	FieldRunID         = "run_id"
	FieldJobID         = "job_id"
	FieldWorkerID      = "worker_id"
	FieldTenantID      = "tenant_id"
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"

	// Components
	FieldComponent = "component"
	FieldSymbol    = "symbol" // ꩜, ✿, ❀, ⊔ ...

	// Scheduling
	FieldTrigger    = "trigger"
	FieldTarget     = "target"
	FieldNextFireAt = "next_fire_at"
	FieldAttempt    = "attempt"
	FieldVersion    = "version"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldLatencyMS  = "latency_ms"

	// Outcome
	FieldError  = "error"
	FieldStatus = "status"
	FieldCount  = "count"
)

type contextKey string

const (
	correlationIDKey contextKey = "logger_correlation_id"
	requestIDKey     contextKey = "logger_request_id"
	componentKey     contextKey = "logger_component"
)

// WithCorrelationID adds a correlation ID to the context for logging
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// CorrelationIDFromContext returns the correlation ID carried by ctx, if any.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// FieldsFromContext extracts logging fields from context as key-value pairs.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if id, ok := ctx.Value(correlationIDKey).(string); ok && id != "" {
		fields = append(fields, FieldCorrelationID, id)
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		fields = append(fields, FieldRequestID, id)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext decorates base with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
//
//	pool := &WorkerPool{logger: logger.ComponentLogger("pulse.worker")}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
