// Package telemetry wires OpenTelemetry tracing and request correlation
// IDs through the orchestrator's call stack, so every RPC span and log line
// can be tied back to the originating thread.
package telemetry

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type contextKey string

const (
	keyThreadID      contextKey = "thread_id"
	keyRequestID     contextKey = "request_id"
	HeaderThreadID              = "X-Thread-ID"
	HeaderRequestID              = "X-Request-ID"
)

// WithThreadID attaches the conversation thread id to ctx.
func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, keyThreadID, threadID)
}

// ThreadID retrieves the thread id previously attached to ctx, if any.
func ThreadID(ctx context.Context) string {
	if v, ok := ctx.Value(keyThreadID).(string); ok {
		return v
	}
	return ""
}

// WithRequestID attaches a per-call request id, generating one if absent.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		requestID = uuid.New().String()
	}
	return context.WithValue(ctx, keyRequestID, requestID)
}

func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}

// InjectHeaders copies correlation ids from ctx onto an outbound request.
func InjectHeaders(ctx context.Context, h http.Header) {
	if tid := ThreadID(ctx); tid != "" {
		h.Set(HeaderThreadID, tid)
	}
	if rid := RequestID(ctx); rid != "" {
		h.Set(HeaderRequestID, rid)
	}
}

// EnrichFields adds correlation and trace ids to a log field map so every
// line emitted during a call can be joined back to its span and thread.
func EnrichFields(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		fields = make(map[string]interface{}, 4)
	}
	if tid := ThreadID(ctx); tid != "" {
		fields["thread_id"] = tid
	}
	if rid := RequestID(ctx); rid != "" {
		fields["request_id"] = rid
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		sc := span.SpanContext()
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	return fields
}

// SetSpanCorrelation stamps thread/request ids onto the active span's
// attributes, so a trace backend can filter by conversation thread.
func SetSpanCorrelation(ctx context.Context) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	if tid := ThreadID(ctx); tid != "" {
		span.SetAttributes(attribute.String("orchestrator.thread_id", tid))
	}
	if rid := RequestID(ctx); rid != "" {
		span.SetAttributes(attribute.String("orchestrator.request_id", rid))
	}
}
