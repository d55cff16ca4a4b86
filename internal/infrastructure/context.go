package infrastructure

import "context"

// contextKey is a private type for context keys.
type contextKey string

// traceIDKey stores the request's trace id in context.
const traceIDKey contextKey = "trace_id"

// WithTraceID returns a context carrying the given trace id.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext returns the trace id stored in ctx, or "".
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}
