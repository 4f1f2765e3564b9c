package types

import "context"

type contextKey string

const traceIDKey contextKey = "trace_id"

// WithTraceID stores a trace ID in the context. Set by the enqueuer when a
// message is published and by consumers when a message is received, so that
// log lines across processes can be correlated.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// GetTraceID retrieves the trace ID from the context, or "" if unset.
func GetTraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}
