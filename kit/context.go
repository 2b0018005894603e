// Package kit carries request-scoped identifiers through context.Context.
//
// Every top-level operation stores its correlation ID here; components
// read it back for events and log lines so the whole operation tree is
// traceable under one prefix.
package kit

import "context"

type contextKey string

const (
	CorrelationIDKey contextKey = "kit_correlation_id"
	SessionIDKey     contextKey = "kit_session_id"
	ContextIDKey     contextKey = "kit_context_id"
)

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

func GetCorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(CorrelationIDKey).(string)
	return v
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(SessionIDKey).(string)
	return v
}

func WithContextID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextIDKey, id)
}

func GetContextID(ctx context.Context) string {
	v, _ := ctx.Value(ContextIDKey).(string)
	return v
}
