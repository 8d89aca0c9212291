package domain

import "context"

type contextKey string

const sessionIDKey contextKey = "session_id"

// ContextWithSessionID attaches the live session id to ctx
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// SessionIDFromContext returns the session id stored by ContextWithSessionID
func SessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey).(string)
	return id, ok && id != ""
}
