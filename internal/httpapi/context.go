package httpapi

import (
	"context"

	"github.com/AgentFSorg/agentfs/internal/auth"
)

type contextKey string

const (
	authContextKey      contextKey = "agentfs.auth"
	requestIDContextKey contextKey = "agentfs.request_id"
)

func withAuthContext(ctx context.Context, a *auth.Context) context.Context {
	return context.WithValue(ctx, authContextKey, a)
}

func authFromContext(ctx context.Context) *auth.Context {
	a, _ := ctx.Value(authContextKey).(*auth.Context)
	return a
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, id)
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}
