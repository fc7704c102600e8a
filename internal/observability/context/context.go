package context

import (
	"context"
	"strings"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	ownerKey     ctxKey = "owner"
)

type ownerValue struct {
	kind string
	id   string
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDKey, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey).(string)
	return value
}

// WithOwner tags the context with the token owner the request acts on.
func WithOwner(ctx context.Context, kind, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ownerKey, ownerValue{kind: strings.TrimSpace(kind), id: strings.TrimSpace(id)})
}

func OwnerFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	value, ok := ctx.Value(ownerKey).(ownerValue)
	if !ok {
		return "", ""
	}
	return value.kind, value.id
}
