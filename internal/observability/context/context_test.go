package context

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestAndOwnerValues(t *testing.T) {
	ctx := WithRequestID(context.Background(), " req-1 ")
	ctx = WithOwner(ctx, "user", "user_123")

	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	kind, id := OwnerFromContext(ctx)
	assert.Equal(t, "user", kind)
	assert.Equal(t, "user_123", id)

	kind, id = OwnerFromContext(context.Background())
	assert.Empty(t, kind)
	assert.Empty(t, id)
}
