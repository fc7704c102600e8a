package repository

import (
	"context"
	"testing"
	"time"

	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
	"github.com/smallbiznis/tokenledger/internal/storetest"
	"github.com/smallbiznis/tokenledger/internal/tokenbalance/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := storetest.NewDB(t)
	repo := Provide()
	owner := ownerdomain.User("u_1")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	inserted, err := repo.Insert(ctx, db, &domain.TokenBalance{
		OwnerKind: owner.Kind, OwnerID: owner.ID, NonexpiringTokens: 2000, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.Insert(ctx, db, &domain.TokenBalance{
		OwnerKind: owner.Kind, OwnerID: owner.ID, NonexpiringTokens: 9999, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := repo.Find(ctx, db, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), got.NonexpiringTokens)
	assert.Zero(t, got.Version)
}

func TestCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	db := storetest.NewDB(t)
	repo := Provide()
	owner := ownerdomain.Organization("org_1")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expiry := now.Add(30 * 24 * time.Hour)

	_, err := repo.Insert(ctx, db, &domain.TokenBalance{OwnerKind: owner.Kind, OwnerID: owner.ID, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)

	next, err := repo.Find(ctx, db, owner)
	require.NoError(t, err)
	next.ExpiringTokens = 15000
	next.ExpiringTokensExpiry = &expiry
	next.UpdatedAt = now
	require.NoError(t, repo.CompareAndSwap(ctx, db, next, 0))
	assert.Equal(t, int64(1), next.Version)

	stale := *next
	stale.ExpiringTokens = 1
	assert.ErrorIs(t, repo.CompareAndSwap(ctx, db, &stale, 0), domain.ErrVersionConflict)

	got, err := repo.Find(ctx, db, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(15000), got.ExpiringTokens)
	require.NotNil(t, got.ExpiringTokensExpiry)
	assert.True(t, expiry.Equal(*got.ExpiringTokensExpiry))
	assert.Equal(t, int64(1), got.Version)
}

func TestFindMissing(t *testing.T) {
	db := storetest.NewDB(t)
	_, err := Provide().Find(context.Background(), db, ownerdomain.User("nobody"))
	assert.ErrorIs(t, err, domain.ErrBalanceNotFound)
}

func TestListAfterPagesInOwnerOrder(t *testing.T) {
	ctx := context.Background()
	db := storetest.NewDB(t)
	repo := Provide()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	owners := []ownerdomain.Owner{
		ownerdomain.User("b"),
		ownerdomain.Organization("z"),
		ownerdomain.User("a"),
	}
	for _, o := range owners {
		_, err := repo.Insert(ctx, db, &domain.TokenBalance{OwnerKind: o.Kind, OwnerID: o.ID, CreatedAt: now, UpdatedAt: now})
		require.NoError(t, err)
	}

	first, err := repo.ListAfter(ctx, db, nil, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, ownerdomain.Organization("z"), first[0].Owner())
	assert.Equal(t, ownerdomain.User("a"), first[1].Owner())

	after := first[1].Owner()
	second, err := repo.ListAfter(ctx, db, &after, 2)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, ownerdomain.User("b"), second[0].Owner())

	require.NoError(t, repo.Delete(ctx, db, ownerdomain.User("b")))
	_, err = repo.Find(ctx, db, ownerdomain.User("b"))
	assert.ErrorIs(t, err, domain.ErrBalanceNotFound)
}

func TestInsertRendersMySQLUpsert(t *testing.T) {
	db, statements := storetest.MySQLStatements(t)
	now := time.Now()

	_, err := Provide().Insert(context.Background(), db, &domain.TokenBalance{
		OwnerKind: ownerdomain.KindUser, OwnerID: "u_1", CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	require.Len(t, statements(), 1)
	assert.Contains(t, statements()[0], "ON DUPLICATE KEY UPDATE")
	assert.NotContains(t, statements()[0], "ON CONFLICT")
}
