package repository

import (
	"context"
	"testing"
	"time"

	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
	"github.com/smallbiznis/tokenledger/internal/storetest"
	subscriptiondomain "github.com/smallbiznis/tokenledger/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertKeepsOneRowPerOwner(t *testing.T) {
	ctx := context.Background()
	db := storetest.NewDB(t)
	repo := Provide()
	owner := ownerdomain.User("u_1")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	sub := &subscriptiondomain.Subscription{
		OwnerKind:              owner.Kind,
		OwnerID:                owner.ID,
		Tier:                   subscriptiondomain.TierPro,
		ExternalSubscriptionID: "sub_1",
		Status:                 subscriptiondomain.StatusActive,
		CurrentPeriodEnd:       now.Add(30 * 24 * time.Hour),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	require.NoError(t, repo.Upsert(ctx, db, sub))

	sub.Tier = subscriptiondomain.TierPremium
	sub.CurrentPeriodEnd = now.Add(60 * 24 * time.Hour)
	require.NoError(t, repo.Upsert(ctx, db, sub))

	got, err := repo.FindByOwner(ctx, db, owner)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.TierPremium, got.Tier)
	assert.True(t, sub.CurrentPeriodEnd.Equal(got.CurrentPeriodEnd))

	byExternal, err := repo.FindByExternalID(ctx, db, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, owner, byExternal.Owner())

	require.NoError(t, repo.UpdateStatus(ctx, db, owner, subscriptiondomain.StatusCanceled, now))
	got, err = repo.FindByOwner(ctx, db, owner)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCanceled, got.Status)

	require.NoError(t, repo.Delete(ctx, db, owner))
	_, err = repo.FindByOwner(ctx, db, owner)
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
	assert.ErrorIs(t, repo.UpdateStatus(ctx, db, owner, subscriptiondomain.StatusPastDue, now), subscriptiondomain.ErrSubscriptionNotFound)
}

func TestParseTier(t *testing.T) {
	tier, err := subscriptiondomain.ParseTier(" PRO ")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.TierPro, tier)

	_, err = subscriptiondomain.ParseTier("enterprise")
	assert.ErrorIs(t, err, subscriptiondomain.ErrUnknownTier)
}

func TestUpsertRendersMySQLUpsert(t *testing.T) {
	db, statements := storetest.MySQLStatements(t)
	now := time.Now()

	require.NoError(t, Provide().Upsert(context.Background(), db, &subscriptiondomain.Subscription{
		OwnerKind:              ownerdomain.KindUser,
		OwnerID:                "u_1",
		Tier:                   subscriptiondomain.TierPro,
		ExternalSubscriptionID: "sub_1",
		Status:                 subscriptiondomain.StatusActive,
		CurrentPeriodEnd:       now.Add(time.Hour),
		CreatedAt:              now,
		UpdatedAt:              now,
	}))

	require.Len(t, statements(), 1)
	assert.Contains(t, statements()[0], "ON DUPLICATE KEY UPDATE")
	assert.Contains(t, statements()[0], "`tier`=VALUES(`tier`)")
	assert.NotContains(t, statements()[0], "`created_at`=VALUES")
}
