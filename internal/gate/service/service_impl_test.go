package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	entitlementdomain "github.com/smallbiznis/tokenledger/internal/entitlement/domain"
	entitlementservice "github.com/smallbiznis/tokenledger/internal/entitlement/service"
	"github.com/smallbiznis/tokenledger/internal/gate/domain"
	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
	ownerrepository "github.com/smallbiznis/tokenledger/internal/owner/repository"
	"github.com/smallbiznis/tokenledger/internal/storetest"
	subscriptionrepository "github.com/smallbiznis/tokenledger/internal/subscription/repository"
	balancerepository "github.com/smallbiznis/tokenledger/internal/tokenbalance/repository"
	ledgerrepository "github.com/smallbiznis/tokenledger/internal/tokenledger/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeLimiter struct {
	allowed bool
	err     error
	resetAt time.Time
	keys    []string
}

func (f *fakeLimiter) Allow(ctx context.Context, key string) (*domain.Decision, error) {
	f.keys = append(f.keys, key)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Decision{Allowed: f.allowed, ResetAt: f.resetAt}, nil
}

type fixture struct {
	db      *gorm.DB
	engine  entitlementdomain.Service
	limiter *fakeLimiter
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := storetest.NewDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(testNow)

	engine := entitlementservice.NewService(entitlementservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clk,
		Config: config.Config{Tokens: config.TokenConfig{SignupGrant: 100, MaxRetries: 3}},

		OwnerRepo:        ownerrepository.Provide(),
		BalanceRepo:      balancerepository.Provide(),
		LedgerRepo:       ledgerrepository.Provide(),
		SubscriptionRepo: subscriptionrepository.Provide(),
	})

	limiter := &fakeLimiter{}
	svc := NewService(Params{
		Log:     zap.NewNop(),
		Clock:   clk,
		Engine:  engine,
		Limiter: limiter,
	}).(*Service)
	return &fixture{db: db, engine: engine, limiter: limiter, svc: svc}
}

func (f *fixture) grant(t *testing.T, owner ownerdomain.Owner) {
	t.Helper()
	_, err := f.engine.GrantSignupCredits(context.Background(), owner)
	require.NoError(t, err)
}

func (f *fixture) usable(t *testing.T, owner ownerdomain.Owner) int64 {
	t.Helper()
	balance, err := f.engine.GetBalance(context.Background(), owner)
	require.NoError(t, err)
	return balance.UsableTokens
}

func (f *fixture) ledgerCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM token_ledger`).Scan(&count).Error)
	return count
}

func TestFreeCallSkipsTokens(t *testing.T) {
	f := newFixture(t)
	owner := ownerdomain.User("user_1")
	f.grant(t, owner)
	f.limiter.allowed = true

	res, err := f.svc.CheckAndReserve(context.Background(), "chat", domain.ForOwner(owner), 40)
	require.NoError(t, err)
	assert.True(t, res.Free())
	assert.Equal(t, []string{"gate:chat:user:user_1"}, f.limiter.keys)

	settlement, err := f.svc.Finalize(context.Background(), res, 55)
	require.NoError(t, err)
	assert.Zero(t, settlement.Charged)
	assert.Equal(t, int64(100), f.usable(t, owner))
}

func TestAnonymousRateLimited(t *testing.T) {
	f := newFixture(t)
	reset := testNow.Add(20 * time.Minute)
	f.limiter.resetAt = reset

	_, err := f.svc.CheckAndReserve(context.Background(), "chat", domain.Anonymous("10.0.0.1"), 10)
	require.ErrorIs(t, err, domain.ErrRateLimited)

	var limited *domain.RateLimitedError
	require.True(t, errors.As(err, &limited))
	assert.True(t, reset.Equal(limited.ResetAt))
	assert.Equal(t, []string{"gate:chat:anon:10.0.0.1"}, f.limiter.keys)
}

func TestLimiterFailure(t *testing.T) {
	f := newFixture(t)
	owner := ownerdomain.User("user_1")
	f.grant(t, owner)
	f.limiter.err = errors.New("redis down")

	_, err := f.svc.CheckAndReserve(context.Background(), "chat", domain.Anonymous("10.0.0.1"), 10)
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	res, err := f.svc.CheckAndReserve(context.Background(), "chat", domain.ForOwner(owner), 10)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationPending, res.Status)
}

func TestInsufficientBalanceBeforePaidWork(t *testing.T) {
	f := newFixture(t)
	owner := ownerdomain.User("user_1")
	f.grant(t, owner)

	called := false
	_, err := f.svc.Run(context.Background(), "eval", domain.ForOwner(owner), 500, func(ctx context.Context) (int64, error) {
		called = true
		return 500, nil
	})
	require.ErrorIs(t, err, entitlementdomain.ErrInsufficientBalance)

	var insufficient *entitlementdomain.InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(500), insufficient.Required)
	assert.Equal(t, int64(100), insufficient.Available)
	assert.False(t, called)
	assert.Equal(t, int64(100), f.usable(t, owner))
}

func TestCancelWritesNothing(t *testing.T) {
	f := newFixture(t)
	owner := ownerdomain.User("user_1")
	f.grant(t, owner)
	before := f.ledgerCount(t)

	res, err := f.svc.CheckAndReserve(context.Background(), "chat", domain.ForOwner(owner), 30)
	require.NoError(t, err)
	require.NoError(t, f.svc.Cancel(context.Background(), res))

	assert.ErrorIs(t, f.svc.Cancel(context.Background(), res), domain.ErrReservationNotPending)
	_, err = f.svc.Finalize(context.Background(), res, 30)
	assert.ErrorIs(t, err, domain.ErrReservationClosed)

	assert.Equal(t, before, f.ledgerCount(t))
	assert.Equal(t, int64(100), f.usable(t, owner))
}

func TestFinalizeSettlesDelta(t *testing.T) {
	tests := []struct {
		name       string
		estimate   int64
		actual     int64
		wantUsable int64
		want       domain.Settlement
	}{
		{name: "exact", estimate: 30, actual: 30, wantUsable: 70, want: domain.Settlement{Charged: 30}},
		{name: "refund unused", estimate: 30, actual: 12, wantUsable: 88, want: domain.Settlement{Charged: 12, Refunded: 18}},
		{name: "charge overage", estimate: 30, actual: 45, wantUsable: 55, want: domain.Settlement{Charged: 45}},
		{name: "absorb unaffordable overage", estimate: 90, actual: 130, wantUsable: 10, want: domain.Settlement{Charged: 90, Absorbed: 40}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			owner := ownerdomain.User("user_1")
			f.grant(t, owner)

			settlement, err := f.svc.Run(context.Background(), "chat", domain.ForOwner(owner), tt.estimate, func(ctx context.Context) (int64, error) {
				return tt.actual, nil
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want.Charged, settlement.Charged)
			assert.Equal(t, tt.want.Refunded, settlement.Refunded)
			assert.Equal(t, tt.want.Absorbed, settlement.Absorbed)
			require.NotNil(t, settlement.Balance)
			assert.Equal(t, tt.wantUsable, settlement.Balance.UsableTokens)
			assert.Equal(t, tt.wantUsable, f.usable(t, owner))
		})
	}
}

func TestRunRefundsOnOperationError(t *testing.T) {
	f := newFixture(t)
	owner := ownerdomain.User("user_1")
	f.grant(t, owner)
	opErr := errors.New("model unavailable")

	_, err := f.svc.Run(context.Background(), "chat", domain.ForOwner(owner), 40, func(ctx context.Context) (int64, error) {
		return 0, opErr
	})
	assert.ErrorIs(t, err, opErr)
	assert.Equal(t, int64(100), f.usable(t, owner))
}

func TestCheckAndReserveValidates(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CheckAndReserve(context.Background(), " ", domain.Anonymous("ip"), 1)
	assert.ErrorIs(t, err, domain.ErrInvalidFeature)

	_, err = f.svc.CheckAndReserve(context.Background(), "chat", domain.Caller{}, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidCaller)

	_, err = f.svc.CheckAndReserve(context.Background(), "chat", domain.Anonymous("ip"), 0)
	assert.ErrorIs(t, err, domain.ErrInvalidEstimate)
}
