package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	"github.com/smallbiznis/tokenledger/internal/entitlement/domain"
	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
	ownerrepository "github.com/smallbiznis/tokenledger/internal/owner/repository"
	"github.com/smallbiznis/tokenledger/internal/storetest"
	subscriptiondomain "github.com/smallbiznis/tokenledger/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/tokenledger/internal/subscription/repository"
	balancedomain "github.com/smallbiznis/tokenledger/internal/tokenbalance/domain"
	balancerepository "github.com/smallbiznis/tokenledger/internal/tokenbalance/repository"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/tokenledger/domain"
	ledgerrepository "github.com/smallbiznis/tokenledger/internal/tokenledger/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db    *gorm.DB
	clock *clock.FakeClock
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := storetest.NewDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(testStart)

	cfg := config.Config{Tokens: config.TokenConfig{
		SignupGrant: 2000,
		TierAllotments: map[string]int64{
			"pro":     15000,
			"premium": 25000,
			"starter": 10000,
		},
		MaxRetries: 5,
	}}

	svc := newService(Params{
		DB:               db,
		Log:              zap.NewNop(),
		GenID:            node,
		Clock:            clk,
		Config:           cfg,
		OwnerRepo:        ownerrepository.Provide(),
		BalanceRepo:      balancerepository.Provide(),
		LedgerRepo:       ledgerrepository.Provide(),
		SubscriptionRepo: subscriptionrepository.Provide(),
	})
	return &fixture{db: db, clock: clk, svc: svc}
}

// assertReconciled checks that the ledger sums match the stored balance.
func (f *fixture) assertReconciled(t *testing.T, owner ownerdomain.Owner) {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()

	balance, err := f.svc.balances.Find(ctx, f.db, owner)
	require.NoError(t, err)

	nonexpiring, err := f.svc.ledger.SumByOwner(ctx, f.db, owner, ledgerdomain.TokenTypeNonexpiring, now)
	require.NoError(t, err)
	expiring, err := f.svc.ledger.SumByOwner(ctx, f.db, owner, ledgerdomain.TokenTypeExpiring, now)
	require.NoError(t, err)

	assert.Equal(t, balance.NonexpiringTokens, nonexpiring, "nonexpiring ledger sum")
	assert.Equal(t, balance.EffectiveExpiring(now), expiring, "expiring ledger sum")
	assert.True(t, balance.Valid())
}

func (f *fixture) entries(t *testing.T, owner ownerdomain.Owner) []ledgerdomain.Entry {
	t.Helper()
	entries, err := f.svc.ledger.ListByOwner(context.Background(), f.db, owner, 100, nil)
	require.NoError(t, err)
	return entries
}

func (f *fixture) subscribe(t *testing.T, owner ownerdomain.Owner, tier subscriptiondomain.Tier, periodEnd time.Time) {
	t.Helper()
	_, err := f.svc.ApplySubscriptionGrant(context.Background(), domain.SubscriptionGrant{
		Owner:                  owner,
		Tier:                   tier,
		ExternalSubscriptionID: "sub_" + owner.ID,
		PeriodEnd:              periodEnd,
	})
	require.NoError(t, err)
}

func TestGrantSignupCreditsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := ownerdomain.User("u_1")

	first, err := f.svc.GrantSignupCredits(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), first.NonexpiringTokens)
	assert.Equal(t, int64(2000), first.UsableTokens)

	second, err := f.svc.GrantSignupCredits(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, first.NonexpiringTokens, second.NonexpiringTokens)
	assert.Equal(t, first.UsableTokens, second.UsableTokens)

	entries := f.entries(t, owner)
	require.Len(t, entries, 1)
	assert.Equal(t, ledgerdomain.ReasonSignup, entries[0].Reason)
	f.assertReconciled(t, owner)
}

func TestGrantSignupCreditsKeepsExistingBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := ownerdomain.User("u_p")

	_, err := f.svc.CreditPurchase(ctx, owner, "cs_1", 500)
	require.NoError(t, err)

	balance, err := f.svc.GrantSignupCredits(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance.NonexpiringTokens)
	assert.Equal(t, int64(500), balance.UsableTokens)

	entries := f.entries(t, owner)
	require.Len(t, entries, 1)
	assert.Equal(t, ledgerdomain.ReasonPurchase, entries[0].Reason)
	f.assertReconciled(t, owner)
}

func TestGrantSignupCreditsRejectsInvalidOwner(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GrantSignupCredits(context.Background(), ownerdomain.Owner{Kind: "team", ID: "x"})
	assert.ErrorIs(t, err, ownerdomain.ErrInvalidOwnerKind)
}

func TestConsumeDebitsExpiringFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := ownerdomain.User("u_1")

	_, err := f.svc.GrantSignupCredits(ctx, owner)
	require.NoError(t, err)
	f.subscribe(t, owner, subscriptiondomain.TierPro, testStart.Add(30*24*time.Hour))

	res, err := f.svc.Consume(ctx, owner, 15500, ledgerdomain.ReasonUsage)
	require.NoError(t, err)
	assert.Equal(t, int64(15000), res.Split.Expiring)
	assert.Equal(t, int64(500), res.Split.Nonexpiring)
	assert.Zero(t, res.Balance.ExpiringTokens)
	assert.Equal(t, int64(1500), res.Balance.NonexpiringTokens)
	assert.Equal(t, int64(1500), res.Balance.UsableTokens)

	usage := 0
	for _, e := range f.entries(t, owner) {
		if e.Reason == ledgerdomain.ReasonUsage {
			usage++
			assert.Negative(t, e.Amount)
		}
	}
	assert.Equal(t, 2, usage)
	f.assertReconciled(t, owner)
}

func TestConsumeInsufficientBalanceLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := ownerdomain.User("u_1")

	_, err := f.svc.GrantSignupCredits(ctx, owner)
	require.NoError(t, err)

	_, err = f.svc.Consume(ctx, owner, 2001, ledgerdomain.ReasonUsage)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	var insufficient *domain.InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(2001), insufficient.Required)
	assert.Equal(t, int64(2000), insufficient.Available)

	balance, err := f.svc.GetBalance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), balance.UsableTokens)
	assert.Len(t, f.entries(t, owner), 1)
}

func TestConsumeWithoutBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := ownerdomain.Organization("org_1")

	_, err := f.svc.Consume(ctx, owner, 1, ledgerdomain.ReasonUsage)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	_, err = f.svc.balances.Find(ctx, f.db, owner)
	assert.ErrorIs(t, err, balancedomain.ErrBalanceNotFound)
}

func TestConsumeRejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Consume(context.Background(), ownerdomain.User("u_1"), 0, ledgerdomain.ReasonUsage)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestConcurrentConsumeNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := ownerdomain.User("u_1")

	_, err := f.svc.GrantSignupCredits(ctx, owner)
	require.NoError(t, err)

	const amount = 1200
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Consume(ctx, owner, amount, ledgerdomain.ReasonUsage)
		}(i)
	}
	wg.Wait()

	succeeded, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, insufficient)

	balance, err := f.svc.GetBalance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(800), balance.UsableTokens)
	f.assertReconciled(t, owner)
}

func TestStaleVersionIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := ownerdomain.User("u_1")

	_, err := f.svc.GrantSignupCredits(ctx, owner)
	require.NoError(t, err)

	attempts := 0
	err = f.svc.RunInTx(ctx, func(tx domain.Tx) error {
		attempts++
		if attempts == 1 {
			return balancedomain.ErrVersionConflict
		}
		_, err := tx.Consume(ctx, owner, 100, ledgerdomain.ReasonUsage)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	balance, err := f.svc.GetBalance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(1900), balance.UsableTokens)
	f.assertReconciled(t, owner)
}

// racingBalances lets another writer bump the row version right after each
// read, for the first races reads.
type racingBalances struct {
	balancedomain.Repository
	races int
	reads int
}

func (r *racingBalances) Find(ctx context.Context, db *gorm.DB, owner ownerdomain.Owner) (*balancedomain.TokenBalance, error) {
	balance, err := r.Repository.Find(ctx, db, owner)
	if err != nil {
		return nil, err
	}
	r.reads++
	if r.races > 0 {
		r.races--
		if err := db.WithContext(ctx).Exec(
			`UPDATE token_balances SET version = version + 1 WHERE owner_kind = ? AND owner_id = ?`,
			owner.Kind, owner.ID,
		).Error; err != nil {
			return nil, err
		}
	}
	return balance, nil
}

func TestVersionConflictRollsBackAndRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := ownerdomain.User("u_1")

	_, err := f.svc.GrantSignupCredits(ctx, owner)
	require.NoError(t, err)

	racing := &racingBalances{Repository: f.svc.balances, races: 1}
	f.svc.balances = racing

	res, err := f.svc.Consume(ctx, owner, 300, ledgerdomain.ReasonUsage)
	require.NoError(t, err)
	assert.Equal(t, int64(1700), res.Balance.UsableTokens)
	assert.Equal(t, 2, racing.reads)

	// The losing attempt left neither a debit nor its version bump behind.
	entries := f.entries(t, owner)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(-300), entries[0].Amount)

	balance, err := racing.Repository.Find(ctx, f.db, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance.Version)
	f.assertReconciled(t, owner)
}

func TestConflictRetriesAreBounded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	attempts := 0
	err := f.svc.RunInTx(ctx, func(tx domain.Tx) error {
		attempts++
		return balancedomain.ErrVersionConflict
	})
	assert.ErrorIs(t, err, domain.ErrTransientStoreFailure)
	assert.Equal(t, 5, attempts)
}

func TestRunInTxRollsBackEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := ownerdomain.User("u_1")
	boom := errors.New("boom")

	err := f.svc.RunInTx(ctx, func(tx domain.Tx) error {
		if err := tx.EnsureOwner(ctx, owner, "a@example.com"); err != nil {
			return err
		}
		if _, err := tx.GrantSignupCredits(ctx, owner); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Empty(t, f.entries(t, owner))
	_, err = f.svc.owners.Find(ctx, f.db, owner)
	assert.ErrorIs(t, err, ownerdomain.ErrOwnerNotFound)
}

func TestCreditPurchaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := ownerdomain.User("u_1")

	first, err := f.svc.CreditPurchase(ctx, owner, "cs_123", 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), first.NonexpiringTokens)

	second, err := f.svc.CreditPurchase(ctx, owner, "cs_123", 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), second.NonexpiringTokens)

	entries := f.entries(t, owner)
	require.Len(t, entries, 1)
	assert.Equal(t, ledgerdomain.ReasonPurchase, entries[0].Reason)
	f.assertReconciled(t, owner)

	_, err = f.svc.CreditPurchase(ctx, owner, " ", 5000)
	assert.ErrorIs(t, err, domain.ErrInvalidPurchaseID)
	_, err = f.svc.CreditPurchase(ctx, owner, "cs_456", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestSubscriptionGrantThenRenewal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := ownerdomain.User("u_1")
	firstEnd := testStart.Add(30 * 24 * time.Hour)
	secondEnd := firstEnd.Add(30 * 24 * time.Hour)

	_, err := f.svc.GrantSignupCredits(ctx, owner)
	require.NoError(t, err)
	f.subscribe(t, owner, subscriptiondomain.TierPro, firstEnd)

	_, err = f.svc.Consume(ctx, owner, 4000, ledgerdomain.ReasonUsage)
	require.NoError(t, err)

	// Renewal replaces the unused remainder with a fresh allotment.
	f.clock.Set(firstEnd.Add(-time.Hour))
	balance, err := f.svc.ApplySubscriptionGrant(ctx, domain.SubscriptionGrant{
		Owner:                  owner,
		Tier:                   subscriptiondomain.TierPro,
		ExternalSubscriptionID: "sub_u_1",
		PeriodEnd:              secondEnd,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(15000), balance.ExpiringTokens)
	require.NotNil(t, balance.ExpiringTokensExpiry)
	assert.True(t, secondEnd.Equal(*balance.ExpiringTokensExpiry))
	assert.Equal(t, int64(2000), balance.NonexpiringTokens)
	f.assertReconciled(t, owner)

	renewals := 0
	for _, e := range f.entries(t, owner) {
		if e.Reason == ledgerdomain.ReasonSubscriptionRenewal {
			renewals++
		}
	}
	assert.Equal(t, 2, renewals, "write-off of the remainder plus the new allotment")

	sub, err := f.svc.FindSubscriptionByExternalID(ctx, "sub_u_1")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	assert.True(t, secondEnd.Equal(sub.CurrentPeriodEnd))

	// The old period's entries drop out once it ends.
	f.clock.Set(firstEnd.Add(time.Hour))
	f.assertReconciled(t, owner)
}

func TestSubscriptionGrantReplayIsNoop(t *testing.T) {
	f := newFixture(t)
	owner := ownerdomain.Organization("org_1")
	end := testStart.Add(30 * 24 * time.Hour)

	f.subscribe(t, owner, subscriptiondomain.TierPremium, end)
	f.subscribe(t, owner, subscriptiondomain.TierPremium, end)

	entries := f.entries(t, owner)
	require.Len(t, entries, 1)
	assert.Equal(t, ledgerdomain.ReasonSubscriptionGrant, entries[0].Reason)
	assert.Equal(t, int64(25000), entries[0].Amount)
	f.assertReconciled(t, owner)
}

func TestSubscriptionGrantValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := ownerdomain.User("u_1")

	_, err := f.svc.ApplySubscriptionGrant(ctx, domain.SubscriptionGrant{
		Owner: owner, Tier: "enterprise", ExternalSubscriptionID: "sub_1", PeriodEnd: testStart.Add(time.Hour),
	})
	assert.ErrorIs(t, err, domain.ErrUnknownTier)

	_, err = f.svc.ApplySubscriptionGrant(ctx, domain.SubscriptionGrant{
		Owner: owner, Tier: subscriptiondomain.TierPro, ExternalSubscriptionID: "sub_1", PeriodEnd: testStart,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidPeriodEnd)

	_, err = f.svc.ApplySubscriptionGrant(ctx, domain.SubscriptionGrant{
		Owner: owner, Tier: subscriptiondomain.TierPro, PeriodEnd: testStart.Add(time.Hour),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidSubscription)
}

func TestTierAdjustedBalance(t *testing.T) {
	tests := []struct {
		name         string
		oldAllowance int64
		newAllowance int64
		remaining    int64
		want         int64
	}{
		{"pro to premium with 10000 remaining", 15000, 25000, 10000, 20000},
		{"premium to pro with 15000 remaining", 25000, 15000, 15000, 5000},
		{"pro to premium with nothing remaining", 15000, 25000, 0, 10000},
		{"pro to smaller tier with nothing remaining", 15000, 10000, 0, 0},
		{"remainder above old allowance is clamped", 15000, 25000, 40000, 25000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TierAdjustedBalance(tt.oldAllowance, tt.newAllowance, tt.remaining))
		})
	}
}

func TestApplyTierChange(t *testing.T) {
	tests := []struct {
		name      string
		from      subscriptiondomain.Tier
		to        subscriptiondomain.Tier
		consume   int64
		want      int64
		reason    ledgerdomain.Reason
		wantEntry bool
	}{
		{"upgrade partially used", subscriptiondomain.TierPro, subscriptiondomain.TierPremium, 5000, 20000, ledgerdomain.ReasonTierUpgradeAdjustment, true},
		{"downgrade partially used", subscriptiondomain.TierPremium, subscriptiondomain.TierPro, 10000, 5000, ledgerdomain.ReasonTierDowngradeAdjustment, true},
		{"upgrade fully used", subscriptiondomain.TierPro, subscriptiondomain.TierPremium, 15000, 10000, ledgerdomain.ReasonTierUpgradeAdjustment, true},
		{"downgrade fully used", subscriptiondomain.TierPro, "starter", 15000, 0, ledgerdomain.ReasonTierDowngradeAdjustment, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			owner := ownerdomain.User("u_1")
			end := testStart.Add(30 * 24 * time.Hour)

			f.subscribe(t, owner, tt.from, end)
			_, err := f.svc.Consume(ctx, owner, tt.consume, ledgerdomain.ReasonUsage)
			require.NoError(t, err)

			balance, err := f.svc.ApplyTierChange(ctx, domain.TierChange{Owner: owner, OldTier: tt.from, NewTier: tt.to})
			require.NoError(t, err)
			assert.Equal(t, tt.want, balance.ExpiringTokens)
			assert.GreaterOrEqual(t, balance.ExpiringTokens, int64(0))
			f.assertReconciled(t, owner)

			var adjustments []ledgerdomain.Entry
			for _, e := range f.entries(t, owner) {
				if e.Reason == tt.reason {
					adjustments = append(adjustments, e)
				}
			}
			if tt.wantEntry {
				require.Len(t, adjustments, 1)
				assert.Equal(t, tt.want-(f.allotmentOf(t, tt.from)-tt.consume), adjustments[0].Amount)
			} else {
				assert.Empty(t, adjustments)
			}

			sub, err := f.svc.subscriptions.FindByOwner(ctx, f.db, owner)
			require.NoError(t, err)
			assert.Equal(t, tt.to, sub.Tier)
		})
	}
}

func (f *fixture) allotmentOf(t *testing.T, tier subscriptiondomain.Tier) int64 {
	t.Helper()
	tokens, err := f.svc.allotment(tier)
	require.NoError(t, err)
	return tokens
}

func TestApplyTierChangeAfterExpiryUsesPeriodEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := ownerdomain.User("u_1")
	end := testStart.Add(24 * time.Hour)
	nextEnd := end.Add(30 * 24 * time.Hour)

	f.subscribe(t, owner, subscriptiondomain.TierPro, end)
	f.clock.Set(end.Add(time.Minute))

	balance, err := f.svc.ApplyTierChange(ctx, domain.TierChange{
		Owner:     owner,
		NewTier:   subscriptiondomain.TierPremium,
		PeriodEnd: &nextEnd,
	})
	require.NoError(t, err)
	// Nothing remained, so the whole old allowance counts as consumed.
	assert.Equal(t, int64(10000), balance.ExpiringTokens)
	require.NotNil(t, balance.ExpiringTokensExpiry)
	assert.True(t, nextEnd.Equal(*balance.ExpiringTokensExpiry))
	f.assertReconciled(t, owner)
}

func TestApplyTierChangeWithoutSubscription(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ApplyTierChange(context.Background(), domain.TierChange{
		Owner: ownerdomain.User("u_1"), NewTier: subscriptiondomain.TierPremium,
	})
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
}

func TestExpiryIsLazy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := ownerdomain.User("u_1")
	end := testStart.Add(24 * time.Hour)

	_, err := f.svc.GrantSignupCredits(ctx, owner)
	require.NoError(t, err)
	f.subscribe(t, owner, subscriptiondomain.TierPro, end)

	f.clock.Set(end)
	balance, err := f.svc.GetBalance(ctx, owner)
	require.NoError(t, err)
	assert.Zero(t, balance.ExpiringTokens)
	assert.Equal(t, int64(2000), balance.UsableTokens)

	stored, err := f.svc.balances.Find(ctx, f.db, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(15000), stored.ExpiringTokens, "reads do not mutate")
	f.assertReconciled(t, owner)

	// The next write zeroes the expired bucket.
	_, err = f.svc.Consume(ctx, owner, 100, ledgerdomain.ReasonUsage)
	require.NoError(t, err)
	stored, err = f.svc.balances.Find(ctx, f.db, owner)
	require.NoError(t, err)
	assert.Zero(t, stored.ExpiringTokens)
	assert.Nil(t, stored.ExpiringTokensExpiry)
	assert.Equal(t, int64(1900), stored.NonexpiringTokens)
	f.assertReconciled(t, owner)
}

func TestRefundReturnsToOriginalBuckets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := ownerdomain.User("u_1")
	end := testStart.Add(30 * 24 * time.Hour)

	_, err := f.svc.GrantSignupCredits(ctx, owner)
	require.NoError(t, err)
	f.subscribe(t, owner, subscriptiondomain.TierPro, end)

	res, err := f.svc.Consume(ctx, owner, 16000, ledgerdomain.ReasonUsage)
	require.NoError(t, err)

	refund, err := f.svc.Refund(ctx, owner, res.Split, 1500)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), refund.Refunded)
	assert.Equal(t, int64(2000), refund.Balance.NonexpiringTokens)
	assert.Equal(t, int64(500), refund.Balance.ExpiringTokens)
	f.assertReconciled(t, owner)

	_, err = f.svc.Refund(ctx, owner, res.Split, 20000)
	assert.ErrorIs(t, err, domain.ErrInvalidRefund)
}

func TestRefundForfeitsExpiredBucket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := ownerdomain.User("u_1")
	end := testStart.Add(time.Hour)

	f.subscribe(t, owner, subscriptiondomain.TierPro, end)
	res, err := f.svc.Consume(ctx, owner, 1000, ledgerdomain.ReasonUsage)
	require.NoError(t, err)

	f.clock.Set(end.Add(time.Second))
	refund, err := f.svc.Refund(ctx, owner, res.Split, 400)
	require.NoError(t, err)
	assert.Zero(t, refund.Refunded)
	assert.Zero(t, refund.Balance.UsableTokens)
}

func TestCancelAndPastDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := ownerdomain.User("u_1")
	end := testStart.Add(30 * 24 * time.Hour)

	f.subscribe(t, owner, subscriptiondomain.TierPro, end)

	require.NoError(t, f.svc.MarkPastDue(ctx, owner))
	sub, err := f.svc.subscriptions.FindByOwner(ctx, f.db, owner)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusPastDue, sub.Status)

	assert.ErrorIs(t, f.svc.CancelSubscription(ctx, owner, "sub_other"), domain.ErrSubscriptionNotFound)
	require.NoError(t, f.svc.CancelSubscription(ctx, owner, "sub_u_1"))

	sub, err = f.svc.subscriptions.FindByOwner(ctx, f.db, owner)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCanceled, sub.Status)

	// Already granted tokens stay usable until their expiry.
	balance, err := f.svc.GetBalance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(15000), balance.UsableTokens)
}

func TestReactivateSubscription(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := ownerdomain.User("u_1")

	assert.ErrorIs(t, f.svc.ReactivateSubscription(ctx, owner), domain.ErrSubscriptionNotFound)

	f.subscribe(t, owner, subscriptiondomain.TierPro, testStart.Add(30*24*time.Hour))
	require.NoError(t, f.svc.MarkPastDue(ctx, owner))
	require.NoError(t, f.svc.ReactivateSubscription(ctx, owner))

	sub, err := f.svc.subscriptions.FindByOwner(ctx, f.db, owner)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)

	// Canceled stays canceled.
	require.NoError(t, f.svc.CancelSubscription(ctx, owner, ""))
	require.NoError(t, f.svc.ReactivateSubscription(ctx, owner))
	sub, err = f.svc.subscriptions.FindByOwner(ctx, f.db, owner)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCanceled, sub.Status)
	assert.Len(t, f.entries(t, owner), 1)
}

func TestDeleteOwnerCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := ownerdomain.User("u_1")
	other := ownerdomain.User("u_2")

	for _, o := range []ownerdomain.Owner{owner, other} {
		require.NoError(t, f.svc.EnsureOwner(ctx, o, o.ID+"@example.com"))
		_, err := f.svc.GrantSignupCredits(ctx, o)
		require.NoError(t, err)
	}
	f.subscribe(t, owner, subscriptiondomain.TierPro, testStart.Add(time.Hour))

	require.NoError(t, f.svc.DeleteOwner(ctx, owner))

	assert.Empty(t, f.entries(t, owner))
	_, err := f.svc.balances.Find(ctx, f.db, owner)
	assert.ErrorIs(t, err, balancedomain.ErrBalanceNotFound)
	_, err = f.svc.subscriptions.FindByOwner(ctx, f.db, owner)
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
	_, err = f.svc.owners.Find(ctx, f.db, owner)
	assert.ErrorIs(t, err, ownerdomain.ErrOwnerNotFound)

	assert.Len(t, f.entries(t, other), 1)
	f.assertReconciled(t, other)
}

func TestGetBalanceForUnknownOwner(t *testing.T) {
	f := newFixture(t)
	balance, err := f.svc.GetBalance(context.Background(), ownerdomain.Organization("org_9"))
	require.NoError(t, err)
	assert.Zero(t, balance.UsableTokens)
	assert.Nil(t, balance.ExpiringTokensExpiry)
}

func TestListTransactionsPaginates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := ownerdomain.User("u_1")

	_, err := f.svc.GrantSignupCredits(ctx, owner)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		f.clock.Advance(time.Minute)
		_, err := f.svc.Consume(ctx, owner, 10, ledgerdomain.ReasonUsage)
		require.NoError(t, err)
	}

	page, err := f.svc.ListTransactions(ctx, domain.ListTransactionsRequest{Owner: owner, PageSize: 3})
	require.NoError(t, err)
	require.Len(t, page.Entries, 3)
	assert.True(t, page.HasMore)
	assert.NotEmpty(t, page.NextPageToken)
	assert.True(t, page.Entries[0].CreatedAt.After(page.Entries[2].CreatedAt))

	rest, err := f.svc.ListTransactions(ctx, domain.ListTransactionsRequest{Owner: owner, PageSize: 3, PageToken: page.NextPageToken})
	require.NoError(t, err)
	require.Len(t, rest.Entries, 2)
	assert.False(t, rest.HasMore)
	assert.Equal(t, ledgerdomain.ReasonSignup, rest.Entries[1].Reason)

	_, err = f.svc.ListTransactions(ctx, domain.ListTransactionsRequest{Owner: owner, PageToken: "%%%"})
	assert.Error(t, err)
}
