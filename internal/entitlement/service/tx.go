package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/tokenledger/internal/entitlement/domain"
	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
	subscriptiondomain "github.com/smallbiznis/tokenledger/internal/subscription/domain"
	balancedomain "github.com/smallbiznis/tokenledger/internal/tokenbalance/domain"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/tokenledger/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxPurchaseIDLength keeps the purchase idempotency key within its column.
const maxPurchaseIDLength = 160

// tx carries one attempt of an engine transaction. now is fixed per attempt
// so every entry and expiry check in the attempt agrees.
type tx struct {
	svc     *Service
	db      *gorm.DB
	now     time.Time
	entries []ledgerdomain.Entry
}

func (t *tx) DB() *gorm.DB { return t.db }

func (t *tx) GrantSignupCredits(ctx context.Context, owner ownerdomain.Owner) (*domain.Balance, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}

	// An existing balance row means the owner was already provisioned, by an
	// earlier grant or by a purchase that arrived ahead of account creation.
	existing, err := t.svc.balances.Find(ctx, t.db, owner)
	switch {
	case err == nil:
		existing.Normalize(t.now)
		return t.view(existing), nil
	case !errors.Is(err, balancedomain.ErrBalanceNotFound):
		return nil, storeErr(err)
	}

	key := ledgerdomain.SignupKey(owner)
	granted, err := t.svc.ledger.ExistsByIdempotencyKey(ctx, t.db, key)
	if err != nil {
		return nil, storeErr(err)
	}
	if granted {
		return t.currentView(ctx, owner)
	}

	balance, version, err := t.loadBalance(ctx, owner)
	if err != nil {
		return nil, err
	}

	grant := t.svc.signupGrant
	if grant <= 0 {
		return t.view(balance), nil
	}

	if err := t.append(ctx, owner, ledgerdomain.TokenTypeNonexpiring, grant, ledgerdomain.ReasonSignup, nil, &key); err != nil {
		if errors.Is(err, ledgerdomain.ErrDuplicateEntry) {
			return t.currentView(ctx, owner)
		}
		return nil, err
	}

	balance.NonexpiringTokens += grant
	if err := t.save(ctx, balance, version); err != nil {
		return nil, err
	}

	t.svc.log.Info("granted signup credits",
		zap.String("owner_kind", string(owner.Kind)),
		zap.String("owner_id", owner.ID),
		zap.Int64("tokens", grant),
	)
	return t.view(balance), nil
}

func (t *tx) Consume(ctx context.Context, owner ownerdomain.Owner, amount int64, reason ledgerdomain.Reason) (*domain.ConsumeResult, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if reason == "" {
		reason = ledgerdomain.ReasonUsage
	}
	if !reason.Valid() {
		return nil, ledgerdomain.ErrInvalidReason
	}

	balance, version, err := t.loadBalance(ctx, owner)
	if err != nil {
		return nil, err
	}

	available := balance.UsableTokens(t.now)
	if available < amount {
		return nil, &domain.InsufficientBalanceError{Required: amount, Available: available}
	}

	split := domain.Split{}
	fromExpiring := min(amount, balance.EffectiveExpiring(t.now))
	fromNonexpiring := amount - fromExpiring

	if fromExpiring > 0 {
		expiry := copyTime(balance.ExpiringTokensExpiry)
		if err := t.append(ctx, owner, ledgerdomain.TokenTypeExpiring, -fromExpiring, reason, expiry, nil); err != nil {
			return nil, err
		}
		balance.ExpiringTokens -= fromExpiring
		split.Expiring = fromExpiring
		split.ExpiringExpiry = expiry
	}
	if fromNonexpiring > 0 {
		if err := t.append(ctx, owner, ledgerdomain.TokenTypeNonexpiring, -fromNonexpiring, reason, nil, nil); err != nil {
			return nil, err
		}
		balance.NonexpiringTokens -= fromNonexpiring
		split.Nonexpiring = fromNonexpiring
	}

	if err := t.save(ctx, balance, version); err != nil {
		return nil, err
	}
	return &domain.ConsumeResult{Balance: *t.view(balance), Split: split}, nil
}

func (t *tx) Refund(ctx context.Context, owner ownerdomain.Owner, split domain.Split, amount int64) (*domain.RefundResult, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	if amount <= 0 || amount > split.Total() || split.Expiring < 0 || split.Nonexpiring < 0 {
		return nil, domain.ErrInvalidRefund
	}

	balance, version, err := t.loadBalance(ctx, owner)
	if err != nil {
		return nil, err
	}

	toNonexpiring := min(amount, split.Nonexpiring)
	toExpiring := min(amount-toNonexpiring, split.Expiring)
	if toExpiring > 0 && !sameBucket(balance, split.ExpiringExpiry, t.now) {
		toExpiring = 0
	}

	if toNonexpiring > 0 {
		if err := t.append(ctx, owner, ledgerdomain.TokenTypeNonexpiring, toNonexpiring, ledgerdomain.ReasonUsage, nil, nil); err != nil {
			return nil, err
		}
		balance.NonexpiringTokens += toNonexpiring
	}
	if toExpiring > 0 {
		if err := t.append(ctx, owner, ledgerdomain.TokenTypeExpiring, toExpiring, ledgerdomain.ReasonUsage, copyTime(balance.ExpiringTokensExpiry), nil); err != nil {
			return nil, err
		}
		balance.ExpiringTokens += toExpiring
	}

	refunded := toNonexpiring + toExpiring
	if refunded == 0 {
		return &domain.RefundResult{Balance: *t.view(balance)}, nil
	}
	if err := t.save(ctx, balance, version); err != nil {
		return nil, err
	}
	return &domain.RefundResult{Balance: *t.view(balance), Refunded: refunded}, nil
}

func (t *tx) CreditPurchase(ctx context.Context, owner ownerdomain.Owner, purchaseID string, totalTokens int64) (*domain.Balance, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	purchaseID = strings.TrimSpace(purchaseID)
	if purchaseID == "" || len(purchaseID) > maxPurchaseIDLength {
		return nil, domain.ErrInvalidPurchaseID
	}
	if totalTokens <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	key := ledgerdomain.PurchaseKey(purchaseID)
	credited, err := t.svc.ledger.ExistsByIdempotencyKey(ctx, t.db, key)
	if err != nil {
		return nil, storeErr(err)
	}
	if credited {
		return t.currentView(ctx, owner)
	}

	balance, version, err := t.loadBalance(ctx, owner)
	if err != nil {
		return nil, err
	}

	if err := t.append(ctx, owner, ledgerdomain.TokenTypeNonexpiring, totalTokens, ledgerdomain.ReasonPurchase, nil, &key); err != nil {
		if errors.Is(err, ledgerdomain.ErrDuplicateEntry) {
			return t.currentView(ctx, owner)
		}
		return nil, err
	}

	balance.NonexpiringTokens += totalTokens
	if err := t.save(ctx, balance, version); err != nil {
		return nil, err
	}

	t.svc.log.Info("credited purchase",
		zap.String("owner_kind", string(owner.Kind)),
		zap.String("owner_id", owner.ID),
		zap.String("purchase_id", purchaseID),
		zap.Int64("tokens", totalTokens),
	)
	return t.view(balance), nil
}

// ApplySubscriptionGrant replaces the expiring bucket with the tier
// allotment. An unexpired remainder is first written off at its old expiry
// so the ledger keeps matching the bucket.
func (t *tx) ApplySubscriptionGrant(ctx context.Context, grant domain.SubscriptionGrant) (*domain.Balance, error) {
	owner := grant.Owner
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	allotment, err := t.svc.allotment(grant.Tier)
	if err != nil {
		return nil, err
	}
	externalID := strings.TrimSpace(grant.ExternalSubscriptionID)
	if externalID == "" {
		return nil, domain.ErrInvalidSubscription
	}
	periodEnd := grant.PeriodEnd.UTC()
	if !periodEnd.After(t.now) {
		return nil, domain.ErrInvalidPeriodEnd
	}

	existing, err := t.findSubscription(ctx, owner)
	if err != nil {
		return nil, err
	}

	balance, version, err := t.loadBalance(ctx, owner)
	if err != nil {
		return nil, err
	}

	if existing != nil &&
		existing.ExternalSubscriptionID == externalID &&
		existing.Tier == grant.Tier &&
		existing.CurrentPeriodEnd.Equal(periodEnd) &&
		balance.ExpiringTokensExpiry != nil &&
		balance.ExpiringTokensExpiry.Equal(periodEnd) {
		return t.view(balance), nil
	}

	reason := ledgerdomain.ReasonSubscriptionGrant
	if existing != nil {
		reason = ledgerdomain.ReasonSubscriptionRenewal
	}

	if remaining := balance.ExpiringTokens; remaining > 0 {
		if err := t.append(ctx, owner, ledgerdomain.TokenTypeExpiring, -remaining, reason, copyTime(balance.ExpiringTokensExpiry), nil); err != nil {
			return nil, err
		}
	}
	if allotment > 0 {
		if err := t.append(ctx, owner, ledgerdomain.TokenTypeExpiring, allotment, reason, &periodEnd, nil); err != nil {
			return nil, err
		}
	}

	balance.ExpiringTokens = allotment
	balance.ExpiringTokensExpiry = &periodEnd
	if err := t.save(ctx, balance, version); err != nil {
		return nil, err
	}

	createdAt := t.now
	if existing != nil {
		createdAt = existing.CreatedAt
	}
	if err := t.svc.subscriptions.Upsert(ctx, t.db, &subscriptiondomain.Subscription{
		OwnerKind:              owner.Kind,
		OwnerID:                owner.ID,
		Tier:                   grant.Tier,
		ExternalSubscriptionID: externalID,
		Status:                 subscriptiondomain.StatusActive,
		CurrentPeriodEnd:       periodEnd,
		CreatedAt:              createdAt,
		UpdatedAt:              t.now,
	}); err != nil {
		return nil, storeErr(err)
	}

	t.svc.log.Info("applied subscription grant",
		zap.String("owner_kind", string(owner.Kind)),
		zap.String("owner_id", owner.ID),
		zap.String("tier", string(grant.Tier)),
		zap.String("reason", string(reason)),
		zap.Int64("tokens", allotment),
		zap.Time("period_end", periodEnd),
	)
	return t.view(balance), nil
}

func (t *tx) ApplyTierChange(ctx context.Context, change domain.TierChange) (*domain.Balance, error) {
	owner := change.Owner
	if err := owner.Validate(); err != nil {
		return nil, err
	}

	sub, err := t.svc.subscriptions.FindByOwner(ctx, t.db, owner)
	if err != nil {
		return nil, storeErr(err)
	}

	oldTier := change.OldTier
	if oldTier == "" {
		oldTier = sub.Tier
	}
	oldAllowance, err := t.svc.allotment(oldTier)
	if err != nil {
		return nil, err
	}
	newAllowance, err := t.svc.allotment(change.NewTier)
	if err != nil {
		return nil, err
	}

	balance, version, err := t.loadBalance(ctx, owner)
	if err != nil {
		return nil, err
	}

	remaining := balance.ExpiringTokens
	newBalance := TierAdjustedBalance(oldAllowance, newAllowance, remaining)

	expiry := copyTime(balance.ExpiringTokensExpiry)
	if expiry == nil {
		switch {
		case change.PeriodEnd != nil && change.PeriodEnd.After(t.now):
			expiry = copyTime(change.PeriodEnd)
		case sub.CurrentPeriodEnd.After(t.now):
			expiry = copyTime(&sub.CurrentPeriodEnd)
		default:
			newBalance = 0
		}
	}

	reason := ledgerdomain.ReasonTierDowngradeAdjustment
	if newAllowance > oldAllowance {
		reason = ledgerdomain.ReasonTierUpgradeAdjustment
	}

	if delta := newBalance - remaining; delta != 0 {
		if err := t.append(ctx, owner, ledgerdomain.TokenTypeExpiring, delta, reason, expiry, nil); err != nil {
			return nil, err
		}
	}

	balance.ExpiringTokens = newBalance
	if newBalance > 0 {
		balance.ExpiringTokensExpiry = expiry
	}
	if err := t.save(ctx, balance, version); err != nil {
		return nil, err
	}

	sub.Tier = change.NewTier
	if expiry != nil {
		sub.CurrentPeriodEnd = *expiry
	}
	sub.UpdatedAt = t.now
	if err := t.svc.subscriptions.Upsert(ctx, t.db, sub); err != nil {
		return nil, storeErr(err)
	}

	t.svc.log.Info("applied tier change",
		zap.String("owner_kind", string(owner.Kind)),
		zap.String("owner_id", owner.ID),
		zap.String("old_tier", string(oldTier)),
		zap.String("new_tier", string(change.NewTier)),
		zap.Int64("remaining", remaining),
		zap.Int64("new_balance", newBalance),
	)
	return t.view(balance), nil
}

// TierAdjustedBalance re-prices a partially consumed period: tokens already
// consumed under the old allowance are charged against the new one.
func TierAdjustedBalance(oldAllowance, newAllowance, remaining int64) int64 {
	consumed := max(0, oldAllowance-remaining)
	return max(0, newAllowance-consumed)
}

func (t *tx) CancelSubscription(ctx context.Context, owner ownerdomain.Owner, externalSubscriptionID string) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	sub, err := t.svc.subscriptions.FindByOwner(ctx, t.db, owner)
	if err != nil {
		return storeErr(err)
	}
	externalSubscriptionID = strings.TrimSpace(externalSubscriptionID)
	if externalSubscriptionID != "" && sub.ExternalSubscriptionID != externalSubscriptionID {
		return domain.ErrSubscriptionNotFound
	}
	if err := t.svc.subscriptions.UpdateStatus(ctx, t.db, owner, subscriptiondomain.StatusCanceled, t.now); err != nil {
		return storeErr(err)
	}

	t.svc.log.Info("canceled subscription",
		zap.String("owner_kind", string(owner.Kind)),
		zap.String("owner_id", owner.ID),
		zap.String("external_subscription_id", sub.ExternalSubscriptionID),
	)
	return nil
}

func (t *tx) MarkPastDue(ctx context.Context, owner ownerdomain.Owner) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	if err := t.svc.subscriptions.UpdateStatus(ctx, t.db, owner, subscriptiondomain.StatusPastDue, t.now); err != nil {
		return storeErr(err)
	}
	return nil
}

// ReactivateSubscription returns a past_due subscription to active once
// payment recovers. Any other status is left alone.
func (t *tx) ReactivateSubscription(ctx context.Context, owner ownerdomain.Owner) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	sub, err := t.svc.subscriptions.FindByOwner(ctx, t.db, owner)
	if err != nil {
		return storeErr(err)
	}
	if sub.Status != subscriptiondomain.StatusPastDue {
		return nil
	}
	if err := t.svc.subscriptions.UpdateStatus(ctx, t.db, owner, subscriptiondomain.StatusActive, t.now); err != nil {
		return storeErr(err)
	}

	t.svc.log.Info("reactivated subscription",
		zap.String("owner_kind", string(owner.Kind)),
		zap.String("owner_id", owner.ID),
		zap.String("external_subscription_id", sub.ExternalSubscriptionID),
	)
	return nil
}

func (t *tx) EnsureOwner(ctx context.Context, owner ownerdomain.Owner, primaryEmail string) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	if err := t.svc.owners.Upsert(ctx, t.db, &ownerdomain.Record{
		OwnerKind:    owner.Kind,
		OwnerID:      owner.ID,
		PrimaryEmail: strings.TrimSpace(primaryEmail),
		CreatedAt:    t.now,
		UpdatedAt:    t.now,
	}); err != nil {
		return storeErr(err)
	}
	return nil
}

// DeleteOwner removes ledger rows, then the balance, subscription and owner
// record.
func (t *tx) DeleteOwner(ctx context.Context, owner ownerdomain.Owner) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	if err := t.svc.ledger.DeleteByOwner(ctx, t.db, owner); err != nil {
		return storeErr(err)
	}
	if err := t.svc.balances.Delete(ctx, t.db, owner); err != nil {
		return storeErr(err)
	}
	if err := t.svc.subscriptions.Delete(ctx, t.db, owner); err != nil {
		return storeErr(err)
	}
	if err := t.svc.owners.Delete(ctx, t.db, owner); err != nil {
		return storeErr(err)
	}

	t.svc.log.Info("deleted owner",
		zap.String("owner_kind", string(owner.Kind)),
		zap.String("owner_id", owner.ID),
	)
	return nil
}

// loadBalance returns the owner's balance, creating an empty row if needed,
// with an expired bucket already zeroed. version is the value to CAS against.
func (t *tx) loadBalance(ctx context.Context, owner ownerdomain.Owner) (*balancedomain.TokenBalance, int64, error) {
	balance, err := t.svc.balances.Find(ctx, t.db, owner)
	if errors.Is(err, balancedomain.ErrBalanceNotFound) {
		if _, err := t.svc.balances.Insert(ctx, t.db, &balancedomain.TokenBalance{
			OwnerKind: owner.Kind,
			OwnerID:   owner.ID,
			CreatedAt: t.now,
			UpdatedAt: t.now,
		}); err != nil {
			return nil, 0, storeErr(err)
		}
		balance, err = t.svc.balances.Find(ctx, t.db, owner)
	}
	if err != nil {
		return nil, 0, storeErr(err)
	}

	balance.Normalize(t.now)
	return balance, balance.Version, nil
}

func (t *tx) save(ctx context.Context, balance *balancedomain.TokenBalance, version int64) error {
	if !balance.Valid() {
		t.svc.log.Error("refusing negative balance write",
			zap.String("owner_kind", string(balance.OwnerKind)),
			zap.String("owner_id", balance.OwnerID),
			zap.Int64("expiring_tokens", balance.ExpiringTokens),
			zap.Int64("nonexpiring_tokens", balance.NonexpiringTokens),
		)
		t.svc.obsMetrics.RecordInvariantViolation(ctx, "balance")
		return domain.ErrInvariantViolation
	}
	balance.UpdatedAt = t.now
	if err := t.svc.balances.CompareAndSwap(ctx, t.db, balance, version); err != nil {
		return storeErr(err)
	}
	return nil
}

func (t *tx) append(
	ctx context.Context,
	owner ownerdomain.Owner,
	tokenType ledgerdomain.TokenType,
	amount int64,
	reason ledgerdomain.Reason,
	expiry *time.Time,
	idempotencyKey *string,
) error {
	entry := ledgerdomain.Entry{
		ID:             t.svc.genID.Generate(),
		OwnerKind:      owner.Kind,
		OwnerID:        owner.ID,
		Type:           tokenType,
		Amount:         amount,
		Reason:         reason,
		Expiry:         expiry,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      t.now,
	}
	if _, err := t.svc.ledger.Append(ctx, t.db, &entry); err != nil {
		return storeErr(err)
	}
	t.entries = append(t.entries, entry)
	return nil
}

func (t *tx) FindSubscription(ctx context.Context, owner ownerdomain.Owner) (*subscriptiondomain.Subscription, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	sub, err := t.svc.subscriptions.FindByOwner(ctx, t.db, owner)
	if err != nil {
		return nil, storeErr(err)
	}
	return sub, nil
}

func (t *tx) FindSubscriptionByExternalID(ctx context.Context, externalSubscriptionID string) (*subscriptiondomain.Subscription, error) {
	externalSubscriptionID = strings.TrimSpace(externalSubscriptionID)
	if externalSubscriptionID == "" {
		return nil, domain.ErrInvalidSubscription
	}
	sub, err := t.svc.subscriptions.FindByExternalID(ctx, t.db, externalSubscriptionID)
	if err != nil {
		return nil, storeErr(err)
	}
	return sub, nil
}

func (t *tx) findSubscription(ctx context.Context, owner ownerdomain.Owner) (*subscriptiondomain.Subscription, error) {
	sub, err := t.svc.subscriptions.FindByOwner(ctx, t.db, owner)
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return sub, nil
}

func (t *tx) currentView(ctx context.Context, owner ownerdomain.Owner) (*domain.Balance, error) {
	balance, err := t.svc.balances.Find(ctx, t.db, owner)
	if errors.Is(err, balancedomain.ErrBalanceNotFound) {
		return &domain.Balance{OwnerKind: owner.Kind, OwnerID: owner.ID, AsOf: t.now}, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return t.view(balance), nil
}

func (t *tx) view(balance *balancedomain.TokenBalance) *domain.Balance {
	v := toBalance(balance, t.now)
	return &v
}

func sameBucket(balance *balancedomain.TokenBalance, expiry *time.Time, now time.Time) bool {
	return expiry != nil &&
		balance.ExpiringActive(now) &&
		balance.ExpiringTokensExpiry.Equal(*expiry)
}
