package domain

import (
	"context"
	"time"

	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
	subscriptiondomain "github.com/smallbiznis/tokenledger/internal/subscription/domain"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/tokenledger/domain"
	"gorm.io/gorm"
)

// Balance is the read view of a token balance at AsOf. ExpiringTokens is
// reported as zero once the bucket has expired.
type Balance struct {
	OwnerKind            ownerdomain.Kind `json:"owner_kind"`
	OwnerID              string           `json:"owner_id"`
	ExpiringTokens       int64            `json:"expiring_tokens"`
	ExpiringTokensExpiry *time.Time       `json:"expiring_tokens_expiry"`
	NonexpiringTokens    int64            `json:"nonexpiring_tokens"`
	UsableTokens         int64            `json:"usable_tokens"`
	AsOf                 time.Time        `json:"as_of"`
}

// Split records where a debit was taken from so it can be refunded to the
// same buckets.
type Split struct {
	Expiring       int64      `json:"expiring"`
	ExpiringExpiry *time.Time `json:"expiring_expiry,omitempty"`
	Nonexpiring    int64      `json:"nonexpiring"`
}

func (s Split) Total() int64 { return s.Expiring + s.Nonexpiring }

type ConsumeResult struct {
	Balance Balance
	Split   Split
}

type RefundResult struct {
	Balance Balance
	// Refunded counts tokens returned. Expiring tokens whose bucket has
	// expired or been replaced are forfeited.
	Refunded int64
}

type SubscriptionGrant struct {
	Owner                  ownerdomain.Owner
	Tier                   subscriptiondomain.Tier
	ExternalSubscriptionID string
	PeriodEnd              time.Time
}

type TierChange struct {
	Owner ownerdomain.Owner
	// OldTier defaults to the stored subscription tier when empty.
	OldTier subscriptiondomain.Tier
	NewTier subscriptiondomain.Tier
	// PeriodEnd is used only when the current bucket has already expired.
	PeriodEnd *time.Time
}

type ListTransactionsRequest struct {
	Owner     ownerdomain.Owner
	PageSize  int
	PageToken string
}

type ListTransactionsResponse struct {
	Entries       []ledgerdomain.Entry `json:"entries"`
	NextPageToken string               `json:"next_page_token,omitempty"`
	HasMore       bool                 `json:"has_more"`
}

// Tx exposes engine mutations bound to one database transaction. Nothing
// written through a Tx is visible until RunInTx commits.
type Tx interface {
	// DB is the underlying transaction for caller writes that must commit
	// atomically with the engine mutation.
	DB() *gorm.DB

	GrantSignupCredits(ctx context.Context, owner ownerdomain.Owner) (*Balance, error)
	Consume(ctx context.Context, owner ownerdomain.Owner, amount int64, reason ledgerdomain.Reason) (*ConsumeResult, error)
	Refund(ctx context.Context, owner ownerdomain.Owner, split Split, amount int64) (*RefundResult, error)
	CreditPurchase(ctx context.Context, owner ownerdomain.Owner, purchaseID string, totalTokens int64) (*Balance, error)
	ApplySubscriptionGrant(ctx context.Context, grant SubscriptionGrant) (*Balance, error)
	ApplyTierChange(ctx context.Context, change TierChange) (*Balance, error)
	CancelSubscription(ctx context.Context, owner ownerdomain.Owner, externalSubscriptionID string) error
	MarkPastDue(ctx context.Context, owner ownerdomain.Owner) error
	ReactivateSubscription(ctx context.Context, owner ownerdomain.Owner) error
	EnsureOwner(ctx context.Context, owner ownerdomain.Owner, primaryEmail string) error
	DeleteOwner(ctx context.Context, owner ownerdomain.Owner) error

	FindSubscription(ctx context.Context, owner ownerdomain.Owner) (*subscriptiondomain.Subscription, error)
	FindSubscriptionByExternalID(ctx context.Context, externalSubscriptionID string) (*subscriptiondomain.Subscription, error)
}

// Service is the only writer of balances, ledger entries and subscriptions.
// Each mutating call is one atomic transaction, retried on write conflicts.
type Service interface {
	GrantSignupCredits(ctx context.Context, owner ownerdomain.Owner) (*Balance, error)
	Consume(ctx context.Context, owner ownerdomain.Owner, amount int64, reason ledgerdomain.Reason) (*ConsumeResult, error)
	Refund(ctx context.Context, owner ownerdomain.Owner, split Split, amount int64) (*RefundResult, error)
	CreditPurchase(ctx context.Context, owner ownerdomain.Owner, purchaseID string, totalTokens int64) (*Balance, error)
	ApplySubscriptionGrant(ctx context.Context, grant SubscriptionGrant) (*Balance, error)
	ApplyTierChange(ctx context.Context, change TierChange) (*Balance, error)
	CancelSubscription(ctx context.Context, owner ownerdomain.Owner, externalSubscriptionID string) error
	MarkPastDue(ctx context.Context, owner ownerdomain.Owner) error
	ReactivateSubscription(ctx context.Context, owner ownerdomain.Owner) error
	EnsureOwner(ctx context.Context, owner ownerdomain.Owner, primaryEmail string) error
	DeleteOwner(ctx context.Context, owner ownerdomain.Owner) error

	GetBalance(ctx context.Context, owner ownerdomain.Owner) (*Balance, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (*ListTransactionsResponse, error)
	FindSubscriptionByExternalID(ctx context.Context, externalSubscriptionID string) (*subscriptiondomain.Subscription, error)

	// RunInTx runs fn in one transaction with the same retry policy as the
	// single-operation methods. fn may run more than once.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
}
