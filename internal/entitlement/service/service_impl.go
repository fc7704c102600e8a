package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	"github.com/smallbiznis/tokenledger/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
	subscriptiondomain "github.com/smallbiznis/tokenledger/internal/subscription/domain"
	balancedomain "github.com/smallbiznis/tokenledger/internal/tokenbalance/domain"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/tokenledger/domain"
	ledgerrepository "github.com/smallbiznis/tokenledger/internal/tokenledger/repository"
	pkgdb "github.com/smallbiznis/tokenledger/pkg/db"
	"github.com/smallbiznis/tokenledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	GenID            *snowflake.Node
	Clock            clock.Clock
	Config           config.Config
	OwnerRepo        ownerdomain.Repository
	BalanceRepo      balancedomain.Repository
	LedgerRepo       ledgerrepository.Repository
	SubscriptionRepo subscriptiondomain.Repository
	Catalog          *config.TierCatalogHolder `optional:"true"`
	ObsMetrics       *obsmetrics.Metrics       `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	owners        ownerdomain.Repository
	balances      balancedomain.Repository
	ledger        ledgerrepository.Repository
	subscriptions subscriptiondomain.Repository
	obsMetrics    *obsmetrics.Metrics

	signupGrant int64
	catalog     *config.TierCatalogHolder
	maxRetries  int
}

func NewService(p Params) domain.Service {
	return newService(p)
}

func newService(p Params) *Service {
	catalog := p.Catalog
	if catalog == nil {
		catalog = config.StaticTierCatalog(config.DefaultTierCatalog(p.Config))
	}

	maxRetries := p.Config.Tokens.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	return &Service{
		db:            p.DB,
		log:           p.Log.Named("entitlement.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		owners:        p.OwnerRepo,
		balances:      p.BalanceRepo,
		ledger:        p.LedgerRepo,
		subscriptions: p.SubscriptionRepo,
		obsMetrics:    p.ObsMetrics,
		signupGrant:   p.Config.Tokens.SignupGrant,
		catalog:       catalog,
		maxRetries:    maxRetries,
	}
}

func (s *Service) RunInTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	return s.runInTx(ctx, "run_in_tx", func(t *tx) error {
		return fn(t)
	})
}

func (s *Service) GrantSignupCredits(ctx context.Context, owner ownerdomain.Owner) (*domain.Balance, error) {
	var out *domain.Balance
	err := s.runInTx(ctx, "grant_signup_credits", func(t *tx) error {
		balance, err := t.GrantSignupCredits(ctx, owner)
		out = balance
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) Consume(ctx context.Context, owner ownerdomain.Owner, amount int64, reason ledgerdomain.Reason) (*domain.ConsumeResult, error) {
	var out *domain.ConsumeResult
	err := s.runInTx(ctx, "consume", func(t *tx) error {
		res, err := t.Consume(ctx, owner, amount, reason)
		out = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) Refund(ctx context.Context, owner ownerdomain.Owner, split domain.Split, amount int64) (*domain.RefundResult, error) {
	var out *domain.RefundResult
	err := s.runInTx(ctx, "refund", func(t *tx) error {
		res, err := t.Refund(ctx, owner, split, amount)
		out = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) CreditPurchase(ctx context.Context, owner ownerdomain.Owner, purchaseID string, totalTokens int64) (*domain.Balance, error) {
	var out *domain.Balance
	err := s.runInTx(ctx, "credit_purchase", func(t *tx) error {
		balance, err := t.CreditPurchase(ctx, owner, purchaseID, totalTokens)
		out = balance
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) ApplySubscriptionGrant(ctx context.Context, grant domain.SubscriptionGrant) (*domain.Balance, error) {
	var out *domain.Balance
	err := s.runInTx(ctx, "apply_subscription_grant", func(t *tx) error {
		balance, err := t.ApplySubscriptionGrant(ctx, grant)
		out = balance
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) ApplyTierChange(ctx context.Context, change domain.TierChange) (*domain.Balance, error) {
	var out *domain.Balance
	err := s.runInTx(ctx, "apply_tier_change", func(t *tx) error {
		balance, err := t.ApplyTierChange(ctx, change)
		out = balance
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) CancelSubscription(ctx context.Context, owner ownerdomain.Owner, externalSubscriptionID string) error {
	return s.runInTx(ctx, "cancel_subscription", func(t *tx) error {
		return t.CancelSubscription(ctx, owner, externalSubscriptionID)
	})
}

func (s *Service) MarkPastDue(ctx context.Context, owner ownerdomain.Owner) error {
	return s.runInTx(ctx, "mark_past_due", func(t *tx) error {
		return t.MarkPastDue(ctx, owner)
	})
}

func (s *Service) ReactivateSubscription(ctx context.Context, owner ownerdomain.Owner) error {
	return s.runInTx(ctx, "reactivate_subscription", func(t *tx) error {
		return t.ReactivateSubscription(ctx, owner)
	})
}

func (s *Service) EnsureOwner(ctx context.Context, owner ownerdomain.Owner, primaryEmail string) error {
	return s.runInTx(ctx, "ensure_owner", func(t *tx) error {
		return t.EnsureOwner(ctx, owner, primaryEmail)
	})
}

func (s *Service) DeleteOwner(ctx context.Context, owner ownerdomain.Owner) error {
	return s.runInTx(ctx, "delete_owner", func(t *tx) error {
		return t.DeleteOwner(ctx, owner)
	})
}

func (s *Service) GetBalance(ctx context.Context, owner ownerdomain.Owner) (*domain.Balance, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	balance, err := s.balances.Find(ctx, s.db, owner)
	if errors.Is(err, balancedomain.ErrBalanceNotFound) {
		return &domain.Balance{OwnerKind: owner.Kind, OwnerID: owner.ID, AsOf: now}, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	view := toBalance(balance, now)
	return &view, nil
}

func (s *Service) ListTransactions(ctx context.Context, req domain.ListTransactionsRequest) (*domain.ListTransactionsResponse, error) {
	if err := req.Owner.Validate(); err != nil {
		return nil, err
	}

	pageSize := pagination.ClampPageSize(req.PageSize, defaultPageSize, maxPageSize)
	cursor, err := decodeCursor(req.PageToken)
	if err != nil {
		return nil, err
	}

	entries, err := s.ledger.ListByOwner(ctx, s.db, req.Owner, pageSize+1, cursor)
	if err != nil {
		return nil, storeErr(err)
	}

	entries, hasMore := pagination.Trim(entries, pageSize)
	resp := &domain.ListTransactionsResponse{Entries: entries, HasMore: hasMore}
	if hasMore && len(entries) > 0 {
		last := entries[len(entries)-1]
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        last.ID.String(),
			CreatedAt: last.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, err
		}
		resp.NextPageToken = token
	}
	if resp.Entries == nil {
		resp.Entries = []ledgerdomain.Entry{}
	}
	return resp, nil
}

func (s *Service) FindSubscriptionByExternalID(ctx context.Context, externalSubscriptionID string) (*subscriptiondomain.Subscription, error) {
	externalSubscriptionID = strings.TrimSpace(externalSubscriptionID)
	if externalSubscriptionID == "" {
		return nil, domain.ErrInvalidSubscription
	}
	sub, err := s.subscriptions.FindByExternalID(ctx, s.db, externalSubscriptionID)
	if err != nil {
		return nil, storeErr(err)
	}
	return sub, nil
}

// runInTx retries fn on balance version conflicts and transient store errors.
// Ledger metrics are recorded only after a successful commit.
func (s *Service) runInTx(ctx context.Context, op string, fn func(t *tx) error) error {
	var committed *tx
	attempt := 0

	operation := func() error {
		attempt++
		t := &tx{svc: s, now: s.clock.Now()}
		var fnErr error
		err := s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
			t.db = gtx
			fnErr = fn(t)
			return fnErr
		})
		if err == nil {
			committed = t
			return nil
		}
		if fnErr == nil {
			err = storeErr(err)
		}
		if retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		if errors.Is(err, balancedomain.ErrVersionConflict) {
			s.obsMetrics.RecordConflict(ctx, op)
		}
		s.log.Debug("retrying entitlement transaction",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(operation, s.newBackOff(ctx), notify); err != nil {
		if retryable(err) {
			s.log.Warn("entitlement transaction retries exhausted",
				zap.String("operation", op),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			if errors.Is(err, domain.ErrTransientStoreFailure) {
				return err
			}
			return fmt.Errorf("%w: %w", domain.ErrTransientStoreFailure, err)
		}
		return err
	}

	for _, entry := range committed.entries {
		s.obsMetrics.RecordLedgerEntry(ctx, string(entry.Reason), string(entry.Type), entry.Amount)
	}
	return nil
}

func (s *Service) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.maxRetries-1)), ctx)
}

func (s *Service) allotment(tier subscriptiondomain.Tier) (int64, error) {
	tokens, ok := s.catalog.Allotment(string(tier))
	if !ok {
		return 0, domain.ErrUnknownTier
	}
	return tokens, nil
}

func retryable(err error) bool {
	if errors.Is(err, balancedomain.ErrVersionConflict) {
		return true
	}
	return errors.Is(err, domain.ErrTransientStoreFailure) && pkgdb.IsTransientErr(err)
}

var sentinels = []error{
	balancedomain.ErrBalanceNotFound,
	balancedomain.ErrVersionConflict,
	ledgerdomain.ErrDuplicateEntry,
	ledgerdomain.ErrInvalidAmount,
	ledgerdomain.ErrInvalidReason,
	ledgerdomain.ErrInvalidTokenType,
	subscriptiondomain.ErrSubscriptionNotFound,
	subscriptiondomain.ErrUnknownTier,
	ownerdomain.ErrOwnerNotFound,
	domain.ErrTransientStoreFailure,
}

// storeErr marks raw persistence errors as transient store failures.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", domain.ErrTransientStoreFailure, err)
}

func toBalance(b *balancedomain.TokenBalance, now time.Time) domain.Balance {
	return domain.Balance{
		OwnerKind:            b.OwnerKind,
		OwnerID:              b.OwnerID,
		ExpiringTokens:       b.EffectiveExpiring(now),
		ExpiringTokensExpiry: copyTime(b.ExpiringTokensExpiry),
		NonexpiringTokens:    b.NonexpiringTokens,
		UsableTokens:         b.UsableTokens(now),
		AsOf:                 now,
	}
}

func decodeCursor(token string) (*ledgerdomain.Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	raw, err := pagination.DecodeCursor(token)
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(raw.ID, 10, 64)
	if err != nil {
		return nil, pagination.ErrInvalidPageToken
	}
	createdAt, err := time.Parse(time.RFC3339Nano, raw.CreatedAt)
	if err != nil {
		return nil, pagination.ErrInvalidPageToken
	}
	return &ledgerdomain.Cursor{CreatedAt: createdAt, ID: snowflake.ID(id)}, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
