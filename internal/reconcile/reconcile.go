// Package reconcile audits ledger sums against stored balances. It only
// reports divergence and never writes.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	entitlementdomain "github.com/smallbiznis/tokenledger/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
	"github.com/smallbiznis/tokenledger/internal/ratelimit"
	balancedomain "github.com/smallbiznis/tokenledger/internal/tokenbalance/domain"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/tokenledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	leaseName = "reconcile"

	defaultInterval  = 10 * time.Minute
	defaultBatchSize = 200
	defaultLockTTL   = 5 * time.Minute

	// A balance that changes while being checked is re-read this many
	// times before it is skipped for the pass.
	maxAttempts = 3
)

var ErrLockHeld = errors.New("reconcile_lock_held")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Config      config.Config
	BalanceRepo balancedomain.Repository
	LedgerRepo  ledgerdomain.Repository
	Locker      *ratelimit.Locker   `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Reconciler struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	balances   balancedomain.Repository
	ledger     ledgerdomain.Repository
	locker     *ratelimit.Locker
	obsMetrics *obsmetrics.Metrics

	interval  time.Duration
	batchSize int
	lockTTL   time.Duration
}

// Violation is one token bucket whose balance disagrees with the ledger.
type Violation struct {
	Owner     ownerdomain.Owner
	TokenType ledgerdomain.TokenType
	Ledger    int64
	Balance   int64
}

type Report struct {
	Checked    int
	Skipped    int
	Violations []Violation
}

func New(p Params) *Reconciler {
	cfg := p.Config.Reconcile
	r := &Reconciler{
		db:         p.DB,
		log:        p.Log.Named("reconcile"),
		clock:      p.Clock,
		balances:   p.BalanceRepo,
		ledger:     p.LedgerRepo,
		locker:     p.Locker,
		obsMetrics: p.ObsMetrics,
		interval:   cfg.Interval,
		batchSize:  cfg.BatchSize,
		lockTTL:    cfg.LockTTL,
	}
	if r.interval <= 0 {
		r.interval = defaultInterval
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.lockTTL <= 0 {
		r.lockTTL = defaultLockTTL
	}
	return r
}

// RunOnce checks every balance. It returns ErrLockHeld when another
// instance owns the pass. The lease is extended after each batch.
func (r *Reconciler) RunOnce(ctx context.Context) (*Report, error) {
	var lease *ratelimit.Lease
	if r.locker != nil {
		var err error
		lease, err = r.locker.Acquire(ctx, leaseName, r.lockTTL)
		if errors.Is(err, ratelimit.ErrLeaseHeld) {
			return nil, ErrLockHeld
		}
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := lease.Release(context.Background()); err != nil {
				r.log.Warn("failed to release reconcile lease", zap.Error(err))
			}
		}()
	}

	start := r.clock.Now()
	report := &Report{}
	var after *ownerdomain.Owner
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		batch, err := r.balances.ListAfter(ctx, r.db, after, r.batchSize)
		if err != nil {
			return report, err
		}
		for _, row := range batch {
			violations, checked, err := r.check(ctx, row.Owner())
			if err != nil {
				return report, err
			}
			if !checked {
				report.Skipped++
				continue
			}
			report.Checked++
			report.Violations = append(report.Violations, violations...)
		}
		if len(batch) < r.batchSize {
			break
		}
		last := batch[len(batch)-1].Owner()
		after = &last

		if lease != nil {
			if err := lease.Extend(ctx, r.lockTTL); err != nil {
				return report, err
			}
		}
	}

	for _, v := range report.Violations {
		r.log.Error("ledger and balance diverged",
			zap.Error(entitlementdomain.ErrInvariantViolation),
			zap.String("owner_kind", string(v.Owner.Kind)),
			zap.String("owner_id", v.Owner.ID),
			zap.String("token_type", string(v.TokenType)),
			zap.Int64("ledger_sum", v.Ledger),
			zap.Int64("balance", v.Balance),
		)
		if r.obsMetrics != nil {
			r.obsMetrics.RecordInvariantViolation(ctx, string(v.TokenType))
		}
	}

	r.log.Info("reconcile pass finished",
		zap.Int("checked", report.Checked),
		zap.Int("skipped", report.Skipped),
		zap.Int("violations", len(report.Violations)),
		zap.Duration("duration", r.clock.Now().Sub(start)),
	)
	return report, nil
}

// check compares one owner. The stored version is read before and after
// the ledger sums; a concurrent write makes the attempt inconclusive.
func (r *Reconciler) check(ctx context.Context, owner ownerdomain.Owner) ([]Violation, bool, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		now := r.clock.Now()

		before, err := r.balances.Find(ctx, r.db, owner)
		if errors.Is(err, balancedomain.ErrBalanceNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}

		nonexpiring, err := r.ledger.SumByOwner(ctx, r.db, owner, ledgerdomain.TokenTypeNonexpiring, now)
		if err != nil {
			return nil, false, err
		}
		expiring, err := r.ledger.SumByOwner(ctx, r.db, owner, ledgerdomain.TokenTypeExpiring, now)
		if err != nil {
			return nil, false, err
		}

		after, err := r.balances.Find(ctx, r.db, owner)
		if errors.Is(err, balancedomain.ErrBalanceNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		if after.Version != before.Version {
			continue
		}

		var violations []Violation
		if nonexpiring != before.NonexpiringTokens {
			violations = append(violations, Violation{
				Owner:     owner,
				TokenType: ledgerdomain.TokenTypeNonexpiring,
				Ledger:    nonexpiring,
				Balance:   before.NonexpiringTokens,
			})
		}
		if effective := before.EffectiveExpiring(now); expiring != effective {
			violations = append(violations, Violation{
				Owner:     owner,
				TokenType: ledgerdomain.TokenTypeExpiring,
				Ledger:    expiring,
				Balance:   effective,
			})
		}
		return violations, true, nil
	}
	return nil, false, nil
}

// RunForever runs a pass every interval until ctx is canceled.
func (r *Reconciler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil {
			switch {
			case errors.Is(err, ErrLockHeld):
				r.log.Debug("reconcile pass owned by another instance")
			case errors.Is(err, context.Canceled):
				return
			default:
				r.log.Warn("reconcile pass failed", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
