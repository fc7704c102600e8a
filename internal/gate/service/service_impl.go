package service

import (
	"context"
	"errors"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/tokenledger/internal/clock"
	entitlementdomain "github.com/smallbiznis/tokenledger/internal/entitlement/domain"
	"github.com/smallbiznis/tokenledger/internal/gate/domain"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/tokenledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	decisionFree         = "free"
	decisionReserved     = "reserved"
	decisionRateLimited  = "rate_limited"
	decisionInsufficient = "insufficient_balance"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Engine     entitlementdomain.Service
	Limiter    domain.Limiter      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	clock      clock.Clock
	engine     entitlementdomain.Service
	limiter    domain.Limiter
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		log:        p.Log.Named("gate.service"),
		clock:      p.Clock,
		engine:     p.Engine,
		limiter:    p.Limiter,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CheckAndReserve(ctx context.Context, feature string, caller domain.Caller, estimate int64) (*domain.Reservation, error) {
	feature = strings.TrimSpace(feature)
	if feature == "" {
		return nil, domain.ErrInvalidFeature
	}
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	if estimate <= 0 {
		return nil, domain.ErrInvalidEstimate
	}

	res := &domain.Reservation{
		ID:       ulid.MustNew(ulid.Timestamp(s.clock.Now()), ulid.DefaultEntropy()).String(),
		Feature:  feature,
		Caller:   caller,
		Estimate: estimate,
	}

	allowed, err := s.allowFree(ctx, feature, caller)
	if err != nil {
		s.record(ctx, feature, decisionRateLimited)
		return nil, err
	}
	if allowed {
		res.Status = domain.ReservationFree
		s.record(ctx, feature, decisionFree)
		return res, nil
	}

	balance, err := s.engine.GetBalance(ctx, *caller.Owner)
	if err != nil {
		return nil, err
	}
	if balance.UsableTokens < estimate {
		s.record(ctx, feature, decisionInsufficient)
		return nil, &entitlementdomain.InsufficientBalanceError{Required: estimate, Available: balance.UsableTokens}
	}

	res.Status = domain.ReservationPending
	s.record(ctx, feature, decisionReserved)
	return res, nil
}

// allowFree reports whether the call runs within the free allotment. An
// exhausted allotment is an error only for anonymous callers; owners fall
// through to tokens.
func (s *Service) allowFree(ctx context.Context, feature string, caller domain.Caller) (bool, error) {
	anonymous := caller.Owner == nil

	if s.limiter == nil {
		if anonymous {
			return false, &domain.RateLimitedError{}
		}
		return false, nil
	}

	decision, err := s.limiter.Allow(ctx, "gate:"+feature+":"+caller.Key())
	if err != nil {
		s.log.Warn("rate limiter unavailable",
			zap.String("feature", feature),
			zap.Bool("anonymous", anonymous),
			zap.Error(err),
		)
		if anonymous {
			return false, &domain.RateLimitedError{ResetAt: s.clock.Now()}
		}
		return false, nil
	}
	if decision.Allowed {
		return true, nil
	}
	if anonymous {
		return false, &domain.RateLimitedError{ResetAt: decision.ResetAt}
	}
	return false, nil
}

func (s *Service) Commit(ctx context.Context, res *domain.Reservation) error {
	if res == nil {
		return domain.ErrReservationNotPending
	}
	if res.Status != domain.ReservationPending {
		return domain.ErrReservationNotPending
	}

	result, err := s.engine.Consume(ctx, *res.Caller.Owner, res.Estimate, ledgerdomain.ReasonUsage)
	if err != nil {
		if errors.Is(err, entitlementdomain.ErrInsufficientBalance) {
			// The balance moved since the check; nothing was debited.
			res.Status = domain.ReservationCanceled
			s.record(ctx, res.Feature, decisionInsufficient)
		}
		return err
	}
	res.Split = result.Split
	res.Status = domain.ReservationCommitted
	return nil
}

func (s *Service) Cancel(ctx context.Context, res *domain.Reservation) error {
	if res == nil || res.Status != domain.ReservationPending {
		return domain.ErrReservationNotPending
	}
	res.Status = domain.ReservationCanceled
	return nil
}

func (s *Service) Finalize(ctx context.Context, res *domain.Reservation, actualCost int64) (*domain.Settlement, error) {
	if res == nil {
		return nil, domain.ErrReservationNotPending
	}
	if actualCost < 0 {
		return nil, domain.ErrInvalidCost
	}

	switch res.Status {
	case domain.ReservationFree:
		res.Status = domain.ReservationFinalized
		return &domain.Settlement{}, nil
	case domain.ReservationPending:
		if err := s.Commit(ctx, res); err != nil {
			return nil, err
		}
	case domain.ReservationCommitted:
	default:
		return nil, domain.ErrReservationClosed
	}

	owner := *res.Caller.Owner
	settlement := &domain.Settlement{Charged: res.Estimate}
	delta := actualCost - res.Estimate

	switch {
	case delta < 0:
		refund, err := s.engine.Refund(ctx, owner, res.Split, -delta)
		if err != nil {
			return nil, err
		}
		settlement.Refunded = refund.Refunded
		settlement.Charged -= refund.Refunded
		settlement.Balance = &refund.Balance
	case delta > 0:
		extra, err := s.engine.Consume(ctx, owner, delta, ledgerdomain.ReasonUsage)
		switch {
		case err == nil:
			settlement.Charged += delta
			settlement.Balance = &extra.Balance
		case errors.Is(err, entitlementdomain.ErrInsufficientBalance):
			settlement.Absorbed = delta
			s.log.Warn("absorbed usage overage",
				zap.String("reservation_id", res.ID),
				zap.String("feature", res.Feature),
				zap.String("owner", owner.Key()),
				zap.Int64("estimate", res.Estimate),
				zap.Int64("actual", actualCost),
				zap.Int64("absorbed", delta),
			)
			if s.obsMetrics != nil {
				s.obsMetrics.RecordAbsorbedOverage(ctx, res.Feature, delta)
			}
		default:
			return nil, err
		}
	}

	if settlement.Balance == nil {
		balance, err := s.engine.GetBalance(ctx, owner)
		if err != nil {
			return nil, err
		}
		settlement.Balance = balance
	}

	res.Status = domain.ReservationFinalized
	return settlement, nil
}

// Run debits the estimate before op runs. If op fails the charge is
// refunded in full and op's error returned.
func (s *Service) Run(ctx context.Context, feature string, caller domain.Caller, estimate int64, op domain.Operation) (*domain.Settlement, error) {
	res, err := s.CheckAndReserve(ctx, feature, caller, estimate)
	if err != nil {
		return nil, err
	}
	if !res.Free() {
		if err := s.Commit(ctx, res); err != nil {
			return nil, err
		}
	}

	actual, opErr := op(ctx)
	if opErr != nil {
		actual = 0
	}

	settlement, err := s.Finalize(ctx, res, actual)
	if opErr != nil {
		if err != nil {
			s.log.Error("failed to refund after operation error",
				zap.String("reservation_id", res.ID),
				zap.String("feature", feature),
				zap.Error(err),
			)
		}
		return settlement, opErr
	}
	return settlement, err
}

func (s *Service) record(ctx context.Context, feature, decision string) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordGateDecision(ctx, feature, decision)
}
