package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/smallbiznis/tokenledger/internal/clock"
	entitlementdomain "github.com/smallbiznis/tokenledger/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
	subscriptiondomain "github.com/smallbiznis/tokenledger/internal/subscription/domain"
	"github.com/smallbiznis/tokenledger/internal/webhook/adapters"
	"github.com/smallbiznis/tokenledger/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Engine     entitlementdomain.Service
	Repo       domain.Repository
	Registry   *adapters.Registry
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	engine     entitlementdomain.Service
	repo       domain.Repository
	registry   *adapters.Registry
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("webhook.service"),
		clock:      p.Clock,
		engine:     p.Engine,
		repo:       p.Repo,
		registry:   p.Registry,
		obsMetrics: p.ObsMetrics,
	}
}

// Ingest authenticates, parses and applies one delivery. The engine
// mutation and the processed-event marker commit together, so a redelivery
// either finds the marker or replays an uncommitted attempt.
//
// A nil error means the delivery may be acknowledged. Signature errors
// must be rejected; any other error should be retried by the sender.
func (s *Service) Ingest(ctx context.Context, source string, payload []byte, headers http.Header) (domain.Outcome, error) {
	adapter, err := s.registry.Adapter(source)
	if err != nil {
		return domain.OutcomeRejected, err
	}
	source = adapter.Source()

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.log.Warn("rejected webhook delivery", zap.String("source", source), zap.Error(err))
		s.record(ctx, source, "", domain.OutcomeRejected)
		return domain.OutcomeRejected, err
	}

	event, err := adapter.Parse(ctx, payload, headers)
	if err != nil {
		if errors.Is(err, domain.ErrEventIgnored) {
			s.log.Debug("ignored webhook event", zap.String("source", source))
		} else {
			s.log.Warn("unparseable webhook event", zap.String("source", source), zap.Error(err))
		}
		s.record(ctx, source, "", domain.OutcomeIgnored)
		return domain.OutcomeIgnored, nil
	}
	if strings.TrimSpace(event.EventID) == "" {
		s.log.Warn("webhook event without id", zap.String("source", source), zap.String("type", event.Type))
		s.record(ctx, source, event.Type, domain.OutcomeIgnored)
		return domain.OutcomeIgnored, nil
	}

	logger := s.log.With(
		zap.String("source", source),
		zap.String("event_id", event.EventID),
		zap.String("type", event.Type),
	)

	key := event.DedupeKey()
	existing, err := s.repo.Find(ctx, s.db, key)
	if err != nil {
		logger.Error("failed to load processed event", zap.Error(err))
		s.record(ctx, source, event.Type, domain.OutcomeFailed)
		return domain.OutcomeFailed, fmt.Errorf("%w: %w", entitlementdomain.ErrTransientStoreFailure, err)
	}
	if existing != nil {
		logger.Info("duplicate webhook delivery", zap.String("first_outcome", string(existing.Outcome)))
		s.record(ctx, source, event.Type, domain.OutcomeDuplicate)
		return domain.OutcomeDuplicate, nil
	}

	outcome := domain.OutcomeApplied
	err = s.engine.RunInTx(ctx, func(tx entitlementdomain.Tx) error {
		outcome = domain.OutcomeApplied
		if err := s.apply(ctx, tx, event); err != nil {
			if !ignorable(err) {
				return err
			}
			logger.Warn("webhook event not applied", zap.Error(err))
			outcome = domain.OutcomeIgnored
		}

		inserted, err := s.repo.Insert(ctx, tx.DB(), &domain.ProcessedEvent{
			EventID:   key,
			Source:    source,
			EventType: event.Type,
			Outcome:   outcome,
			AppliedAt: s.clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("%w: %w", entitlementdomain.ErrTransientStoreFailure, err)
		}
		if !inserted {
			return domain.ErrDuplicateEvent
		}
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrDuplicateEvent):
		logger.Info("duplicate webhook delivery")
		outcome = domain.OutcomeDuplicate
	default:
		logger.Error("failed to apply webhook event", zap.Error(err))
		s.record(ctx, source, event.Type, domain.OutcomeFailed)
		return domain.OutcomeFailed, err
	}

	if outcome == domain.OutcomeApplied {
		logger.Info("applied webhook event", zap.String("action", string(event.Action)))
	}
	s.record(ctx, source, event.Type, outcome)
	return outcome, nil
}

func (s *Service) apply(ctx context.Context, tx entitlementdomain.Tx, event *domain.Event) error {
	switch event.Action {
	case domain.ActionOwnerCreated:
		if err := tx.EnsureOwner(ctx, event.Owner, event.Email); err != nil {
			return err
		}
		_, err := tx.GrantSignupCredits(ctx, event.Owner)
		return err
	case domain.ActionOwnerUpdated:
		return tx.EnsureOwner(ctx, event.Owner, event.Email)
	case domain.ActionOwnerDeleted:
		return tx.DeleteOwner(ctx, event.Owner)
	case domain.ActionCreditPurchase:
		_, err := tx.CreditPurchase(ctx, event.Owner, event.PurchaseID, event.Tokens)
		return err
	case domain.ActionSubscriptionCreated, domain.ActionSubscriptionRenewed:
		owner, tier, err := s.resolveSubscription(ctx, tx, event)
		if err != nil {
			return err
		}
		_, err = tx.ApplySubscriptionGrant(ctx, entitlementdomain.SubscriptionGrant{
			Owner:                  owner,
			Tier:                   tier,
			ExternalSubscriptionID: event.ExternalSubscriptionID,
			PeriodEnd:              event.PeriodEnd,
		})
		return err
	case domain.ActionSubscriptionUpdated:
		return s.applySubscriptionUpdate(ctx, tx, event)
	case domain.ActionSubscriptionDeleted:
		owner, _, err := s.resolveOwner(ctx, tx, event)
		if err != nil {
			return err
		}
		return tx.CancelSubscription(ctx, owner, event.ExternalSubscriptionID)
	default:
		return domain.ErrEventIgnored
	}
}

func (s *Service) applySubscriptionUpdate(ctx context.Context, tx entitlementdomain.Tx, event *domain.Event) error {
	owner, stored, err := s.resolveOwner(ctx, tx, event)
	if err != nil {
		return err
	}
	if stored == nil {
		stored, err = tx.FindSubscription(ctx, owner)
		switch {
		case errors.Is(err, entitlementdomain.ErrSubscriptionNotFound) && activeStatus(event.Status):
			// A subscription created incomplete is first granted when it
			// turns active.
			return s.grantFromUpdate(ctx, tx, owner, event)
		case err != nil:
			return err
		}
	}

	switch {
	case event.Status == string(subscriptiondomain.StatusPastDue), event.Status == "unpaid":
		return tx.MarkPastDue(ctx, owner)
	case activeStatus(event.Status) && stored.Status == subscriptiondomain.StatusPastDue:
		if err := tx.ReactivateSubscription(ctx, owner); err != nil {
			return err
		}
		if event.Tier == "" || event.Tier == stored.Tier {
			return nil
		}
	case event.Tier == "" || event.Tier == stored.Tier:
		return domain.ErrEventIgnored
	}

	change := entitlementdomain.TierChange{
		Owner:   owner,
		OldTier: stored.Tier,
		NewTier: event.Tier,
	}
	if !event.PeriodEnd.IsZero() {
		periodEnd := event.PeriodEnd
		change.PeriodEnd = &periodEnd
	}
	_, err = tx.ApplyTierChange(ctx, change)
	return err
}

func (s *Service) grantFromUpdate(ctx context.Context, tx entitlementdomain.Tx, owner ownerdomain.Owner, event *domain.Event) error {
	if event.Tier == "" {
		return entitlementdomain.ErrUnknownTier
	}
	_, err := tx.ApplySubscriptionGrant(ctx, entitlementdomain.SubscriptionGrant{
		Owner:                  owner,
		Tier:                   event.Tier,
		ExternalSubscriptionID: event.ExternalSubscriptionID,
		PeriodEnd:              event.PeriodEnd,
	})
	return err
}

func activeStatus(status string) bool {
	return status == string(subscriptiondomain.StatusActive) || status == "trialing"
}

// resolveSubscription fills the owner and tier from the stored subscription
// when the event does not carry them.
func (s *Service) resolveSubscription(ctx context.Context, tx entitlementdomain.Tx, event *domain.Event) (ownerdomain.Owner, subscriptiondomain.Tier, error) {
	owner, stored, err := s.resolveOwner(ctx, tx, event)
	if err != nil {
		return ownerdomain.Owner{}, "", err
	}
	tier := event.Tier
	if tier == "" && stored != nil {
		tier = stored.Tier
	}
	if tier == "" {
		return ownerdomain.Owner{}, "", entitlementdomain.ErrUnknownTier
	}
	return owner, tier, nil
}

func (s *Service) resolveOwner(ctx context.Context, tx entitlementdomain.Tx, event *domain.Event) (ownerdomain.Owner, *subscriptiondomain.Subscription, error) {
	if event.Owner.Validate() == nil {
		return event.Owner, nil, nil
	}
	if strings.TrimSpace(event.ExternalSubscriptionID) == "" {
		return ownerdomain.Owner{}, nil, domain.ErrOwnerUnresolved
	}
	sub, err := tx.FindSubscriptionByExternalID(ctx, event.ExternalSubscriptionID)
	if err != nil {
		if errors.Is(err, entitlementdomain.ErrSubscriptionNotFound) {
			return ownerdomain.Owner{}, nil, domain.ErrOwnerUnresolved
		}
		return ownerdomain.Owner{}, nil, err
	}
	return sub.Owner(), sub, nil
}

// ignorable reports errors caused by the event content. Retrying them
// cannot succeed, so the delivery is acknowledged without effect.
func ignorable(err error) bool {
	switch {
	case errors.Is(err, domain.ErrEventIgnored),
		errors.Is(err, domain.ErrInvalidPayload),
		errors.Is(err, domain.ErrInvalidEvent),
		errors.Is(err, domain.ErrOwnerUnresolved),
		errors.Is(err, ownerdomain.ErrInvalidOwnerKind),
		errors.Is(err, ownerdomain.ErrInvalidOwnerID),
		errors.Is(err, entitlementdomain.ErrInvalidAmount),
		errors.Is(err, entitlementdomain.ErrInvalidPurchaseID),
		errors.Is(err, entitlementdomain.ErrInvalidPeriodEnd),
		errors.Is(err, entitlementdomain.ErrInvalidSubscription),
		errors.Is(err, entitlementdomain.ErrUnknownTier),
		errors.Is(err, entitlementdomain.ErrSubscriptionNotFound):
		return true
	}
	return false
}

func (s *Service) record(ctx context.Context, source, eventType string, outcome domain.Outcome) {
	if s.obsMetrics == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	s.obsMetrics.RecordWebhookEvent(ctx, source, eventType, string(outcome))
}
