package webhook

import (
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	"github.com/smallbiznis/tokenledger/internal/webhook/adapters"
	"github.com/smallbiznis/tokenledger/internal/webhook/adapters/identity"
	"github.com/smallbiznis/tokenledger/internal/webhook/adapters/stripe"
	"github.com/smallbiznis/tokenledger/internal/webhook/domain"
	"github.com/smallbiznis/tokenledger/internal/webhook/repository"
	"github.com/smallbiznis/tokenledger/internal/webhook/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("webhook.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewRegistry),
	fx.Provide(service.NewService),
)

// NewRegistry registers an adapter for every sender with a configured
// secret. Deliveries for other senders are rejected as unknown.
func NewRegistry(cfg config.Config, catalog *config.TierCatalogHolder, clk clock.Clock, log *zap.Logger) (*adapters.Registry, error) {
	var registered []domain.Adapter

	if cfg.Webhook.IdentitySecret != "" {
		adapter, err := identity.New(cfg.Webhook.IdentitySecret, cfg.Webhook.Tolerance, clk)
		if err != nil {
			return nil, err
		}
		registered = append(registered, adapter)
	} else {
		log.Warn("identity webhook secret not configured; identity events disabled")
	}

	if cfg.Webhook.StripeSecret != "" {
		adapter, err := stripe.New(cfg.Webhook.StripeSecret, catalog, cfg.Webhook.Tolerance, clk)
		if err != nil {
			return nil, err
		}
		registered = append(registered, adapter)
	} else {
		log.Warn("stripe webhook secret not configured; payment events disabled")
	}

	return adapters.NewRegistry(registered...), nil
}
