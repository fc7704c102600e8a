package entitlement

import (
	"github.com/smallbiznis/tokenledger/internal/entitlement/service"
	"github.com/smallbiznis/tokenledger/internal/owner"
	"github.com/smallbiznis/tokenledger/internal/subscription"
	"github.com/smallbiznis/tokenledger/internal/tokenbalance"
	"github.com/smallbiznis/tokenledger/internal/tokenledger"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.service",
	owner.Module,
	tokenbalance.Module,
	tokenledger.Module,
	subscription.Module,
	fx.Provide(service.NewService),
)
