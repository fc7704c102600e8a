package tokenbalance

import (
	"github.com/smallbiznis/tokenledger/internal/tokenbalance/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("tokenbalance.repository",
	fx.Provide(repository.Provide),
)
