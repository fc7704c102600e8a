package tokenledger

import (
	"github.com/smallbiznis/tokenledger/internal/tokenledger/domain"
	"github.com/smallbiznis/tokenledger/internal/tokenledger/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("tokenledger.repository",
	fx.Provide(repository.Provide),
	fx.Provide(func(r repository.Repository) domain.Repository { return r }),
)
