package owner

import (
	"github.com/smallbiznis/tokenledger/internal/owner/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("owner.repository",
	fx.Provide(repository.Provide),
)
