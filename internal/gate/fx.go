package gate

import (
	"github.com/smallbiznis/tokenledger/internal/gate/service"
	"go.uber.org/fx"
)

// Module provides the consumption gate to in-process feature handlers, which
// wrap their paid operations in Service.Run. It is built only when a handler
// depends on it; this service exposes no HTTP route for it.
var Module = fx.Module("gate.service",
	fx.Provide(service.NewService),
)
