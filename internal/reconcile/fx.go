package reconcile

import (
	"context"

	"github.com/smallbiznis/tokenledger/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("reconcile",
	fx.Provide(New),
	fx.Invoke(RegisterReconciler),
)

func RegisterReconciler(lc fx.Lifecycle, cfg config.Config, r *Reconciler) {
	if !cfg.Reconcile.Enabled {
		return
	}

	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go r.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}
