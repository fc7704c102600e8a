package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	"github.com/smallbiznis/tokenledger/internal/entitlement"
	"github.com/smallbiznis/tokenledger/internal/gate"
	"github.com/smallbiznis/tokenledger/internal/migration"
	"github.com/smallbiznis/tokenledger/internal/observability"
	"github.com/smallbiznis/tokenledger/internal/pricing"
	"github.com/smallbiznis/tokenledger/internal/ratelimit"
	"github.com/smallbiznis/tokenledger/internal/reconcile"
	"github.com/smallbiznis/tokenledger/internal/server"
	"github.com/smallbiznis/tokenledger/internal/webhook"
	"github.com/smallbiznis/tokenledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,

		// Token domain
		entitlement.Module,
		webhook.Module,
		gate.Module,
		reconcile.Module,
		fx.Provide(pricing.New),

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
