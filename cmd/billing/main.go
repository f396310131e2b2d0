package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/compstack/billing/internal/audit"
	"github.com/compstack/billing/internal/billing"
	"github.com/compstack/billing/internal/checkout"
	"github.com/compstack/billing/internal/clock"
	"github.com/compstack/billing/internal/config"
	"github.com/compstack/billing/internal/logger"
	"github.com/compstack/billing/internal/migration"
	"github.com/compstack/billing/internal/observability/metrics"
	"github.com/compstack/billing/internal/provider"
	"github.com/compstack/billing/internal/reconciler"
	"github.com/compstack/billing/internal/router"
	"github.com/compstack/billing/internal/server"
	"github.com/compstack/billing/pkg/db"
)

func main() {
	app := fx.New(
		// core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		metrics.Module,

		// billing domains
		audit.Module,
		provider.Module,
		billing.Module,
		router.Module,
		checkout.Module,
		reconciler.Module,

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
