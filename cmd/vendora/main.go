package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/vendora-hq/vendora/internal/approval"
	"github.com/vendora-hq/vendora/internal/audit"
	"github.com/vendora-hq/vendora/internal/clock"
	"github.com/vendora-hq/vendora/internal/config"
	"github.com/vendora-hq/vendora/internal/entityref"
	"github.com/vendora-hq/vendora/internal/job"
	"github.com/vendora-hq/vendora/internal/ledger"
	"github.com/vendora-hq/vendora/internal/logger"
	"github.com/vendora-hq/vendora/internal/migration"
	"github.com/vendora-hq/vendora/internal/negotiation"
	"github.com/vendora-hq/vendora/internal/observability"
	"github.com/vendora-hq/vendora/internal/server"
	"github.com/vendora-hq/vendora/internal/sweep"
	"github.com/vendora-hq/vendora/internal/webhook"
	"github.com/vendora-hq/vendora/pkg/db"
	"github.com/vendora-hq/vendora/pkg/locks"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		clock.Module,
		fx.Provide(RegisterSnowflake),
		fx.Provide(entityref.NewRegistry),
		fx.Provide(NewKeyedLocks),
		db.Module,
		migration.Module,

		// Domains
		audit.Module,
		ledger.Module,
		job.Module,
		approval.Module,
		negotiation.Module,
		webhook.Module,

		// Background sweeps and the HTTP surface
		sweep.Module,
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

func NewKeyedLocks(cfg config.Config) *locks.Keyed {
	return locks.NewKeyed(cfg.LockWait)
}
