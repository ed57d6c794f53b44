package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingsync/internal/checkout"
	"github.com/smallbiznis/billingsync/internal/clock"
	"github.com/smallbiznis/billingsync/internal/config"
	"github.com/smallbiznis/billingsync/internal/customer"
	"github.com/smallbiznis/billingsync/internal/lock"
	"github.com/smallbiznis/billingsync/internal/migration"
	"github.com/smallbiznis/billingsync/internal/observability"
	"github.com/smallbiznis/billingsync/internal/payment"
	stripeprovider "github.com/smallbiznis/billingsync/internal/providers/stripe"
	"github.com/smallbiznis/billingsync/internal/reconcile"
	"github.com/smallbiznis/billingsync/internal/scheduler"
	"github.com/smallbiznis/billingsync/internal/server"
	"github.com/smallbiznis/billingsync/internal/subscription"
	"github.com/smallbiznis/billingsync/internal/tenant"
	"github.com/smallbiznis/billingsync/internal/webhook"
	"github.com/smallbiznis/billingsync/pkg/db"
	"go.uber.org/fx"
)

type globalFlags struct {
	plansFile string
	nodeID    int64
}

func infrastructure(flags globalFlags) fx.Option {
	return fx.Options(
		config.Module,
		fx.Decorate(func(cfg config.Config) config.Config {
			if flags.plansFile != "" {
				cfg.PlansFile = flags.plansFile
			}
			return cfg
		}),
		observability.Module,
		fx.Provide(func() (*snowflake.Node, error) {
			return snowflake.NewNode(flags.nodeID)
		}),
		db.Module,
		clock.Module,
	)
}

// domain wires every billing service without the HTTP surface.
func domain() fx.Option {
	return fx.Options(
		tenant.Module,
		subscription.Module,
		payment.Module,
		lock.Module,
		stripeprovider.Module,
		customer.Module,
		checkout.Module,
		reconcile.Module,
		webhook.Module,
	)
}

func serveApp(flags globalFlags) *fx.App {
	return fx.New(
		infrastructure(flags),
		migration.Module,
		domain(),
		scheduler.Module,
		server.Module,
	)
}

func migrateApp(flags globalFlags) *fx.App {
	return fx.New(
		infrastructure(flags),
		migration.Module,
		fx.NopLogger,
	)
}

func syncApp(flags globalFlags, populate ...any) *fx.App {
	return fx.New(
		infrastructure(flags),
		domain(),
		fx.Populate(populate...),
		fx.NopLogger,
	)
}
