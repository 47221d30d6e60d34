package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railtab/internal/audit"
	"github.com/smallbiznis/railtab/internal/authorization"
	"github.com/smallbiznis/railtab/internal/billinggroup"
	"github.com/smallbiznis/railtab/internal/clock"
	"github.com/smallbiznis/railtab/internal/cloudmetrics"
	"github.com/smallbiznis/railtab/internal/config"
	"github.com/smallbiznis/railtab/internal/migration"
	"github.com/smallbiznis/railtab/internal/observability"
	"github.com/smallbiznis/railtab/internal/payment"
	"github.com/smallbiznis/railtab/internal/ratelimit"
	"github.com/smallbiznis/railtab/internal/server"
	"github.com/smallbiznis/railtab/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,

		// Billing domains
		audit.Module,
		authorization.Module,
		billinggroup.Module,
		payment.Module,

		cloudmetrics.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
