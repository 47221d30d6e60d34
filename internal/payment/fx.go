package payment

import (
	"github.com/smallbiznis/railtab/internal/clock"
	"github.com/smallbiznis/railtab/internal/payment/adapters"
	"github.com/smallbiznis/railtab/internal/payment/adapters/stripe"
	"github.com/smallbiznis/railtab/internal/payment/repository"
	"github.com/smallbiznis/railtab/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.webhook",
	fx.Provide(repository.Provide),
	fx.Provide(func(clk clock.Clock) *adapters.Registry {
		return adapters.NewRegistry(stripe.NewFactory(clk))
	}),
	fx.Provide(webhook.NewService),
)
