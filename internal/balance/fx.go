package balance

import (
	"github.com/storesuite/billing/internal/balance/service"
	"github.com/storesuite/billing/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("balance.service",
	fx.Provide(
		func(cfg config.Config) service.Config {
			return service.Config{
				OverdraftFloor: cfg.OverdraftFloor,
				RetryAttempts:  cfg.WriteRetryAttempts,
			}
		},
		service.NewService,
	),
)
