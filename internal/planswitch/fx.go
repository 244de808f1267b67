package planswitch

import (
	balancedomain "github.com/storesuite/billing/internal/balance/domain"
	"github.com/storesuite/billing/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("planswitch",
	fx.Provide(
		func(cfg config.Config) Policy {
			return Policy{ReactivationMode: ReactivationMode(cfg.ReactivationMode)}
		},
		NewCoordinator,
	),
	fx.Invoke(func(c *Coordinator, balanceSvc balancedomain.Service) {
		balanceSvc.RegisterThresholdHandler(c)
	}),
)
