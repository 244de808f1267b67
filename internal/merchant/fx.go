package merchant

import (
	"github.com/storesuite/billing/internal/merchant/service"
	"go.uber.org/fx"
)

var Module = fx.Module("merchant.service",
	fx.Provide(service.NewService),
)
