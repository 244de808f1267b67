// Package seed provisions demo data for local environments. It is a no-op
// unless SEED_DEMO_DATA is set, and idempotent across restarts.
package seed

import (
	"context"
	"errors"

	balancedomain "github.com/storesuite/billing/internal/balance/domain"
	"github.com/storesuite/billing/internal/config"
	ledgerdomain "github.com/storesuite/billing/internal/ledger/domain"
	merchantdomain "github.com/storesuite/billing/internal/merchant/domain"
	voucherdomain "github.com/storesuite/billing/internal/voucher/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("seed",
	fx.Invoke(Run),
)

type Params struct {
	fx.In

	Cfg         config.Config
	Log         *zap.Logger
	MerchantSvc merchantdomain.Service
	BalanceSvc  balancedomain.Service
	VoucherSvc  voucherdomain.Service
}

func Run(p Params) error {
	if !p.Cfg.SeedDemoData {
		return nil
	}
	log := p.Log.Named("seed")
	ctx := context.Background()

	if _, err := p.MerchantSvc.GetByCode(ctx, "acme"); err == nil {
		log.Info("demo data already present, skipping seed")
		return nil
	} else if !errors.Is(err, merchantdomain.ErrMerchantNotFound) {
		return err
	}

	merchant, err := p.MerchantSvc.Onboard(ctx, merchantdomain.OnboardRequest{
		Name:           "ACME",
		Currency:       "AUD",
		OrderFee:       100,
		MonthlyPrice:   2900,
		DepositMinimum: 1000,
	})
	if err != nil {
		return err
	}

	if _, err := p.BalanceSvc.Credit(ctx, balancedomain.CreditRequest{
		MerchantID:     merchant.ID,
		Amount:         1000,
		Kind:           ledgerdomain.KindManualTopup,
		IdempotencyKey: "seed:initial-topup",
		Description:    "Initial demo top-up",
	}); err != nil {
		return err
	}

	if _, err := p.VoucherSvc.Create(ctx, voucherdomain.CreateVoucherRequest{
		MerchantID:  merchant.ID,
		Code:        "WELCOME500",
		Description: "Demo welcome credit",
		Value:       500,
		Currency:    merchant.Currency,
		MaxUsage:    1,
	}); err != nil {
		return err
	}

	log.Info("seeded demo merchant",
		zap.String("merchant_id", merchant.ID.String()),
		zap.String("api_key", merchant.APIKey),
	)
	return nil
}
