package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	analyticsdomain "github.com/storesuite/billing/internal/analytics/domain"
	"github.com/storesuite/billing/internal/clock"
	ledgerdomain "github.com/storesuite/billing/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func NewService(p Params) analyticsdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("analytics.service"),
		clock: p.Clock,
	}
}

// Today implements domain.Service.
func (s *Service) Today(ctx context.Context, merchantID snowflake.ID) (analyticsdomain.DebitTotals, error) {
	now := s.clock.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return s.debitTotalsSince(ctx, merchantID, midnight)
}

// Last30Days implements domain.Service.
func (s *Service) Last30Days(ctx context.Context, merchantID snowflake.ID) (analyticsdomain.DebitTotals, error) {
	return s.debitTotalsSince(ctx, merchantID, s.clock.Now().UTC().AddDate(0, 0, -30))
}

// EstimatedRemainingOrders implements domain.Service.
func (s *Service) EstimatedRemainingOrders(ctx context.Context, merchantID snowflake.ID) (int64, error) {
	var row struct {
		Amount   int64
		OrderFee int64
	}
	err := s.db.WithContext(ctx).
		Raw(`SELECT b.amount AS amount, m.order_fee AS order_fee
		     FROM balances b JOIN merchants m ON m.id = b.merchant_id
		     WHERE b.merchant_id = ?`, merchantID).
		Scan(&row).Error
	if err != nil {
		return 0, err
	}
	if row.OrderFee <= 0 || row.Amount <= 0 {
		return 0, nil
	}
	return row.Amount / row.OrderFee, nil
}

// UsageSummary implements domain.Service.
func (s *Service) UsageSummary(ctx context.Context, merchantID snowflake.ID) (analyticsdomain.UsageSummary, error) {
	today, err := s.Today(ctx, merchantID)
	if err != nil {
		return analyticsdomain.UsageSummary{}, err
	}
	last30, err := s.Last30Days(ctx, merchantID)
	if err != nil {
		return analyticsdomain.UsageSummary{}, err
	}
	remaining, err := s.EstimatedRemainingOrders(ctx, merchantID)
	if err != nil {
		return analyticsdomain.UsageSummary{}, err
	}

	return analyticsdomain.UsageSummary{
		Today:                    today,
		Last30Days:               last30,
		EstimatedRemainingOrders: remaining,
	}, nil
}

// debitTotalsSince sums order-fee debits from `since` on. Debits are stored
// negative; the sum is flipped so callers see positive spend.
func (s *Service) debitTotalsSince(ctx context.Context, merchantID snowflake.ID, since time.Time) (analyticsdomain.DebitTotals, error) {
	var row struct {
		Total int64
		Count int64
	}
	err := s.db.WithContext(ctx).
		Raw(`SELECT COALESCE(SUM(-amount), 0) AS total, COUNT(*) AS count
		     FROM transactions
		     WHERE merchant_id = ? AND kind = ? AND created_at >= ?`,
			merchantID, ledgerdomain.KindOrderFeeDebit, since).
		Scan(&row).Error
	if err != nil {
		return analyticsdomain.DebitTotals{}, err
	}
	return analyticsdomain.DebitTotals{Total: row.Total, Count: row.Count}, nil
}
