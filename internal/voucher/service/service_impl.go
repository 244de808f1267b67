package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/storesuite/billing/internal/clock"
	"github.com/storesuite/billing/internal/currency"
	voucherdomain "github.com/storesuite/billing/internal/voucher/domain"
	"github.com/storesuite/billing/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) voucherdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("voucher.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

// Create implements domain.Service.
func (s *Service) Create(ctx context.Context, req voucherdomain.CreateVoucherRequest) (*voucherdomain.Voucher, error) {
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if code == "" {
		return nil, voucherdomain.ErrInvalidCode
	}
	if req.Value <= 0 {
		return nil, voucherdomain.ErrInvalidCreditAmount
	}
	if req.MaxUsage <= 0 {
		return nil, voucherdomain.ErrInvalidMaxUsage
	}

	voucherType := req.Type
	if voucherType == "" {
		voucherType = voucherdomain.VoucherTypeBalance
	}
	if voucherType != voucherdomain.VoucherTypeBalance {
		return nil, voucherdomain.ErrInvalidVoucherType
	}

	curr := strings.ToUpper(strings.TrimSpace(req.Currency))
	if !currency.Valid(curr) {
		return nil, currency.ErrUnknownCurrency
	}

	now := s.clock.Now()
	voucher := voucherdomain.Voucher{
		ID:           s.genID.Generate(),
		MerchantID:   req.MerchantID,
		Code:         code,
		Type:         voucherType,
		Description:  req.Description,
		Value:        req.Value,
		Currency:     curr,
		MaxUsage:     req.MaxUsage,
		CurrentUsage: 0,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.db.WithContext(ctx).Create(&voucher).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, voucherdomain.ErrDuplicateVoucherCode
		}
		return nil, err
	}

	s.log.Info("voucher created",
		zap.String("merchant_id", req.MerchantID.String()),
		zap.String("code", code),
		zap.Int("max_usage", req.MaxUsage),
	)
	return &voucher, nil
}

// GetByCode implements domain.Service.
func (s *Service) GetByCode(ctx context.Context, merchantID snowflake.ID, code string) (*voucherdomain.Voucher, error) {
	return findByCode(ctx, s.db, merchantID, code)
}

// List implements domain.Service.
func (s *Service) List(ctx context.Context, merchantID snowflake.ID) ([]voucherdomain.Voucher, error) {
	var vouchers []voucherdomain.Voucher
	err := s.db.WithContext(ctx).
		Where("merchant_id = ?", merchantID).
		Order("created_at DESC").
		Find(&vouchers).Error
	if err != nil {
		return nil, err
	}
	return vouchers, nil
}

// ConsumeTx implements domain.Service. The usage bound lives in the WHERE
// clause: however many transactions race, at most MaxUsage of them see a row
// affected.
func (s *Service) ConsumeTx(ctx context.Context, tx *gorm.DB, merchantID snowflake.ID, code string) (*voucherdomain.Voucher, error) {
	voucher, err := findByCode(ctx, tx, merchantID, code)
	if err != nil {
		return nil, err
	}
	if !voucher.Active {
		return nil, voucherdomain.ErrVoucherInactive
	}

	result := tx.WithContext(ctx).Exec(
		`UPDATE vouchers
		 SET current_usage = current_usage + 1, updated_at = ?
		 WHERE id = ? AND active = ? AND current_usage < max_usage`,
		s.clock.Now(),
		voucher.ID,
		true,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, voucherdomain.ErrVoucherExhausted
	}

	return findByCode(ctx, tx, merchantID, code)
}

// RecordRedemptionTx implements domain.Service.
func (s *Service) RecordRedemptionTx(ctx context.Context, tx *gorm.DB, redemption voucherdomain.Redemption) error {
	if redemption.ID == 0 {
		redemption.ID = s.genID.Generate()
	}
	if redemption.RedeemedAt.IsZero() {
		redemption.RedeemedAt = s.clock.Now()
	}
	return tx.WithContext(ctx).Create(&redemption).Error
}

// Deactivate implements domain.Service.
func (s *Service) Deactivate(ctx context.Context, merchantID snowflake.ID, code string) (*voucherdomain.Voucher, error) {
	voucher, err := findByCode(ctx, s.db, merchantID, code)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Model(&voucherdomain.Voucher{}).
		Where("id = ?", voucher.ID).
		Updates(map[string]interface{}{
			"active":     false,
			"updated_at": s.clock.Now(),
		}).Error
	if err != nil {
		return nil, err
	}

	voucher.Active = false
	return voucher, nil
}

func findByCode(ctx context.Context, db *gorm.DB, merchantID snowflake.ID, code string) (*voucherdomain.Voucher, error) {
	var voucher voucherdomain.Voucher
	err := db.WithContext(ctx).
		Where("merchant_id = ? AND code = ?", merchantID, strings.ToUpper(strings.TrimSpace(code))).
		First(&voucher).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, voucherdomain.ErrVoucherNotFound
		}
		return nil, err
	}
	return &voucher, nil
}
