package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	balancedomain "github.com/storesuite/billing/internal/balance/domain"
	"github.com/storesuite/billing/internal/clock"
	"github.com/storesuite/billing/internal/currency"
	merchantdomain "github.com/storesuite/billing/internal/merchant/domain"
	subscriptiondomain "github.com/storesuite/billing/internal/subscription/domain"
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

func NewService(p Params) merchantdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("merchant.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

// Onboard creates the merchant together with its zero balance and default
// subscription in one transaction. Every merchant always owns exactly one of
// each.
func (s *Service) Onboard(ctx context.Context, req merchantdomain.OnboardRequest) (merchantdomain.Merchant, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return merchantdomain.Merchant{}, merchantdomain.ErrInvalidName
	}

	curr := strings.ToUpper(strings.TrimSpace(req.Currency))
	if !currency.Valid(curr) {
		return merchantdomain.Merchant{}, merchantdomain.ErrInvalidCurrency
	}

	if req.OrderFee <= 0 {
		return merchantdomain.Merchant{}, merchantdomain.ErrInvalidOrderFee
	}

	now := s.clock.Now()
	merchant := merchantdomain.Merchant{
		ID:             s.genID.Generate(),
		Code:           slug.Make(name),
		Name:           name,
		Currency:       curr,
		OrderFee:       req.OrderFee,
		MonthlyPrice:   req.MonthlyPrice,
		DepositMinimum: req.DepositMinimum,
		APIKey:         "mk_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Savepoint: postgres aborts the whole transaction after a failed
		// insert, so the collision retry must roll back to here first.
		if err := tx.SavePoint("merchant_create").Error; err != nil {
			return err
		}
		if err := tx.Create(&merchant).Error; err != nil {
			if !db.IsDuplicateKeyErr(err) {
				return err
			}
			if err := tx.RollbackTo("merchant_create").Error; err != nil {
				return err
			}
			// Code collision: retry once with the snowflake suffix.
			merchant.Code = fmt.Sprintf("%s-%s", merchant.Code, merchant.ID.String())
			if err := tx.Create(&merchant).Error; err != nil {
				return err
			}
		}

		balance := balancedomain.Balance{
			MerchantID: merchant.ID,
			Amount:     0,
			Version:    0,
			UpdatedAt:  now,
		}
		if err := tx.Create(&balance).Error; err != nil {
			return err
		}

		subscription := subscriptiondomain.Subscription{
			MerchantID: merchant.ID,
			Type:       subscriptiondomain.PlanTypeDeposit,
			Status:     subscriptiondomain.StatusActive,
			Version:    0,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return tx.Create(&subscription).Error
	})
	if err != nil {
		return merchantdomain.Merchant{}, err
	}

	s.log.Info("merchant onboarded",
		zap.String("merchant_id", merchant.ID.String()),
		zap.String("code", merchant.Code),
		zap.String("currency", merchant.Currency),
	)
	return merchant, nil
}

func (s *Service) GetByID(ctx context.Context, merchantID snowflake.ID) (merchantdomain.Merchant, error) {
	return s.findOne(ctx, &merchantdomain.Merchant{ID: merchantID})
}

func (s *Service) GetByCode(ctx context.Context, code string) (merchantdomain.Merchant, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return merchantdomain.Merchant{}, merchantdomain.ErrMerchantNotFound
	}
	return s.findOne(ctx, &merchantdomain.Merchant{Code: code})
}

func (s *Service) ResolveAPIKey(ctx context.Context, apiKey string) (merchantdomain.Merchant, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return merchantdomain.Merchant{}, merchantdomain.ErrInvalidAPIKey
	}

	merchant, err := s.findOne(ctx, &merchantdomain.Merchant{APIKey: apiKey})
	if err != nil {
		if errors.Is(err, merchantdomain.ErrMerchantNotFound) {
			return merchantdomain.Merchant{}, merchantdomain.ErrInvalidAPIKey
		}
		return merchantdomain.Merchant{}, err
	}
	return merchant, nil
}

func (s *Service) findOne(ctx context.Context, filter *merchantdomain.Merchant) (merchantdomain.Merchant, error) {
	var merchant merchantdomain.Merchant
	err := s.db.WithContext(ctx).Where(filter).First(&merchant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return merchantdomain.Merchant{}, merchantdomain.ErrMerchantNotFound
		}
		return merchantdomain.Merchant{}, err
	}
	return merchant, nil
}
