package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrMerchantNotFound = errors.New("merchant not found")
	ErrInvalidName      = errors.New("merchant name is required")
	ErrInvalidCurrency  = errors.New("merchant currency is required")
	ErrInvalidOrderFee  = errors.New("order fee must be positive")
	ErrInvalidAPIKey    = errors.New("invalid api key")
)

type OnboardRequest struct {
	Name           string `json:"name"`
	Currency       string `json:"currency"`
	OrderFee       int64  `json:"order_fee"`
	MonthlyPrice   int64  `json:"monthly_price"`
	DepositMinimum int64  `json:"deposit_minimum"`
}

type Service interface {
	Onboard(ctx context.Context, req OnboardRequest) (Merchant, error)
	GetByID(ctx context.Context, merchantID snowflake.ID) (Merchant, error)
	GetByCode(ctx context.Context, code string) (Merchant, error)
	ResolveAPIKey(ctx context.Context, apiKey string) (Merchant, error)
}
