package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrVoucherNotFound      = errors.New("voucher not found")
	ErrVoucherInactive      = errors.New("voucher is not active")
	ErrVoucherExhausted     = errors.New("voucher usage limit reached")
	ErrVoucherCurrency      = errors.New("voucher currency does not match merchant currency")
	ErrInvalidCode          = errors.New("voucher code is required")
	ErrInvalidCreditAmount  = errors.New("credit amount must be positive")
	ErrInvalidMaxUsage      = errors.New("max usage must be positive")
	ErrInvalidVoucherType   = errors.New("unsupported voucher type")
	ErrDuplicateVoucherCode = errors.New("voucher code already exists")
)

type CreateVoucherRequest struct {
	MerchantID  snowflake.ID
	Code        string
	Type        VoucherType // empty defaults to BALANCE
	Description string
	Value       int64
	Currency    string
	MaxUsage    int
}

// Service is the voucher registry. ConsumeTx is the usage-bounded half of a
// redemption; the plan-switch coordinator pairs it with the balance credit
// in one transaction.
type Service interface {
	Create(ctx context.Context, req CreateVoucherRequest) (*Voucher, error)

	GetByCode(ctx context.Context, merchantID snowflake.ID, code string) (*Voucher, error)

	List(ctx context.Context, merchantID snowflake.ID) ([]Voucher, error)

	// ConsumeTx atomically claims one usage of the voucher inside tx. The
	// guarded update keeps concurrent redeemers within MaxUsage: losers get
	// ErrVoucherExhausted, never an over-redemption. The returned voucher
	// reflects the usage count after the claim.
	ConsumeTx(ctx context.Context, tx *gorm.DB, merchantID snowflake.ID, code string) (*Voucher, error)

	// RecordRedemptionTx links a consumed usage to the ledger entry the
	// credit produced, inside the same transaction.
	RecordRedemptionTx(ctx context.Context, tx *gorm.DB, redemption Redemption) error

	// Deactivate turns a voucher off; in-flight redemptions that already
	// claimed a usage still complete.
	Deactivate(ctx context.Context, merchantID snowflake.ID, code string) (*Voucher, error)
}
