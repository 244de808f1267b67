// Package domain contains the append-only transaction ledger. Entries are
// the single source of truth for balance history: immutable once written,
// totally ordered per merchant, and deduplicated by idempotency key.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// TransactionKind classifies balance-affecting entries.
type TransactionKind string

const (
	KindOrderFeeDebit TransactionKind = "ORDER_FEE_DEBIT"
	KindVoucherCredit TransactionKind = "VOUCHER_CREDIT"
	KindManualTopup   TransactionKind = "MANUAL_TOPUP"
	KindRefund        TransactionKind = "REFUND"
	KindAdjustment    TransactionKind = "ADJUSTMENT"
)

// Transaction is one immutable ledger entry. Amount is signed minor units;
// BalanceAfter always equals BalanceBefore + Amount.
type Transaction struct {
	ID                 snowflake.ID    `gorm:"primaryKey" json:"id"`
	MerchantID         snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_transactions_merchant_idem,priority:1" json:"merchantId"`
	Kind               TransactionKind `gorm:"type:text;not null;index" json:"kind"`
	Amount             int64           `gorm:"not null" json:"amount"`
	BalanceBefore      int64           `gorm:"not null" json:"balanceBefore"`
	BalanceAfter       int64           `gorm:"not null" json:"balanceAfter"`
	Description        string          `gorm:"type:text" json:"description"`
	RelatedOrderID     *string         `gorm:"type:text" json:"relatedOrderId,omitempty"`
	RelatedVoucherCode *string         `gorm:"type:text" json:"relatedVoucherCode,omitempty"`
	IdempotencyKey     string          `gorm:"type:text;not null;uniqueIndex:ux_transactions_merchant_idem,priority:2" json:"-"`
	CreatedAt          time.Time       `gorm:"not null;index;default:CURRENT_TIMESTAMP" json:"createdAt"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "transactions" }

// TransactionDraft is the append request before an ID and timestamp are
// assigned.
type TransactionDraft struct {
	MerchantID         snowflake.ID
	Kind               TransactionKind
	Amount             int64
	BalanceBefore      int64
	BalanceAfter       int64
	Description        string
	RelatedOrderID     *string
	RelatedVoucherCode *string
	IdempotencyKey     string
}

// ValidKind reports whether the kind is one of the ledger's known kinds.
func ValidKind(kind TransactionKind) bool {
	switch kind {
	case KindOrderFeeDebit, KindVoucherCredit, KindManualTopup, KindRefund, KindAdjustment:
		return true
	default:
		return false
	}
}
