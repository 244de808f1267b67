// Package domain contains the voucher registry. A voucher is a named credit
// grant with a bounded number of redemptions; redemption is atomic with the
// balance credit it produces.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// VoucherType selects the effect a redemption has. Only balance credits are
// implemented; the tagged Effect variant leaves room for others.
type VoucherType string

const (
	VoucherTypeBalance VoucherType = "BALANCE"
)

type Voucher struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	MerchantID   snowflake.ID `gorm:"not null;index;uniqueIndex:ux_vouchers_merchant_code,priority:1" json:"merchantId"`
	Code         string       `gorm:"type:text;not null;uniqueIndex:ux_vouchers_merchant_code,priority:2" json:"code"`
	Type         VoucherType  `gorm:"type:text;not null;default:BALANCE" json:"type"`
	Description  string       `gorm:"type:text" json:"description,omitempty"`
	Value        int64        `gorm:"not null" json:"value"` // minor units applied per redemption
	Currency     string       `gorm:"type:text;not null" json:"currency"`
	MaxUsage     int          `gorm:"not null" json:"maxUsage"`
	CurrentUsage int          `gorm:"not null;default:0" json:"currentUsage"`
	Active       bool         `gorm:"not null;default:true" json:"active"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// TableName sets the database table name.
func (Voucher) TableName() string { return "vouchers" }

// RemainingUsage reports how many redemptions are left.
func (v Voucher) RemainingUsage() int {
	remaining := v.MaxUsage - v.CurrentUsage
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Redemption records one successful voucher use and the ledger entry it
// produced.
type Redemption struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	VoucherID     snowflake.ID `gorm:"not null;index" json:"voucherId"`
	MerchantID    snowflake.ID `gorm:"not null;index" json:"merchantId"`
	TransactionID snowflake.ID `gorm:"not null" json:"transactionId"`
	ValueApplied  int64        `gorm:"not null" json:"valueApplied"`
	RedeemedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"redeemedAt"`
}

// TableName sets the database table name.
func (Redemption) TableName() string { return "voucher_redemptions" }
