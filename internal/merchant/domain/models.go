// Package domain contains the merchant tenant root and its pricing snapshot.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Merchant is the tenant owning one balance, one subscription, and a
// transaction history. Pricing is per-merchant data expressed in the
// merchant's configured currency, in minor units.
type Merchant struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	Code           string       `gorm:"type:text;not null;uniqueIndex" json:"code"`
	Name           string       `gorm:"type:text;not null" json:"name"`
	Currency       string       `gorm:"type:text;not null" json:"currency"`
	OrderFee       int64        `gorm:"not null" json:"orderFee"`
	MonthlyPrice   int64        `gorm:"not null" json:"monthlyPrice"`
	DepositMinimum int64        `gorm:"not null" json:"depositMinimum"`
	APIKey         string       `gorm:"type:text;not null;uniqueIndex" json:"apiKey"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// TableName sets the database table name.
func (Merchant) TableName() string { return "merchants" }
