// Package domain contains the per-merchant balance aggregate. The balance
// row is a versioned projection of the ledger: its amount always equals the
// signed sum of the merchant's transactions, and every mutation commits
// together with the ledger entry describing it.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Balance is the spendable amount in minor units, guarded by an optimistic
// version.
type Balance struct {
	MerchantID snowflake.ID `gorm:"primaryKey" json:"merchantId"`
	Amount     int64        `gorm:"not null;default:0" json:"amount"`
	Version    int64        `gorm:"not null;default:0" json:"-"`
	UpdatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// TableName sets the database table name.
func (Balance) TableName() string { return "balances" }

// Direction of a zero-threshold crossing.
type Direction string

const (
	DirectionUp   Direction = "UP"   // balance moved from <=0 to >0
	DirectionDown Direction = "DOWN" // balance moved from >0 to <=0
)
