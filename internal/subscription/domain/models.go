// Package domain contains the subscription aggregate: one plan per
// merchant, a small status machine, and an append-only history of every
// transition.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// PlanType is the billing model a merchant is on.
type PlanType string

const (
	PlanTypeDeposit PlanType = "DEPOSIT"
	PlanTypeMonthly PlanType = "MONTHLY"
)

// Status is the subscription lifecycle state. CANCELLED is terminal.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
	StatusCancelled Status = "CANCELLED"
)

// SuspendReason explains a SUSPENDED status.
type SuspendReason string

const (
	SuspendReasonInsufficientBalance SuspendReason = "INSUFFICIENT_BALANCE"
	SuspendReasonPaymentFailure      SuspendReason = "PAYMENT_FAILURE"
	SuspendReasonManual              SuspendReason = "MANUAL"
)

// TransitionCause is why a transition happened, recorded in history.
type TransitionCause string

const (
	CauseOrderFeeExhaustion TransitionCause = "ORDER_FEE_EXHAUSTION"
	CauseVoucherRedemption  TransitionCause = "VOUCHER_REDEMPTION"
	CauseManualSwitch       TransitionCause = "MANUAL_SWITCH"
	CausePeriodRollover     TransitionCause = "PERIOD_ROLLOVER"
	CausePaymentFailure     TransitionCause = "PAYMENT_FAILURE"
	CauseManual             TransitionCause = "MANUAL"
)

// Subscription is the per-merchant plan row. Period fields are set only for
// MONTHLY plans; Version guards concurrent writers the same way the balance
// row does.
type Subscription struct {
	MerchantID         snowflake.ID   `gorm:"primaryKey" json:"merchantId"`
	Type               PlanType       `gorm:"type:text;not null" json:"type"`
	Status             Status         `gorm:"type:text;not null;index" json:"status"`
	CurrentPeriodStart *time.Time     `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd   *time.Time     `gorm:"index" json:"currentPeriodEnd,omitempty"`
	PeriodPaidAt       *time.Time     `json:"periodPaidAt,omitempty"`
	SuspendedAt        *time.Time     `json:"suspendedAt,omitempty"`
	SuspendReason      *SuspendReason `gorm:"type:text" json:"suspendReason,omitempty"`
	Version            int64          `gorm:"not null;default:0" json:"-"`
	CreatedAt          time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt          time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// PeriodSettled reports whether the current MONTHLY period has been paid.
func (s Subscription) PeriodSettled() bool {
	return s.PeriodPaidAt != nil
}

// HistoryEntry is one immutable record of a subscription transition. It is
// written in the same transaction as the transition itself.
type HistoryEntry struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	MerchantID     snowflake.ID      `gorm:"not null;index" json:"merchantId"`
	PreviousType   PlanType          `gorm:"type:text;not null" json:"previousType"`
	PreviousStatus Status            `gorm:"type:text;not null" json:"previousStatus"`
	NewType        PlanType          `gorm:"type:text;not null" json:"newType"`
	NewStatus      Status            `gorm:"type:text;not null" json:"newStatus"`
	Cause          TransitionCause   `gorm:"type:text;not null" json:"cause"`
	FlowID         *string           `gorm:"type:text;index" json:"flowId,omitempty"`
	Metadata       datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null;index;default:CURRENT_TIMESTAMP" json:"createdAt"`
}

// TableName sets the database table name.
func (HistoryEntry) TableName() string { return "subscription_history" }
