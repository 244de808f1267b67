package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInvalidTransition    = errors.New("subscription transition not allowed")
	ErrInvalidPlanType      = errors.New("invalid plan type")
	ErrSwitchNotAllowed     = errors.New("plan switch not allowed")

	// ErrStaleVersion signals a lost version race inside TransitionTx; the
	// enclosing flow retries. It never reaches API callers.
	ErrStaleVersion = errors.New("stale subscription version")
)

// Transition describes one requested state change. Zero-valued NewType or
// NewStatus means "keep the current value".
type Transition struct {
	MerchantID    snowflake.ID
	NewType       PlanType
	NewStatus     Status
	Cause         TransitionCause
	SuspendReason *SuspendReason
	FlowID        *string
	Metadata      map[string]interface{}
}

// SwitchCheck is the answer to "may this merchant switch plans right now".
// Reason is empty when Allowed.
type SwitchCheck struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Service is the subscription aggregate. Every transition appends a history
// entry in the same transaction; an invalid transition leaves state
// untouched.
type Service interface {
	Get(ctx context.Context, merchantID snowflake.ID) (Subscription, error)

	// GetTx reads inside the caller's transaction.
	GetTx(ctx context.Context, tx *gorm.DB, merchantID snowflake.ID) (Subscription, error)

	// TransitionTx applies one transition inside tx: status-machine check,
	// version-guarded update, history append. Returns ErrStaleVersion to
	// the caller when a concurrent writer advanced the row first.
	TransitionTx(ctx context.Context, tx *gorm.DB, t Transition) (*Subscription, error)

	// SwitchPlan changes an ACTIVE merchant's plan type, guarded by
	// CanSwitch. MONTHLY gains a fresh unsettled period; DEPOSIT clears
	// period fields.
	SwitchPlan(ctx context.Context, merchantID snowflake.ID, requested PlanType) (*Subscription, error)

	CanSwitch(ctx context.Context, merchantID snowflake.ID, requested PlanType) (SwitchCheck, error)

	// AdvancePeriod rolls a MONTHLY subscription into the next period.
	// Idempotent: nothing happens before CurrentPeriodEnd. A period that
	// reached its end unsettled suspends the merchant with PAYMENT_FAILURE
	// instead of advancing.
	AdvancePeriod(ctx context.Context, merchantID snowflake.ID) (*Subscription, error)

	// MarkPeriodPaid records settlement of the current MONTHLY period.
	MarkPeriodPaid(ctx context.Context, merchantID snowflake.ID) (*Subscription, error)

	Cancel(ctx context.Context, merchantID snowflake.ID) (*Subscription, error)

	History(ctx context.Context, merchantID snowflake.ID, limit int) ([]HistoryEntry, error)
}
