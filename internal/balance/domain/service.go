package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/storesuite/billing/internal/ledger/domain"
	"gorm.io/gorm"
)

var (
	ErrBalanceNotFound     = errors.New("balance not found")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrConcurrencyConflict = errors.New("balance write conflict")

	// ErrStaleVersion signals a lost compare-and-swap race. It never reaches
	// API callers: single-transaction helpers return it so the enclosing
	// flow can retry, and the public Debit/Credit retry internally before
	// surfacing ErrConcurrencyConflict.
	ErrStaleVersion = errors.New("stale balance version")
)

// ThresholdCrossing is emitted inside the mutating transaction whenever a
// debit or credit moves the balance across zero. The plan-switch coordinator
// consumes it; the balance aggregate itself knows nothing about
// subscriptions.
type ThresholdCrossing struct {
	MerchantID snowflake.ID
	Direction  Direction
	Kind       ledgerdomain.TransactionKind
	NewBalance int64
}

// ThresholdHandler reacts to a crossing within the same transaction as the
// balance write.
type ThresholdHandler interface {
	OnBalanceThresholdCrossed(ctx context.Context, tx *gorm.DB, crossing ThresholdCrossing) error
}

type DebitRequest struct {
	MerchantID     snowflake.ID
	Amount         int64 // positive minor units to subtract
	Kind           ledgerdomain.TransactionKind
	IdempotencyKey string
	Description    string
	RelatedOrderID *string
	SkipFloorCheck bool // admin corrections may leave the balance below the floor
}

type CreditRequest struct {
	MerchantID         snowflake.ID
	Amount             int64 // positive minor units to add
	Kind               ledgerdomain.TransactionKind
	IdempotencyKey     string
	Description        string
	RelatedVoucherCode *string
}

// Service is the balance aggregate. Debit and Credit are atomic with their
// ledger appends and retried on version conflicts up to a bounded budget.
type Service interface {
	Get(ctx context.Context, merchantID snowflake.ID) (Balance, error)

	// Debit fails with ErrInsufficientBalance when the result would breach
	// the overdraft floor; a replayed idempotency key returns the original
	// transaction without writing.
	Debit(ctx context.Context, req DebitRequest) (*ledgerdomain.Transaction, error)

	// Credit is symmetric to Debit without the floor check.
	Credit(ctx context.Context, req CreditRequest) (*ledgerdomain.Transaction, error)

	// CreditTx performs a single compare-and-swap attempt inside the
	// caller's transaction, returning any zero crossing for the caller to
	// act on. Returns ErrStaleVersion when the attempt lost a race.
	CreditTx(ctx context.Context, tx *gorm.DB, req CreditRequest) (*ledgerdomain.Transaction, *ThresholdCrossing, error)

	// RegisterThresholdHandler installs the crossing consumer. At most one
	// handler is supported; it runs inside the mutating transaction.
	RegisterThresholdHandler(h ThresholdHandler)
}
