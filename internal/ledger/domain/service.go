package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/storesuite/billing/pkg/db/pagination"
	"gorm.io/gorm"
)

var (
	ErrInvalidMerchant       = errors.New("invalid merchant")
	ErrInvalidKind           = errors.New("invalid transaction kind")
	ErrInvalidAmount         = errors.New("invalid transaction amount")
	ErrInvalidIdempotencyKey = errors.New("idempotency key is required")
	ErrEntryInvariant        = errors.New("balance_after must equal balance_before plus amount")
	ErrTransactionNotFound   = errors.New("transaction not found")
)

type ListTransactionsRequest struct {
	MerchantID snowflake.ID
	Kind       string
	From       *time.Time
	To         *time.Time
	PageToken  string
	PageSize   int
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []Transaction `json:"transactions"`
}

// Service is the append-only ledger store. AppendTx joins the caller's
// transaction so a ledger entry and the balance update it describes commit
// as one atomic unit.
type Service interface {
	// AppendTx appends a draft inside tx. A draft whose idempotency key was
	// already used for the merchant returns the previously stored entry with
	// replayed=true and writes nothing.
	AppendTx(ctx context.Context, tx *gorm.DB, draft TransactionDraft) (txn *Transaction, replayed bool, err error)

	// FindByIdempotencyKey returns the stored entry for a key, or
	// ErrTransactionNotFound.
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, merchantID snowflake.ID, idempotencyKey string) (*Transaction, error)

	List(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)

	CountByMerchant(ctx context.Context, merchantID snowflake.ID) (int64, error)

	// SumByMerchant returns the signed sum of all entries for a merchant;
	// by the ledger invariant it always equals the current balance.
	SumByMerchant(ctx context.Context, merchantID snowflake.ID) (int64, error)
}
