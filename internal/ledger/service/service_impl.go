package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/storesuite/billing/internal/clock"
	ledgerdomain "github.com/storesuite/billing/internal/ledger/domain"
	obsmetrics "github.com/storesuite/billing/internal/observability/metrics"
	"github.com/storesuite/billing/pkg/db"
	"github.com/storesuite/billing/pkg/db/option"
	"github.com/storesuite/billing/pkg/db/pagination"
	"github.com/storesuite/billing/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics

	transactionRepo repository.Repository[ledgerdomain.Transaction]
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,

		transactionRepo: repository.ProvideStore[ledgerdomain.Transaction](p.DB),
	}
}

// AppendTx implements domain.Service.
func (s *Service) AppendTx(ctx context.Context, tx *gorm.DB, draft ledgerdomain.TransactionDraft) (*ledgerdomain.Transaction, bool, error) {
	if draft.MerchantID == 0 {
		return nil, false, ledgerdomain.ErrInvalidMerchant
	}
	if !ledgerdomain.ValidKind(draft.Kind) {
		return nil, false, ledgerdomain.ErrInvalidKind
	}
	if draft.Amount == 0 {
		return nil, false, ledgerdomain.ErrInvalidAmount
	}
	if strings.TrimSpace(draft.IdempotencyKey) == "" {
		return nil, false, ledgerdomain.ErrInvalidIdempotencyKey
	}
	if draft.BalanceAfter != draft.BalanceBefore+draft.Amount {
		return nil, false, ledgerdomain.ErrEntryInvariant
	}

	txn := ledgerdomain.Transaction{
		ID:                 s.genID.Generate(),
		MerchantID:         draft.MerchantID,
		Kind:               draft.Kind,
		Amount:             draft.Amount,
		BalanceBefore:      draft.BalanceBefore,
		BalanceAfter:       draft.BalanceAfter,
		Description:        draft.Description,
		RelatedOrderID:     draft.RelatedOrderID,
		RelatedVoucherCode: draft.RelatedVoucherCode,
		IdempotencyKey:     strings.TrimSpace(draft.IdempotencyKey),
		CreatedAt:          s.clock.Now(),
	}

	if err := tx.WithContext(ctx).Create(&txn).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			existing, findErr := s.FindByIdempotencyKey(ctx, tx, draft.MerchantID, txn.IdempotencyKey)
			if findErr != nil {
				return nil, false, findErr
			}
			return existing, true, nil
		}
		return nil, false, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(string(txn.Kind))
	}
	return &txn, false, nil
}

// FindByIdempotencyKey implements domain.Service.
func (s *Service) FindByIdempotencyKey(ctx context.Context, conn *gorm.DB, merchantID snowflake.ID, idempotencyKey string) (*ledgerdomain.Transaction, error) {
	if conn == nil {
		conn = s.db
	}

	var txn ledgerdomain.Transaction
	err := conn.WithContext(ctx).
		Where("merchant_id = ? AND idempotency_key = ?", merchantID, strings.TrimSpace(idempotencyKey)).
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledgerdomain.ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}

// List implements domain.Service.
func (s *Service) List(ctx context.Context, req ledgerdomain.ListTransactionsRequest) (ledgerdomain.ListTransactionsResponse, error) {
	if req.MerchantID == 0 {
		return ledgerdomain.ListTransactionsResponse{}, ledgerdomain.ErrInvalidMerchant
	}

	filter := &ledgerdomain.Transaction{MerchantID: req.MerchantID}

	kind := ledgerdomain.TransactionKind(strings.ToUpper(strings.TrimSpace(req.Kind)))
	if kind != "" {
		if !ledgerdomain.ValidKind(kind) {
			return ledgerdomain.ListTransactionsResponse{}, ledgerdomain.ErrInvalidKind
		}
		filter.Kind = kind
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	options := []option.QueryOption{
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  pageSize,
		}),
		option.WithSortBy("created_at", "desc", map[string]bool{"created_at": true}),
		option.WithSortBy("id", "desc", map[string]bool{"id": true}),
	}

	if req.From != nil {
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "created_at",
			Operator: option.GTE,
			Value:    *req.From,
		}))
	}
	if req.To != nil {
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "created_at",
			Operator: option.LTE,
			Value:    *req.To,
		}))
	}

	items, err := s.transactionRepo.Find(ctx, filter, options...)
	if err != nil {
		return ledgerdomain.ListTransactionsResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(item *ledgerdomain.Transaction) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	transactions := make([]ledgerdomain.Transaction, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		transactions = append(transactions, *item)
	}

	resp := ledgerdomain.ListTransactionsResponse{Transactions: transactions}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	total, err := s.CountByMerchant(ctx, req.MerchantID)
	if err != nil {
		return ledgerdomain.ListTransactionsResponse{}, err
	}
	resp.PageInfo.Total = total

	return resp, nil
}

// CountByMerchant implements domain.Service.
func (s *Service) CountByMerchant(ctx context.Context, merchantID snowflake.ID) (int64, error) {
	return s.transactionRepo.Count(ctx, &ledgerdomain.Transaction{MerchantID: merchantID})
}

// SumByMerchant implements domain.Service.
func (s *Service) SumByMerchant(ctx context.Context, merchantID snowflake.ID) (int64, error) {
	var sum int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE merchant_id = ?`,
		merchantID,
	).Scan(&sum).Error
	if err != nil {
		return 0, err
	}
	return sum, nil
}
