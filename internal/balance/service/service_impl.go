package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/storesuite/billing/internal/balance/domain"
	"github.com/storesuite/billing/internal/clock"
	ledgerdomain "github.com/storesuite/billing/internal/ledger/domain"
	obsmetrics "github.com/storesuite/billing/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Config carries injected policy for balance writes. The overdraft floor is
// the lowest balance a debit may leave behind (default 0); RetryAttempts
// bounds compare-and-swap retries before ErrConcurrencyConflict surfaces.
type Config struct {
	OverdraftFloor int64
	RetryAttempts  int
}

func (c Config) withDefaults() Config {
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	return c
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	LedgerSvc  ledgerdomain.Service
	Config     Config              `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	ledgerSvc  ledgerdomain.Service
	obsMetrics *obsmetrics.Metrics

	handler balancedomain.ThresholdHandler
}

func NewService(p Params) balancedomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("balance.service"),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		ledgerSvc:  p.LedgerSvc,
		obsMetrics: p.ObsMetrics,
	}
}

// RegisterThresholdHandler implements domain.Service.
func (s *Service) RegisterThresholdHandler(h balancedomain.ThresholdHandler) {
	s.handler = h
}

// Get implements domain.Service.
func (s *Service) Get(ctx context.Context, merchantID snowflake.ID) (balancedomain.Balance, error) {
	var balance balancedomain.Balance
	err := s.db.WithContext(ctx).
		Where("merchant_id = ?", merchantID).
		First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return balancedomain.Balance{}, balancedomain.ErrBalanceNotFound
		}
		return balancedomain.Balance{}, err
	}
	return balance, nil
}

// Debit implements domain.Service.
func (s *Service) Debit(ctx context.Context, req balancedomain.DebitRequest) (*ledgerdomain.Transaction, error) {
	if req.Amount <= 0 {
		return nil, balancedomain.ErrInvalidAmount
	}
	kind := req.Kind
	if kind == "" {
		kind = ledgerdomain.KindOrderFeeDebit
	}

	return s.mutate(ctx, applyRequest{
		merchantID:     req.MerchantID,
		delta:          -req.Amount,
		kind:           kind,
		idempotencyKey: req.IdempotencyKey,
		description:    req.Description,
		relatedOrderID: req.RelatedOrderID,
		enforceFloor:   !req.SkipFloorCheck,
	})
}

// Credit implements domain.Service.
func (s *Service) Credit(ctx context.Context, req balancedomain.CreditRequest) (*ledgerdomain.Transaction, error) {
	if req.Amount <= 0 {
		return nil, balancedomain.ErrInvalidAmount
	}
	kind := req.Kind
	if kind == "" {
		kind = ledgerdomain.KindManualTopup
	}

	return s.mutate(ctx, applyRequest{
		merchantID:         req.MerchantID,
		delta:              req.Amount,
		kind:               kind,
		idempotencyKey:     req.IdempotencyKey,
		description:        req.Description,
		relatedVoucherCode: req.RelatedVoucherCode,
	})
}

// CreditTx implements domain.Service.
func (s *Service) CreditTx(ctx context.Context, tx *gorm.DB, req balancedomain.CreditRequest) (*ledgerdomain.Transaction, *balancedomain.ThresholdCrossing, error) {
	if req.Amount <= 0 {
		return nil, nil, balancedomain.ErrInvalidAmount
	}
	kind := req.Kind
	if kind == "" {
		kind = ledgerdomain.KindVoucherCredit
	}

	return s.applyTx(ctx, tx, applyRequest{
		merchantID:         req.MerchantID,
		delta:              req.Amount,
		kind:               kind,
		idempotencyKey:     req.IdempotencyKey,
		description:        req.Description,
		relatedVoucherCode: req.RelatedVoucherCode,
	})
}

type applyRequest struct {
	merchantID         snowflake.ID
	delta              int64
	kind               ledgerdomain.TransactionKind
	idempotencyKey     string
	description        string
	relatedOrderID     *string
	relatedVoucherCode *string
	enforceFloor       bool
}

// mutate runs one logical balance write with the bounded retry budget. Each
// attempt is its own transaction so a lost compare-and-swap leaves nothing
// behind.
func (s *Service) mutate(ctx context.Context, req applyRequest) (*ledgerdomain.Transaction, error) {
	for attempt := 0; attempt < s.cfg.RetryAttempts; attempt++ {
		var txn *ledgerdomain.Transaction
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			applied, crossing, err := s.applyTx(ctx, tx, req)
			if err != nil {
				return err
			}
			txn = applied

			if crossing != nil && s.handler != nil {
				return s.handler.OnBalanceThresholdCrossed(ctx, tx, *crossing)
			}
			return nil
		})
		if errors.Is(err, balancedomain.ErrStaleVersion) {
			if s.obsMetrics != nil {
				s.obsMetrics.RecordWriteConflict("balance")
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return txn, nil
	}

	s.log.Warn("balance write retry budget exhausted",
		zap.String("merchant_id", req.merchantID.String()),
		zap.String("idempotency_key", req.idempotencyKey),
	)
	return nil, balancedomain.ErrConcurrencyConflict
}

// applyTx performs one compare-and-swap attempt: replay check, floor check,
// version-guarded balance update and ledger append, all inside tx.
func (s *Service) applyTx(ctx context.Context, tx *gorm.DB, req applyRequest) (*ledgerdomain.Transaction, *balancedomain.ThresholdCrossing, error) {
	if req.merchantID == 0 {
		return nil, nil, ledgerdomain.ErrInvalidMerchant
	}
	if strings.TrimSpace(req.idempotencyKey) == "" {
		return nil, nil, ledgerdomain.ErrInvalidIdempotencyKey
	}

	// Replay: an idempotency key that already produced an entry resolves to
	// the stored result without touching the balance.
	existing, err := s.ledgerSvc.FindByIdempotencyKey(ctx, tx, req.merchantID, req.idempotencyKey)
	if err != nil && !errors.Is(err, ledgerdomain.ErrTransactionNotFound) {
		return nil, nil, err
	}
	if existing != nil {
		return existing, nil, nil
	}

	var balance balancedomain.Balance
	if err := tx.WithContext(ctx).
		Where("merchant_id = ?", req.merchantID).
		First(&balance).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, balancedomain.ErrBalanceNotFound
		}
		return nil, nil, err
	}

	newAmount := balance.Amount + req.delta
	if req.enforceFloor && newAmount < s.cfg.OverdraftFloor {
		return nil, nil, balancedomain.ErrInsufficientBalance
	}

	result := tx.WithContext(ctx).Exec(
		`UPDATE balances
		 SET amount = ?, version = version + 1, updated_at = ?
		 WHERE merchant_id = ? AND version = ?`,
		newAmount,
		s.clock.Now(),
		req.merchantID,
		balance.Version,
	)
	if result.Error != nil {
		return nil, nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil, balancedomain.ErrStaleVersion
	}

	txn, replayed, err := s.ledgerSvc.AppendTx(ctx, tx, ledgerdomain.TransactionDraft{
		MerchantID:         req.merchantID,
		Kind:               req.kind,
		Amount:             req.delta,
		BalanceBefore:      balance.Amount,
		BalanceAfter:       newAmount,
		Description:        req.description,
		RelatedOrderID:     req.relatedOrderID,
		RelatedVoucherCode: req.relatedVoucherCode,
		IdempotencyKey:     req.idempotencyKey,
	})
	if err != nil {
		return nil, nil, err
	}
	if replayed {
		// A racing writer committed the same key after our replay check; the
		// version guard should have caught it first. Retry resolves to the
		// stored entry.
		return nil, nil, balancedomain.ErrStaleVersion
	}

	var crossing *balancedomain.ThresholdCrossing
	switch {
	case balance.Amount <= 0 && newAmount > 0:
		crossing = &balancedomain.ThresholdCrossing{
			MerchantID: req.merchantID,
			Direction:  balancedomain.DirectionUp,
			Kind:       req.kind,
			NewBalance: newAmount,
		}
	case balance.Amount > 0 && newAmount <= 0:
		crossing = &balancedomain.ThresholdCrossing{
			MerchantID: req.merchantID,
			Direction:  balancedomain.DirectionDown,
			Kind:       req.kind,
			NewBalance: newAmount,
		}
	}

	return txn, crossing, nil
}
