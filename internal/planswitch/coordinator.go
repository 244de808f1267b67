// Package planswitch owns the flows that span more than one aggregate:
// order-fee debits that can suspend a merchant, voucher redemptions that can
// reactivate one, and the zero-crossing signal that ties credits to
// subscription state. Each flow commits as a single transaction.
package planswitch

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/storesuite/billing/internal/balance/domain"
	ledgerdomain "github.com/storesuite/billing/internal/ledger/domain"
	merchantdomain "github.com/storesuite/billing/internal/merchant/domain"
	obsmetrics "github.com/storesuite/billing/internal/observability/metrics"
	subscriptiondomain "github.com/storesuite/billing/internal/subscription/domain"
	voucherdomain "github.com/storesuite/billing/internal/voucher/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrSubscriptionNotActive = errors.New("subscription is not active")
	ErrPlanNotDeposit        = errors.New("merchant is not on a deposit plan")
)

const flowRetryAttempts = 3

// RedeemResult is what a successful redemption reports back to the API.
type RedeemResult struct {
	VoucherCode         string
	VoucherType         voucherdomain.VoucherType
	ValueApplied        int64
	NewBalance          int64
	TransactionID       snowflake.ID
	AutoSwitchTriggered bool
	PreviousType        *subscriptiondomain.PlanType
	PreviousStatus      *subscriptiondomain.Status
	NewType             *subscriptiondomain.PlanType
	NewStatus           *subscriptiondomain.Status
	Subscription        *subscriptiondomain.Subscription
}

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Policy          Policy `optional:"true"`
	BalanceSvc      balancedomain.Service
	VoucherSvc      voucherdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	MerchantSvc     merchantdomain.Service
	ObsMetrics      *obsmetrics.Metrics `optional:"true"`
}

type Coordinator struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	policy          Policy
	balanceSvc      balancedomain.Service
	voucherSvc      voucherdomain.Service
	subscriptionSvc subscriptiondomain.Service
	merchantSvc     merchantdomain.Service
	obsMetrics      *obsmetrics.Metrics
}

func NewCoordinator(p Params) *Coordinator {
	return &Coordinator{
		db:              p.DB,
		log:             p.Log.Named("planswitch.coordinator"),
		genID:           p.GenID,
		policy:          p.Policy,
		balanceSvc:      p.BalanceSvc,
		voucherSvc:      p.VoucherSvc,
		subscriptionSvc: p.SubscriptionSvc,
		merchantSvc:     p.MerchantSvc,
		obsMetrics:      p.ObsMetrics,
	}
}

// DebitOrderFee is the orders-subsystem entry point. The order id doubles as
// the idempotency key, so retries of the same order never debit twice. A
// debit that fails on insufficient balance suspends the merchant as its own
// atomic write after the failed attempt.
func (c *Coordinator) DebitOrderFee(ctx context.Context, merchantID snowflake.ID, orderID string, amount int64) (*ledgerdomain.Transaction, error) {
	sub, err := c.subscriptionSvc.Get(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	if sub.Status != subscriptiondomain.StatusActive {
		return nil, ErrSubscriptionNotActive
	}
	if sub.Type != subscriptiondomain.PlanTypeDeposit {
		return nil, ErrPlanNotDeposit
	}

	txn, err := c.balanceSvc.Debit(ctx, balancedomain.DebitRequest{
		MerchantID:     merchantID,
		Amount:         amount,
		Kind:           ledgerdomain.KindOrderFeeDebit,
		IdempotencyKey: orderID,
		Description:    fmt.Sprintf("Order fee for order %s", orderID),
		RelatedOrderID: &orderID,
	})
	if errors.Is(err, balancedomain.ErrInsufficientBalance) {
		if suspendErr := c.suspendForExhaustion(ctx, merchantID, orderID); suspendErr != nil {
			c.log.Error("failed to suspend after exhausted debit",
				zap.String("merchant_id", merchantID.String()),
				zap.String("order_id", orderID),
				zap.Error(suspendErr),
			)
		}
		return nil, err
	}
	return txn, err
}

// RedeemVoucher runs registry claim, balance credit, redemption record and
// any policy-driven reactivation as one transaction.
func (c *Coordinator) RedeemVoucher(ctx context.Context, merchantID snowflake.ID, code string) (*RedeemResult, error) {
	merchant, err := c.merchantSvc.GetByID(ctx, merchantID)
	if err != nil {
		return nil, err
	}

	flowID := c.genID.Generate().String()

	for attempt := 0; attempt < flowRetryAttempts; attempt++ {
		var result *RedeemResult
		err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			applied, err := c.redeemTx(ctx, tx, merchant, code, flowID)
			if err != nil {
				return err
			}
			result = applied
			return nil
		})
		if errors.Is(err, balancedomain.ErrStaleVersion) || errors.Is(err, subscriptiondomain.ErrStaleVersion) {
			if c.obsMetrics != nil {
				c.obsMetrics.RecordWriteConflict("redeem")
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		if c.obsMetrics != nil {
			c.obsMetrics.RecordVoucherRedemption()
		}
		return result, nil
	}
	return nil, balancedomain.ErrConcurrencyConflict
}

func (c *Coordinator) redeemTx(ctx context.Context, tx *gorm.DB, merchant merchantdomain.Merchant, code, flowID string) (*RedeemResult, error) {
	voucher, err := c.voucherSvc.ConsumeTx(ctx, tx, merchant.ID, code)
	if err != nil {
		return nil, err
	}
	if voucher.Currency != merchant.Currency {
		return nil, voucherdomain.ErrVoucherCurrency
	}

	effect, err := voucherdomain.EffectOf(*voucher)
	if err != nil {
		return nil, err
	}

	credit, ok := effect.(voucherdomain.BalanceCredit)
	if !ok {
		return nil, voucherdomain.ErrInvalidVoucherType
	}

	// One key per claimed usage keeps repeated redemptions of the same code
	// distinct in the ledger.
	idempotencyKey := fmt.Sprintf("voucher:%s:%d", voucher.ID, voucher.CurrentUsage)

	txn, _, err := c.balanceSvc.CreditTx(ctx, tx, balancedomain.CreditRequest{
		MerchantID:         merchant.ID,
		Amount:             credit.Amount,
		Kind:               ledgerdomain.KindVoucherCredit,
		IdempotencyKey:     idempotencyKey,
		Description:        fmt.Sprintf("Voucher %s redeemed", voucher.Code),
		RelatedVoucherCode: &voucher.Code,
	})
	if err != nil {
		return nil, err
	}

	if err := c.voucherSvc.RecordRedemptionTx(ctx, tx, voucherdomain.Redemption{
		VoucherID:     voucher.ID,
		MerchantID:    merchant.ID,
		TransactionID: txn.ID,
		ValueApplied:  credit.Amount,
	}); err != nil {
		return nil, err
	}

	result := &RedeemResult{
		VoucherCode:   voucher.Code,
		VoucherType:   voucher.Type,
		ValueApplied:  credit.Amount,
		NewBalance:    txn.BalanceAfter,
		TransactionID: txn.ID,
	}

	sub, err := c.subscriptionSvc.GetTx(ctx, tx, merchant.ID)
	if err != nil {
		return nil, err
	}

	if eligibleForReactivation(sub) && c.policy.ReactivationMet(txn.BalanceAfter, merchant.OrderFee) {
		updated, err := c.subscriptionSvc.TransitionTx(ctx, tx, subscriptiondomain.Transition{
			MerchantID: merchant.ID,
			NewStatus:  subscriptiondomain.StatusActive,
			Cause:      subscriptiondomain.CauseVoucherRedemption,
			FlowID:     &flowID,
			Metadata: map[string]interface{}{
				"voucher_code":  voucher.Code,
				"balance_after": txn.BalanceAfter,
			},
		})
		if err != nil {
			return nil, err
		}

		result.AutoSwitchTriggered = true
		result.PreviousType = &sub.Type
		result.PreviousStatus = &sub.Status
		result.NewType = &updated.Type
		result.NewStatus = &updated.Status
		result.Subscription = updated
	} else {
		result.Subscription = &sub
	}

	return result, nil
}

// OnBalanceThresholdCrossed implements balancedomain.ThresholdHandler. An
// upward crossing reactivates a deposit merchant suspended for insufficient
// balance, inside the same transaction as the credit that caused it.
// Downward crossings carry no transition: suspension happens when a debit
// actually fails, not when the balance reaches zero.
func (c *Coordinator) OnBalanceThresholdCrossed(ctx context.Context, tx *gorm.DB, crossing balancedomain.ThresholdCrossing) error {
	if crossing.Direction != balancedomain.DirectionUp {
		c.log.Debug("balance crossed below zero threshold",
			zap.String("merchant_id", crossing.MerchantID.String()),
			zap.Int64("balance", crossing.NewBalance),
		)
		return nil
	}

	sub, err := c.subscriptionSvc.GetTx(ctx, tx, crossing.MerchantID)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
			return nil
		}
		return err
	}
	if !eligibleForReactivation(sub) {
		return nil
	}

	var orderFee int64
	if err := tx.WithContext(ctx).
		Raw(`SELECT order_fee FROM merchants WHERE id = ?`, crossing.MerchantID).
		Scan(&orderFee).Error; err != nil {
		return err
	}
	if !c.policy.ReactivationMet(crossing.NewBalance, orderFee) {
		return nil
	}

	cause := subscriptiondomain.CauseManual
	if crossing.Kind == ledgerdomain.KindVoucherCredit {
		cause = subscriptiondomain.CauseVoucherRedemption
	}

	_, err = c.subscriptionSvc.TransitionTx(ctx, tx, subscriptiondomain.Transition{
		MerchantID: crossing.MerchantID,
		NewStatus:  subscriptiondomain.StatusActive,
		Cause:      cause,
		Metadata: map[string]interface{}{
			"kind":          string(crossing.Kind),
			"balance_after": crossing.NewBalance,
		},
	})
	return err
}

func (c *Coordinator) suspendForExhaustion(ctx context.Context, merchantID snowflake.ID, orderID string) error {
	for attempt := 0; attempt < flowRetryAttempts; attempt++ {
		err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			sub, err := c.subscriptionSvc.GetTx(ctx, tx, merchantID)
			if err != nil {
				return err
			}
			if sub.Status != subscriptiondomain.StatusActive {
				return nil
			}

			reason := subscriptiondomain.SuspendReasonInsufficientBalance
			_, err = c.subscriptionSvc.TransitionTx(ctx, tx, subscriptiondomain.Transition{
				MerchantID:    merchantID,
				NewStatus:     subscriptiondomain.StatusSuspended,
				Cause:         subscriptiondomain.CauseOrderFeeExhaustion,
				SuspendReason: &reason,
				FlowID:        &orderID,
				Metadata: map[string]interface{}{
					"order_id": orderID,
				},
			})
			return err
		})
		if errors.Is(err, subscriptiondomain.ErrStaleVersion) {
			continue
		}
		return err
	}
	return subscriptiondomain.ErrStaleVersion
}

func eligibleForReactivation(sub subscriptiondomain.Subscription) bool {
	return sub.Type == subscriptiondomain.PlanTypeDeposit &&
		sub.Status == subscriptiondomain.StatusSuspended &&
		sub.SuspendReason != nil &&
		*sub.SuspendReason == subscriptiondomain.SuspendReasonInsufficientBalance
}
