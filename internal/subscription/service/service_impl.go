package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/storesuite/billing/internal/clock"
	obsmetrics "github.com/storesuite/billing/internal/observability/metrics"
	subscriptiondomain "github.com/storesuite/billing/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
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
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("subscription.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

const writeRetryAttempts = 3

// Get implements domain.Service.
func (s *Service) Get(ctx context.Context, merchantID snowflake.ID) (subscriptiondomain.Subscription, error) {
	return s.GetTx(ctx, s.db, merchantID)
}

// GetTx implements domain.Service.
func (s *Service) GetTx(ctx context.Context, tx *gorm.DB, merchantID snowflake.ID) (subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := tx.WithContext(ctx).
		Where("merchant_id = ?", merchantID).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
		}
		return subscriptiondomain.Subscription{}, err
	}
	return sub, nil
}

// TransitionTx implements domain.Service.
func (s *Service) TransitionTx(ctx context.Context, tx *gorm.DB, t subscriptiondomain.Transition) (*subscriptiondomain.Subscription, error) {
	current, err := s.GetTx(ctx, tx, t.MerchantID)
	if err != nil {
		return nil, err
	}

	next := current
	if t.NewType != "" {
		next.Type = t.NewType
	}
	if t.NewStatus != "" {
		next.Status = t.NewStatus
	}

	now := s.clock.Now()
	switch {
	case next.Status == subscriptiondomain.StatusSuspended && current.Status != subscriptiondomain.StatusSuspended:
		next.SuspendedAt = &now
		next.SuspendReason = t.SuspendReason
	case next.Status == subscriptiondomain.StatusActive && current.Status != subscriptiondomain.StatusActive:
		next.SuspendedAt = nil
		next.SuspendReason = nil
	}

	return s.applyTx(ctx, tx, current, next, t.Cause, t.FlowID, t.Metadata)
}

// SwitchPlan implements domain.Service.
func (s *Service) SwitchPlan(ctx context.Context, merchantID snowflake.ID, requested subscriptiondomain.PlanType) (*subscriptiondomain.Subscription, error) {
	if requested != subscriptiondomain.PlanTypeDeposit && requested != subscriptiondomain.PlanTypeMonthly {
		return nil, subscriptiondomain.ErrInvalidPlanType
	}

	return s.mutate(ctx, func(tx *gorm.DB) (*subscriptiondomain.Subscription, error) {
		current, err := s.GetTx(ctx, tx, merchantID)
		if err != nil {
			return nil, err
		}

		check, err := s.evaluateSwitch(ctx, tx, current, requested)
		if err != nil {
			return nil, err
		}
		if !check.Allowed {
			return nil, fmt.Errorf("%w: %s", subscriptiondomain.ErrSwitchNotAllowed, check.Reason)
		}

		now := s.clock.Now()
		next := current
		next.Type = requested
		if requested == subscriptiondomain.PlanTypeMonthly {
			end := now.AddDate(0, 1, 0)
			next.CurrentPeriodStart = &now
			next.CurrentPeriodEnd = &end
			next.PeriodPaidAt = nil
		} else {
			next.CurrentPeriodStart = nil
			next.CurrentPeriodEnd = nil
			next.PeriodPaidAt = nil
		}

		return s.applyTx(ctx, tx, current, next, subscriptiondomain.CauseManualSwitch, nil, map[string]interface{}{
			"from": string(current.Type),
			"to":   string(requested),
		})
	})
}

// CanSwitch implements domain.Service.
func (s *Service) CanSwitch(ctx context.Context, merchantID snowflake.ID, requested subscriptiondomain.PlanType) (subscriptiondomain.SwitchCheck, error) {
	if requested != subscriptiondomain.PlanTypeDeposit && requested != subscriptiondomain.PlanTypeMonthly {
		return subscriptiondomain.SwitchCheck{}, subscriptiondomain.ErrInvalidPlanType
	}

	current, err := s.Get(ctx, merchantID)
	if err != nil {
		return subscriptiondomain.SwitchCheck{}, err
	}
	return s.evaluateSwitch(ctx, s.db, current, requested)
}

// AdvancePeriod implements domain.Service.
func (s *Service) AdvancePeriod(ctx context.Context, merchantID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return s.mutate(ctx, func(tx *gorm.DB) (*subscriptiondomain.Subscription, error) {
		current, err := s.GetTx(ctx, tx, merchantID)
		if err != nil {
			return nil, err
		}

		if current.Type != subscriptiondomain.PlanTypeMonthly ||
			current.Status == subscriptiondomain.StatusCancelled ||
			current.CurrentPeriodEnd == nil {
			return &current, nil
		}

		now := s.clock.Now()
		if now.Before(*current.CurrentPeriodEnd) {
			return &current, nil
		}

		if !current.PeriodSettled() {
			if current.Status == subscriptiondomain.StatusSuspended {
				// Already suspended for this unsettled period.
				return &current, nil
			}
			reason := subscriptiondomain.SuspendReasonPaymentFailure
			next := current
			next.Status = subscriptiondomain.StatusSuspended
			next.SuspendedAt = &now
			next.SuspendReason = &reason
			return s.applyTx(ctx, tx, current, next, subscriptiondomain.CausePaymentFailure, nil, map[string]interface{}{
				"period_end": current.CurrentPeriodEnd.UTC().Format(time.RFC3339),
			})
		}

		start := *current.CurrentPeriodEnd
		end := start.AddDate(0, 1, 0)
		next := current
		next.CurrentPeriodStart = &start
		next.CurrentPeriodEnd = &end
		next.PeriodPaidAt = nil

		sub, err := s.applyTx(ctx, tx, current, next, subscriptiondomain.CausePeriodRollover, nil, map[string]interface{}{
			"period_start": start.UTC().Format(time.RFC3339),
			"period_end":   end.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return nil, err
		}
		if s.obsMetrics != nil {
			s.obsMetrics.RecordRolloverAdvance()
		}
		return sub, nil
	})
}

// MarkPeriodPaid implements domain.Service. Settling the period of a
// merchant suspended for payment failure also reactivates them.
func (s *Service) MarkPeriodPaid(ctx context.Context, merchantID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return s.mutate(ctx, func(tx *gorm.DB) (*subscriptiondomain.Subscription, error) {
		current, err := s.GetTx(ctx, tx, merchantID)
		if err != nil {
			return nil, err
		}

		if current.Type != subscriptiondomain.PlanTypeMonthly {
			return nil, fmt.Errorf("%w: %s plan has no billing period", subscriptiondomain.ErrInvalidTransition, current.Type)
		}
		if current.Status == subscriptiondomain.StatusCancelled {
			return nil, subscriptiondomain.ErrInvalidTransition
		}
		if current.PeriodSettled() {
			return &current, nil
		}

		now := s.clock.Now()
		next := current
		next.PeriodPaidAt = &now

		cause := subscriptiondomain.CauseManual
		if current.Status == subscriptiondomain.StatusSuspended &&
			current.SuspendReason != nil && *current.SuspendReason == subscriptiondomain.SuspendReasonPaymentFailure {
			next.Status = subscriptiondomain.StatusActive
			next.SuspendedAt = nil
			next.SuspendReason = nil
		}

		return s.applyTx(ctx, tx, current, next, cause, nil, map[string]interface{}{
			"paid_at": now.UTC().Format(time.RFC3339),
		})
	})
}

// Cancel implements domain.Service.
func (s *Service) Cancel(ctx context.Context, merchantID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return s.mutate(ctx, func(tx *gorm.DB) (*subscriptiondomain.Subscription, error) {
		current, err := s.GetTx(ctx, tx, merchantID)
		if err != nil {
			return nil, err
		}

		next := current
		next.Status = subscriptiondomain.StatusCancelled
		return s.applyTx(ctx, tx, current, next, subscriptiondomain.CauseManual, nil, nil)
	})
}

// History implements domain.Service.
func (s *Service) History(ctx context.Context, merchantID snowflake.ID, limit int) ([]subscriptiondomain.HistoryEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var entries []subscriptiondomain.HistoryEntry
	err := s.db.WithContext(ctx).
		Where("merchant_id = ?", merchantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// mutate wraps one logical subscription write with the version-race retry
// budget; each attempt runs in its own transaction.
func (s *Service) mutate(ctx context.Context, fn func(tx *gorm.DB) (*subscriptiondomain.Subscription, error)) (*subscriptiondomain.Subscription, error) {
	for attempt := 0; attempt < writeRetryAttempts; attempt++ {
		var sub *subscriptiondomain.Subscription
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			applied, err := fn(tx)
			if err != nil {
				return err
			}
			sub = applied
			return nil
		})
		if errors.Is(err, subscriptiondomain.ErrStaleVersion) {
			if s.obsMetrics != nil {
				s.obsMetrics.RecordWriteConflict("subscription")
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return sub, nil
	}
	return nil, subscriptiondomain.ErrStaleVersion
}

// applyTx performs the version-guarded update plus history append for one
// transition. Status changes must pass the transition table; type and period
// bookkeeping is the caller's responsibility.
func (s *Service) applyTx(ctx context.Context, tx *gorm.DB, current, next subscriptiondomain.Subscription, cause subscriptiondomain.TransitionCause, flowID *string, metadata map[string]interface{}) (*subscriptiondomain.Subscription, error) {
	if next.Status != current.Status && !isTransitionAllowed(current.Status, next.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", subscriptiondomain.ErrInvalidTransition, current.Status, next.Status)
	}
	if current.Status == subscriptiondomain.StatusCancelled {
		return nil, fmt.Errorf("%w: subscription is cancelled", subscriptiondomain.ErrInvalidTransition)
	}

	now := s.clock.Now()
	result := tx.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET type = ?, status = ?,
		     current_period_start = ?, current_period_end = ?, period_paid_at = ?,
		     suspended_at = ?, suspend_reason = ?,
		     version = version + 1, updated_at = ?
		 WHERE merchant_id = ? AND version = ?`,
		next.Type, next.Status,
		next.CurrentPeriodStart, next.CurrentPeriodEnd, next.PeriodPaidAt,
		next.SuspendedAt, next.SuspendReason,
		now,
		current.MerchantID, current.Version,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, subscriptiondomain.ErrStaleVersion
	}

	entry := subscriptiondomain.HistoryEntry{
		ID:             s.genID.Generate(),
		MerchantID:     current.MerchantID,
		PreviousType:   current.Type,
		PreviousStatus: current.Status,
		NewType:        next.Type,
		NewStatus:      next.Status,
		Cause:          cause,
		FlowID:         flowID,
		Metadata:       datatypes.JSONMap(metadata),
		CreatedAt:      now,
	}
	if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordTransition(string(cause))
	}
	s.log.Info("subscription transition",
		zap.String("merchant_id", current.MerchantID.String()),
		zap.String("from", fmt.Sprintf("%s/%s", current.Type, current.Status)),
		zap.String("to", fmt.Sprintf("%s/%s", next.Type, next.Status)),
		zap.String("cause", string(cause)),
	)

	next.Version = current.Version + 1
	next.UpdatedAt = now
	return &next, nil
}

// evaluateSwitch applies the plan-switch rules against the current balance
// and merchant pricing. Cross-domain reads stay raw SQL so the aggregates do
// not depend on each other's services.
func (s *Service) evaluateSwitch(ctx context.Context, db *gorm.DB, current subscriptiondomain.Subscription, requested subscriptiondomain.PlanType) (subscriptiondomain.SwitchCheck, error) {
	if current.Status != subscriptiondomain.StatusActive {
		return subscriptiondomain.SwitchCheck{Reason: fmt.Sprintf("subscription is %s", current.Status)}, nil
	}
	if current.Type == requested {
		return subscriptiondomain.SwitchCheck{Reason: fmt.Sprintf("already on %s plan", requested)}, nil
	}

	var balance int64
	err := db.WithContext(ctx).
		Raw(`SELECT amount FROM balances WHERE merchant_id = ?`, current.MerchantID).
		Scan(&balance).Error
	if err != nil {
		return subscriptiondomain.SwitchCheck{}, err
	}

	switch requested {
	case subscriptiondomain.PlanTypeMonthly:
		if balance < 0 {
			return subscriptiondomain.SwitchCheck{Reason: "balance is negative"}, nil
		}
		return subscriptiondomain.SwitchCheck{Allowed: true}, nil

	case subscriptiondomain.PlanTypeDeposit:
		if current.CurrentPeriodEnd != nil && !s.clock.Now().Before(*current.CurrentPeriodEnd) {
			return subscriptiondomain.SwitchCheck{Allowed: true}, nil
		}
		if !current.PeriodSettled() {
			return subscriptiondomain.SwitchCheck{Reason: "current billing period is not settled"}, nil
		}

		var depositMinimum int64
		err := db.WithContext(ctx).
			Raw(`SELECT deposit_minimum FROM merchants WHERE id = ?`, current.MerchantID).
			Scan(&depositMinimum).Error
		if err != nil {
			return subscriptiondomain.SwitchCheck{}, err
		}
		if balance < depositMinimum {
			return subscriptiondomain.SwitchCheck{Reason: "balance is below the deposit minimum"}, nil
		}
		return subscriptiondomain.SwitchCheck{Allowed: true}, nil

	default:
		return subscriptiondomain.SwitchCheck{}, subscriptiondomain.ErrInvalidPlanType
	}
}

func isTransitionAllowed(current, target subscriptiondomain.Status) bool {
	switch current {
	case subscriptiondomain.StatusActive:
		return target == subscriptiondomain.StatusSuspended || target == subscriptiondomain.StatusCancelled
	case subscriptiondomain.StatusSuspended:
		return target == subscriptiondomain.StatusActive || target == subscriptiondomain.StatusCancelled
	case subscriptiondomain.StatusCancelled:
		return false
	default:
		return false
	}
}
