// Package scheduler runs the period-rollover sweep. The aggregate exposes
// advancing a period as an explicit idempotent operation; this package is
// the external tick that invokes it for every MONTHLY subscription whose
// period end has passed.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/storesuite/billing/internal/clock"
	subscriptiondomain "github.com/storesuite/billing/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: missing required dependency")

const rolloverLockKey = "billing:scheduler:rollover"

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	Clock           clock.Clock
	SubscriptionSvc subscriptiondomain.Service
	Locker          *Locker `optional:"true"`
	Config          Config  `optional:"true"`
}

type Scheduler struct {
	db              *gorm.DB
	log             *zap.Logger
	cfg             Config
	clock           clock.Clock
	subscriptionSvc subscriptiondomain.Service
	locker          *Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.SubscriptionSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler"),
		cfg:             p.Config.withDefaults(),
		clock:           p.Clock,
		subscriptionSvc: p.SubscriptionSvc,
		locker:          p.Locker,
	}, nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("rollover sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one rollover sweep. With a Locker configured, at most one
// process sweeps at a time; others skip the tick.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, rolloverLockKey, s.cfg.LockTTL)
		if err != nil {
			return err
		}
		if !ok {
			s.log.Debug("rollover lock held elsewhere, skipping tick")
			return nil
		}
		defer func() {
			if err := s.locker.Release(ctx, rolloverLockKey, token); err != nil {
				s.log.Warn("rollover lock release failed", zap.Error(err))
			}
		}()
	}

	return s.RolloverJob(ctx)
}

// RolloverJob claims due subscriptions in batches and advances each one.
// AdvancePeriod is idempotent and version-guarded, so a row that slips past
// the claim is still safe.
func (s *Scheduler) RolloverJob(ctx context.Context) error {
	// A suspended unsettled subscription stays "due" after its no-op sweep,
	// so batches walk a merchant-id cursor rather than re-querying from the
	// start.
	var after snowflake.ID
	for {
		merchantIDs, err := s.fetchDueSubscriptions(ctx, after, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(merchantIDs) == 0 {
			return nil
		}

		for _, merchantID := range merchantIDs {
			if _, err := s.subscriptionSvc.AdvancePeriod(ctx, merchantID); err != nil {
				s.log.Error("advance period failed",
					zap.String("merchant_id", merchantID.String()),
					zap.Error(err),
				)
			}
		}

		if len(merchantIDs) < s.cfg.BatchSize {
			return nil
		}
		after = merchantIDs[len(merchantIDs)-1]
	}
}

func (s *Scheduler) fetchDueSubscriptions(ctx context.Context, after snowflake.ID, limit int) ([]snowflake.ID, error) {
	claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var merchantIDs []snowflake.ID
	err := s.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		query := `SELECT merchant_id
			 FROM subscriptions
			 WHERE type = ? AND status != ? AND current_period_end IS NOT NULL AND current_period_end <= ? AND merchant_id > ?
			 ORDER BY merchant_id
			 LIMIT ?`
		// sqlite has no row locks
		if tx.Dialector.Name() != "sqlite" {
			query += " FOR UPDATE SKIP LOCKED"
		}
		return tx.Raw(query,
			subscriptiondomain.PlanTypeMonthly,
			subscriptiondomain.StatusCancelled,
			s.clock.Now(),
			after,
			limit,
		).Scan(&merchantIDs).Error
	})
	if err != nil {
		return nil, err
	}
	return merchantIDs, nil
}
