package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/storesuite/billing/internal/clock"
	subscriptiondomain "github.com/storesuite/billing/internal/subscription/domain"
	subscriptionservice "github.com/storesuite/billing/internal/subscription/service"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupScheduler(t *testing.T, clk clock.Clock, cfg Config) (*Scheduler, subscriptiondomain.Service, *gorm.DB, *snowflake.Node) {
	t.Helper()

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := db.AutoMigrate(&subscriptiondomain.Subscription{}, &subscriptiondomain.HistoryEntry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	subSvc := subscriptionservice.NewService(subscriptionservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
	})

	sched, err := New(Params{
		DB:              db,
		Log:             zap.NewNop(),
		Clock:           clk,
		SubscriptionSvc: subSvc,
		Config:          cfg,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return sched, subSvc, db, node
}

func seedMonthly(t *testing.T, db *gorm.DB, merchantID snowflake.ID, end time.Time, settled bool) {
	t.Helper()
	start := end.AddDate(0, -1, 0)
	sub := subscriptiondomain.Subscription{
		MerchantID:         merchantID,
		Type:               subscriptiondomain.PlanTypeMonthly,
		Status:             subscriptiondomain.StatusActive,
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
		CreatedAt:          start,
		UpdatedAt:          start,
	}
	if settled {
		paid := start.Add(24 * time.Hour)
		sub.PeriodPaidAt = &paid
	}
	if err := db.Create(&sub).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
}

func TestRunOnceAdvancesDueSubscriptions(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 30, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	sched, subSvc, db, node := setupScheduler(t, clk, Config{BatchSize: 2})
	ctx := context.Background()

	end := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	futureEnd := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	settledDue := node.Generate()
	unsettledDue := node.Generate()
	notDue := node.Generate()
	seedMonthly(t, db, settledDue, end, true)
	seedMonthly(t, db, unsettledDue, end, false)
	seedMonthly(t, db, notDue, futureEnd, false)

	if err := sched.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	rolled, err := subSvc.Get(ctx, settledDue)
	if err != nil {
		t.Fatalf("get rolled: %v", err)
	}
	if !rolled.CurrentPeriodEnd.Equal(end.AddDate(0, 1, 0)) {
		t.Fatalf("settled subscription not rolled: %v", rolled.CurrentPeriodEnd)
	}
	if rolled.Status != subscriptiondomain.StatusActive {
		t.Fatalf("rolled subscription status: %s", rolled.Status)
	}

	suspended, err := subSvc.Get(ctx, unsettledDue)
	if err != nil {
		t.Fatalf("get suspended: %v", err)
	}
	if suspended.Status != subscriptiondomain.StatusSuspended {
		t.Fatalf("unsettled subscription not suspended: %s", suspended.Status)
	}
	if suspended.SuspendReason == nil || *suspended.SuspendReason != subscriptiondomain.SuspendReasonPaymentFailure {
		t.Fatalf("suspend reason: %+v", suspended.SuspendReason)
	}

	untouched, err := subSvc.Get(ctx, notDue)
	if err != nil {
		t.Fatalf("get untouched: %v", err)
	}
	if !untouched.CurrentPeriodEnd.Equal(futureEnd) || untouched.Status != subscriptiondomain.StatusActive {
		t.Fatalf("future subscription was touched: %+v", untouched)
	}
}

func TestRunOnceIsIdempotentAcrossTicks(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 30, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	sched, _, db, node := setupScheduler(t, clk, Config{BatchSize: 1})
	ctx := context.Background()

	end := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	// More due rows than one batch, including one that stays due after its
	// sweep because it gets suspended instead of rolled.
	seedMonthly(t, db, node.Generate(), end, true)
	seedMonthly(t, db, node.Generate(), end, false)
	seedMonthly(t, db, node.Generate(), end, true)

	for tick := 0; tick < 3; tick++ {
		if err := sched.RunOnce(ctx); err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
	}

	var count int64
	if err := db.Model(&subscriptiondomain.HistoryEntry{}).Count(&count).Error; err != nil {
		t.Fatalf("history count: %v", err)
	}
	// Two rollovers plus one suspension, regardless of how many ticks ran.
	if count != 3 {
		t.Fatalf("expected 3 history entries, got %d", count)
	}
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	if _, err := New(Params{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
