package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/storesuite/billing/internal/balance/domain"
	"github.com/storesuite/billing/internal/clock"
	ledgerdomain "github.com/storesuite/billing/internal/ledger/domain"
	ledgerservice "github.com/storesuite/billing/internal/ledger/service"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

func setupBalance(t *testing.T, node *snowflake.Node, clk clock.Clock) (balancedomain.Service, ledgerdomain.Service, *gorm.DB) {
	t.Helper()

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
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	if err := db.AutoMigrate(&ledgerdomain.Transaction{}, &balancedomain.Balance{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
	})
	balanceSvc := NewService(Params{
		DB:        db,
		Log:       zap.NewNop(),
		Clock:     clk,
		LedgerSvc: ledgerSvc,
	})
	return balanceSvc, ledgerSvc, db
}

func seedBalance(t *testing.T, db *gorm.DB, merchantID snowflake.ID, amount int64) {
	t.Helper()
	err := db.Create(&balancedomain.Balance{
		MerchantID: merchantID,
		Amount:     amount,
		Version:    0,
		UpdatedAt:  time.Now().UTC(),
	}).Error
	if err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

func TestDebitFailsOnInsufficientBalance(t *testing.T) {
	node := mustNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	svc, _, db := setupBalance(t, node, clk)
	ctx := context.Background()
	merchantID := node.Generate()
	seedBalance(t, db, merchantID, 50)

	_, err := svc.Debit(ctx, balancedomain.DebitRequest{
		MerchantID:     merchantID,
		Amount:         100,
		IdempotencyKey: "order-1",
	})
	if !errors.Is(err, balancedomain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	balance, err := svc.Get(ctx, merchantID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if balance.Amount != 50 {
		t.Fatalf("failed debit changed the balance: %d", balance.Amount)
	}
	if balance.Version != 0 {
		t.Fatalf("failed debit bumped the version: %d", balance.Version)
	}
}

func TestDebitSkipFloorCheckGoesNegative(t *testing.T) {
	node := mustNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	svc, _, db := setupBalance(t, node, clk)
	ctx := context.Background()
	merchantID := node.Generate()
	seedBalance(t, db, merchantID, 50)

	txn, err := svc.Debit(ctx, balancedomain.DebitRequest{
		MerchantID:     merchantID,
		Amount:         120,
		Kind:           ledgerdomain.KindAdjustment,
		IdempotencyKey: "adjust-1",
		SkipFloorCheck: true,
	})
	if err != nil {
		t.Fatalf("floorless debit: %v", err)
	}
	if txn.BalanceAfter != -70 {
		t.Fatalf("expected balance after -70, got %d", txn.BalanceAfter)
	}

	balance, err := svc.Get(ctx, merchantID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if balance.Amount != -70 {
		t.Fatalf("expected -70, got %d", balance.Amount)
	}
}

func TestDebitReplaysIdempotencyKey(t *testing.T) {
	node := mustNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	svc, _, db := setupBalance(t, node, clk)
	ctx := context.Background()
	merchantID := node.Generate()
	seedBalance(t, db, merchantID, 1000)

	req := balancedomain.DebitRequest{
		MerchantID:     merchantID,
		Amount:         100,
		IdempotencyKey: "order-42",
	}

	first, err := svc.Debit(ctx, req)
	if err != nil {
		t.Fatalf("debit first: %v", err)
	}
	second, err := svc.Debit(ctx, req)
	if err != nil {
		t.Fatalf("debit replay: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay produced a new entry: %s vs %s", second.ID, first.ID)
	}

	balance, err := svc.Get(ctx, merchantID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if balance.Amount != 900 {
		t.Fatalf("replay debited twice, balance %d", balance.Amount)
	}
}

func TestConcurrentDebitsStopExactlyAtZero(t *testing.T) {
	node := mustNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	svc, ledgerSvc, db := setupBalance(t, node, clk)
	ctx := context.Background()
	merchantID := node.Generate()
	seedBalance(t, db, merchantID, 0)

	if _, err := svc.Credit(ctx, balancedomain.CreditRequest{
		MerchantID:     merchantID,
		Amount:         1000,
		IdempotencyKey: "topup-1",
	}); err != nil {
		t.Fatalf("credit: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Debit(ctx, balancedomain.DebitRequest{
				MerchantID:     merchantID,
				Amount:         100,
				IdempotencyKey: fmt.Sprintf("order-%d", i),
			})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var ok, insufficient int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, balancedomain.ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected debit error: %v", err)
		}
	}
	if ok != 10 || insufficient != 10 {
		t.Fatalf("expected 10 debits and 10 rejections, got %d/%d", ok, insufficient)
	}

	balance, err := svc.Get(ctx, merchantID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if balance.Amount != 0 {
		t.Fatalf("expected balance 0, got %d", balance.Amount)
	}

	sum, err := ledgerSvc.SumByMerchant(ctx, merchantID)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum != balance.Amount {
		t.Fatalf("ledger sum %d does not match balance %d", sum, balance.Amount)
	}

	count, err := ledgerSvc.CountByMerchant(ctx, merchantID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 11 {
		t.Fatalf("expected 11 ledger entries, got %d", count)
	}
}

func TestLedgerEntriesChainBalances(t *testing.T) {
	node := mustNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	svc, _, db := setupBalance(t, node, clk)
	ctx := context.Background()
	merchantID := node.Generate()
	seedBalance(t, db, merchantID, 0)

	ops := []struct {
		credit bool
		amount int64
	}{
		{true, 500},
		{false, 120},
		{true, 80},
		{false, 60},
	}
	for i, op := range ops {
		clk.Advance(time.Second)
		var err error
		if op.credit {
			_, err = svc.Credit(ctx, balancedomain.CreditRequest{
				MerchantID: merchantID, Amount: op.amount, IdempotencyKey: fmt.Sprintf("chain-%d", i),
			})
		} else {
			_, err = svc.Debit(ctx, balancedomain.DebitRequest{
				MerchantID: merchantID, Amount: op.amount, IdempotencyKey: fmt.Sprintf("chain-%d", i),
			})
		}
		if err != nil {
			t.Fatalf("op %d: %v", i, err)
		}
	}

	var entries []ledgerdomain.Transaction
	err := db.Where("merchant_id = ?", merchantID).Order("created_at ASC, id ASC").Find(&entries).Error
	if err != nil {
		t.Fatalf("load entries: %v", err)
	}
	running := int64(0)
	for i, entry := range entries {
		if entry.BalanceBefore != running {
			t.Fatalf("entry %d: balance_before %d, expected %d", i, entry.BalanceBefore, running)
		}
		if entry.BalanceAfter != entry.BalanceBefore+entry.Amount {
			t.Fatalf("entry %d breaks the entry invariant: %+v", i, entry)
		}
		running = entry.BalanceAfter
	}
	if running != 400 {
		t.Fatalf("expected final balance 400, got %d", running)
	}
}

type crossingRecorder struct {
	mu        sync.Mutex
	crossings []balancedomain.ThresholdCrossing
}

func (r *crossingRecorder) OnBalanceThresholdCrossed(ctx context.Context, tx *gorm.DB, crossing balancedomain.ThresholdCrossing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.crossings = append(r.crossings, crossing)
	return nil
}

func (r *crossingRecorder) All() []balancedomain.ThresholdCrossing {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]balancedomain.ThresholdCrossing(nil), r.crossings...)
}

func TestThresholdCrossingsFireInsideMutation(t *testing.T) {
	node := mustNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	svc, _, db := setupBalance(t, node, clk)
	ctx := context.Background()
	merchantID := node.Generate()
	seedBalance(t, db, merchantID, 100)

	recorder := &crossingRecorder{}
	svc.RegisterThresholdHandler(recorder)

	if _, err := svc.Debit(ctx, balancedomain.DebitRequest{
		MerchantID: merchantID, Amount: 100, IdempotencyKey: "down-1",
	}); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if _, err := svc.Credit(ctx, balancedomain.CreditRequest{
		MerchantID: merchantID, Amount: 50, IdempotencyKey: "up-1",
	}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	// Already positive, no crossing.
	if _, err := svc.Credit(ctx, balancedomain.CreditRequest{
		MerchantID: merchantID, Amount: 50, IdempotencyKey: "up-2",
	}); err != nil {
		t.Fatalf("credit: %v", err)
	}

	crossings := recorder.All()
	if len(crossings) != 2 {
		t.Fatalf("expected 2 crossings, got %d", len(crossings))
	}
	if crossings[0].Direction != balancedomain.DirectionDown || crossings[0].NewBalance != 0 {
		t.Fatalf("unexpected first crossing: %+v", crossings[0])
	}
	if crossings[1].Direction != balancedomain.DirectionUp || crossings[1].NewBalance != 50 {
		t.Fatalf("unexpected second crossing: %+v", crossings[1])
	}
	if crossings[1].Kind != ledgerdomain.KindManualTopup {
		t.Fatalf("crossing kind %s, expected MANUAL_TOPUP", crossings[1].Kind)
	}
}
