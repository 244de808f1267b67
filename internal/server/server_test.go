package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	analyticsservice "github.com/storesuite/billing/internal/analytics/service"
	balancedomain "github.com/storesuite/billing/internal/balance/domain"
	balanceservice "github.com/storesuite/billing/internal/balance/service"
	"github.com/storesuite/billing/internal/clock"
	"github.com/storesuite/billing/internal/config"
	ledgerdomain "github.com/storesuite/billing/internal/ledger/domain"
	ledgerservice "github.com/storesuite/billing/internal/ledger/service"
	merchantdomain "github.com/storesuite/billing/internal/merchant/domain"
	merchantservice "github.com/storesuite/billing/internal/merchant/service"
	"github.com/storesuite/billing/internal/planswitch"
	subscriptiondomain "github.com/storesuite/billing/internal/subscription/domain"
	subscriptionservice "github.com/storesuite/billing/internal/subscription/service"
	voucherdomain "github.com/storesuite/billing/internal/voucher/domain"
	voucherservice "github.com/storesuite/billing/internal/voucher/service"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type serverFixture struct {
	server      *Server
	clk         *clock.FakeClock
	balanceSvc  balancedomain.Service
	voucherSvc  voucherdomain.Service
	subSvc      subscriptiondomain.Service
	coordinator *planswitch.Coordinator
	merchantSvc merchantdomain.Service
}

func setupServer(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 3, 5, 14, 7, 0, 0, time.UTC))

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

	err = db.AutoMigrate(
		&merchantdomain.Merchant{},
		&balancedomain.Balance{},
		&ledgerdomain.Transaction{},
		&voucherdomain.Voucher{},
		&voucherdomain.Redemption{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.HistoryEntry{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := zap.NewNop()
	merchantSvc := merchantservice.NewService(merchantservice.Params{DB: db, Log: log, GenID: node, Clock: clk})
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node, Clock: clk})
	balanceSvc := balanceservice.NewService(balanceservice.Params{DB: db, Log: log, Clock: clk, LedgerSvc: ledgerSvc})
	voucherSvc := voucherservice.NewService(voucherservice.Params{DB: db, Log: log, GenID: node, Clock: clk})
	subSvc := subscriptionservice.NewService(subscriptionservice.Params{DB: db, Log: log, GenID: node, Clock: clk})
	analyticsSvc := analyticsservice.NewService(analyticsservice.Params{DB: db, Log: log, Clock: clk})

	coordinator := planswitch.NewCoordinator(planswitch.Params{
		DB:              db,
		Log:             log,
		GenID:           node,
		BalanceSvc:      balanceSvc,
		VoucherSvc:      voucherSvc,
		SubscriptionSvc: subSvc,
		MerchantSvc:     merchantSvc,
	})
	balanceSvc.RegisterThresholdHandler(coordinator)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	server := NewServer(ServerParams{
		Gin:             engine,
		Cfg:             config.Config{LowBalanceOrderSpan: 3},
		DB:              db,
		GenID:           node,
		Clock:           clk,
		MerchantSvc:     merchantSvc,
		LedgerSvc:       ledgerSvc,
		BalanceSvc:      balanceSvc,
		VoucherSvc:      voucherSvc,
		SubscriptionSvc: subSvc,
		AnalyticsSvc:    analyticsSvc,
		Coordinator:     coordinator,
	})

	return &serverFixture{
		server:      server,
		clk:         clk,
		balanceSvc:  balanceSvc,
		voucherSvc:  voucherSvc,
		subSvc:      subSvc,
		coordinator: coordinator,
		merchantSvc: merchantSvc,
	}
}

func (f *serverFixture) onboard(t *testing.T) merchantdomain.Merchant {
	t.Helper()
	merchant, err := f.merchantSvc.Onboard(context.Background(), merchantdomain.OnboardRequest{
		Name:           "Acme Hardware",
		Currency:       "AUD",
		OrderFee:       100,
		MonthlyPrice:   2900,
		DepositMinimum: 1000,
	})
	if err != nil {
		t.Fatalf("onboard: %v", err)
	}
	return merchant
}

func (f *serverFixture) topup(t *testing.T, merchantID snowflake.ID, amount int64, key string) {
	t.Helper()
	_, err := f.balanceSvc.Credit(context.Background(), balancedomain.CreditRequest{
		MerchantID:     merchantID,
		Amount:         amount,
		IdempotencyKey: key,
	})
	if err != nil {
		t.Fatalf("topup: %v", err)
	}
}

func (f *serverFixture) request(t *testing.T, method, path, apiKey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	rec := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return payload
}

func TestAPIKeyRequired(t *testing.T) {
	f := setupServer(t)
	f.onboard(t)

	rec := f.request(t, http.MethodGet, "/api/v1/balance", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	payload := decodeJSON(t, rec)
	errObj, ok := payload["error"].(map[string]interface{})
	if !ok || errObj["type"] != "unauthorized" {
		t.Fatalf("unexpected error payload: %v", payload)
	}

	rec = f.request(t, http.MethodGet, "/api/v1/balance", "mk_not_a_key", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bogus key, got %d", rec.Code)
	}
}

func TestGetBalancePayload(t *testing.T) {
	f := setupServer(t)
	merchant := f.onboard(t)
	f.topup(t, merchant.ID, 250, "seed")

	rec := f.request(t, http.MethodGet, "/api/v1/balance", merchant.APIKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSON(t, rec)

	if payload["amountMinorUnits"].(float64) != 250 {
		t.Fatalf("amount: %v", payload["amountMinorUnits"])
	}
	if payload["currency"] != "AUD" {
		t.Fatalf("currency: %v", payload["currency"])
	}
	// 250 buys 2 orders, below the 3-order low water mark.
	if payload["isLow"] != true {
		t.Fatalf("isLow: %v", payload["isLow"])
	}
	if payload["orderFee"].(float64) != 100 {
		t.Fatalf("orderFee: %v", payload["orderFee"])
	}
	if payload["estimatedRemainingOrders"].(float64) != 2 {
		t.Fatalf("estimatedRemainingOrders: %v", payload["estimatedRemainingOrders"])
	}

	f.topup(t, merchant.ID, 750, "seed-2")
	rec = f.request(t, http.MethodGet, "/api/v1/balance", merchant.APIKey, nil)
	payload = decodeJSON(t, rec)
	if payload["isLow"] != false {
		t.Fatalf("isLow after topup: %v", payload["isLow"])
	}
}

func TestExportTransactionsCSV(t *testing.T) {
	f := setupServer(t)
	merchant := f.onboard(t)
	ctx := context.Background()

	f.topup(t, merchant.ID, 1000, "seed")
	f.clk.Advance(26 * time.Minute)
	_, err := f.balanceSvc.Debit(ctx, balancedomain.DebitRequest{
		MerchantID:     merchant.ID,
		Amount:         100,
		IdempotencyKey: "order-1",
		Description:    "Order fee for order order-1",
	})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}

	rec := f.request(t, http.MethodGet, "/api/v1/balance/transactions/export", merchant.APIKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("content type: %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Fatalf("content disposition: %q", cd)
	}

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d lines: %q", len(lines), rec.Body.String())
	}

	wantHeader := "Date,Time,Type,Amount (AUD),Balance Before (AUD),Balance After (AUD),Description"
	if lines[0] != wantHeader {
		t.Fatalf("header mismatch:\n got %q\nwant %q", lines[0], wantHeader)
	}

	// Clock started at 2026-03-05 14:07 UTC: unpadded D/M/YYYY, HH:MM.
	if lines[1] != "5/3/2026,14:07,MANUAL_TOPUP,10.00,0.00,10.00," {
		t.Fatalf("credit row: %q", lines[1])
	}
	if lines[2] != "5/3/2026,14:33,ORDER_FEE_DEBIT,-1.00,10.00,9.00,Order fee for order order-1" {
		t.Fatalf("debit row: %q", lines[2])
	}
}

func TestListTransactionsPayload(t *testing.T) {
	f := setupServer(t)
	merchant := f.onboard(t)
	f.topup(t, merchant.ID, 1000, "seed")

	rec := f.request(t, http.MethodGet, "/api/v1/balance/transactions", merchant.APIKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSON(t, rec)

	transactions, ok := payload["transactions"].([]interface{})
	if !ok || len(transactions) != 1 {
		t.Fatalf("transactions: %v", payload["transactions"])
	}
	if payload["pendingCount"].(float64) != 0 {
		t.Fatalf("pendingCount: %v", payload["pendingCount"])
	}
	if _, ok := payload["pagination"]; !ok {
		t.Fatal("pagination missing")
	}

	rec = f.request(t, http.MethodGet, "/api/v1/balance/transactions?includePending=true", merchant.APIKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("includePending request: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	payload = decodeJSON(t, rec)
	if payload["pendingCount"].(float64) != 0 {
		t.Fatalf("pendingCount with includePending: %v", payload["pendingCount"])
	}
}

func TestRedeemVoucherResponseShape(t *testing.T) {
	f := setupServer(t)
	merchant := f.onboard(t)
	ctx := context.Background()

	f.topup(t, merchant.ID, 100, "seed")
	if _, err := f.voucherSvc.Create(ctx, voucherdomain.CreateVoucherRequest{
		MerchantID: merchant.ID,
		Code:       "RESCUE",
		Value:      500,
		Currency:   "AUD",
		MaxUsage:   1,
	}); err != nil {
		t.Fatalf("create voucher: %v", err)
	}

	// Exhaust the balance so the redemption reactivates.
	if _, err := f.coordinator.DebitOrderFee(ctx, merchant.ID, "order-1", 100); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if _, err := f.coordinator.DebitOrderFee(ctx, merchant.ID, "order-2", 100); err == nil {
		t.Fatal("expected exhaustion")
	}

	rec := f.request(t, http.MethodPost, "/api/v1/vouchers/redeem", merchant.APIKey, map[string]string{"code": "RESCUE"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSON(t, rec)

	if payload["voucherType"] != "BALANCE" {
		t.Fatalf("voucherType: %v", payload["voucherType"])
	}
	if payload["valueApplied"].(float64) != 500 {
		t.Fatalf("valueApplied: %v", payload["valueApplied"])
	}
	if payload["autoSwitchTriggered"] != true {
		t.Fatalf("autoSwitchTriggered: %v", payload["autoSwitchTriggered"])
	}
	if payload["balance"].(float64) != 500 {
		t.Fatalf("balance: %v", payload["balance"])
	}
	sub, ok := payload["subscription"].(map[string]interface{})
	if !ok || sub["status"] != "ACTIVE" {
		t.Fatalf("subscription: %v", payload["subscription"])
	}

	// Second redeem: the voucher is spent.
	rec = f.request(t, http.MethodPost, "/api/v1/vouchers/redeem", merchant.APIKey, map[string]string{"code": "RESCUE"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	payload = decodeJSON(t, rec)
	errObj := payload["error"].(map[string]interface{})
	if errObj["type"] != "voucher_exhausted" {
		t.Fatalf("error type: %v", errObj["type"])
	}
}

func TestLockStatusReflectsSuspension(t *testing.T) {
	f := setupServer(t)
	merchant := f.onboard(t)
	ctx := context.Background()
	f.topup(t, merchant.ID, 100, "seed")

	rec := f.request(t, http.MethodGet, "/api/v1/lock-status", merchant.APIKey, nil)
	payload := decodeJSON(t, rec)
	if payload["isLocked"] != false {
		t.Fatalf("fresh merchant locked: %v", payload)
	}
	sub := payload["subscription"].(map[string]interface{})
	if sub["isValid"] != true || sub["status"] != "ACTIVE" {
		t.Fatalf("subscription block: %v", sub)
	}
	merchantBlock := payload["merchant"].(map[string]interface{})
	if merchantBlock["code"] != merchant.Code {
		t.Fatalf("merchant code: %v", merchantBlock)
	}

	if _, err := f.coordinator.DebitOrderFee(ctx, merchant.ID, "order-1", 100); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if _, err := f.coordinator.DebitOrderFee(ctx, merchant.ID, "order-2", 100); err == nil {
		t.Fatal("expected exhaustion")
	}

	rec = f.request(t, http.MethodGet, "/api/v1/lock-status", merchant.APIKey, nil)
	payload = decodeJSON(t, rec)
	if payload["isLocked"] != true {
		t.Fatalf("suspended merchant not locked: %v", payload)
	}
	if payload["reason"] != "INSUFFICIENT_BALANCE" {
		t.Fatalf("reason: %v", payload["reason"])
	}
	sub = payload["subscription"].(map[string]interface{})
	if sub["isValid"] != false || sub["status"] != "SUSPENDED" {
		t.Fatalf("subscription block: %v", sub)
	}
}

func TestCanSwitchPayload(t *testing.T) {
	f := setupServer(t)
	merchant := f.onboard(t)
	f.topup(t, merchant.ID, 100, "seed")

	rec := f.request(t, http.MethodGet, "/api/v1/subscription/can-switch", merchant.APIKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSON(t, rec)
	if payload["currentType"] != "DEPOSIT" {
		t.Fatalf("currentType: %v", payload["currentType"])
	}
	if payload["canSwitchToDeposit"] != false {
		t.Fatalf("canSwitchToDeposit: %v", payload["canSwitchToDeposit"])
	}
	if payload["canSwitchToMonthly"] != true {
		t.Fatalf("canSwitchToMonthly: %v", payload["canSwitchToMonthly"])
	}
}

func TestGetSubscriptionPayload(t *testing.T) {
	f := setupServer(t)
	merchant := f.onboard(t)
	f.topup(t, merchant.ID, 100, "seed")

	rec := f.request(t, http.MethodPost, "/api/v1/subscription/switch", merchant.APIKey, map[string]string{"type": "MONTHLY"})
	if rec.Code != http.StatusOK {
		t.Fatalf("switch: %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.request(t, http.MethodGet, "/api/v1/subscription", merchant.APIKey, nil)
	payload := decodeJSON(t, rec)
	sub := payload["subscription"].(map[string]interface{})
	if sub["type"] != "MONTHLY" || sub["status"] != "ACTIVE" {
		t.Fatalf("subscription: %v", sub)
	}
	// AddDate(0,1,0) from 2026-03-05 is 2026-04-05, 31 days out.
	if sub["daysRemaining"].(float64) != 31 {
		t.Fatalf("daysRemaining: %v", sub["daysRemaining"])
	}
	pricing := payload["pricing"].(map[string]interface{})
	if pricing["currency"] != "AUD" || pricing["monthlyPrice"].(float64) != 2900 {
		t.Fatalf("pricing: %v", pricing)
	}
	if pricing["orderFee"].(float64) != 100 || pricing["depositMinimum"].(float64) != 1000 {
		t.Fatalf("pricing: %v", pricing)
	}
}

func TestInternalDebitEndpoint(t *testing.T) {
	f := setupServer(t)
	merchant := f.onboard(t)
	f.topup(t, merchant.ID, 300, "seed")

	body := map[string]interface{}{
		"merchantId": merchant.ID.String(),
		"orderId":    "order-1",
		"amount":     100,
	}
	rec := f.request(t, http.MethodPost, "/internal/v1/orders/debit", "", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSON(t, rec)
	if payload["amount"].(float64) != -100 {
		t.Fatalf("amount: %v", payload["amount"])
	}
	if payload["balanceAfter"].(float64) != 200 {
		t.Fatalf("balanceAfter: %v", payload["balanceAfter"])
	}
	first := payload["transactionId"]

	// Resubmitting the same order replays the original transaction.
	rec = f.request(t, http.MethodPost, "/internal/v1/orders/debit", "", body)
	payload = decodeJSON(t, rec)
	if payload["transactionId"] != first {
		t.Fatalf("order retry minted a new transaction: %v vs %v", payload["transactionId"], first)
	}

	// Missing order id is a validation error.
	rec = f.request(t, http.MethodPost, "/internal/v1/orders/debit", "", map[string]interface{}{
		"merchantId": merchant.ID.String(),
		"amount":     100,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSubscriptionHistoryPayload(t *testing.T) {
	f := setupServer(t)
	merchant := f.onboard(t)
	ctx := context.Background()
	f.topup(t, merchant.ID, 100, "seed")

	if _, err := f.coordinator.DebitOrderFee(ctx, merchant.ID, "order-1", 100); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if _, err := f.coordinator.DebitOrderFee(ctx, merchant.ID, "order-2", 100); err == nil {
		t.Fatal("expected exhaustion")
	}

	rec := f.request(t, http.MethodGet, "/api/v1/subscription/history", merchant.APIKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSON(t, rec)
	history, ok := payload["history"].([]interface{})
	if !ok || len(history) != 1 {
		t.Fatalf("history: %v", payload["history"])
	}
	pagination := payload["pagination"].(map[string]interface{})
	if pagination["total"].(float64) != 1 {
		t.Fatalf("pagination: %v", pagination)
	}
	entry := history[0].(map[string]interface{})
	if entry["cause"] != "ORDER_FEE_EXHAUSTION" {
		t.Fatalf("cause: %v", entry["cause"])
	}
}

func TestMapErrorSubscriptionVersionConflict(t *testing.T) {
	status, payload := mapError(subscriptiondomain.ErrStaleVersion)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for exhausted subscription retry budget, got %d (%s)", status, payload.Type)
	}
	if payload.Type != "conflict" {
		t.Fatalf("unexpected payload type: %s", payload.Type)
	}

	status, payload = mapError(balancedomain.ErrConcurrencyConflict)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for balance conflict, got %d (%s)", status, payload.Type)
	}
}
