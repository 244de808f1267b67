package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/gin-gonic/gin"
	balancedomain "github.com/storesuite/billing/internal/balance/domain"
	ledgerdomain "github.com/storesuite/billing/internal/ledger/domain"
	merchantdomain "github.com/storesuite/billing/internal/merchant/domain"
	voucherdomain "github.com/storesuite/billing/internal/voucher/domain"
)

func (s *Server) OnboardMerchant(c *gin.Context) {
	var req struct {
		Name           string `json:"name"`
		Currency       string `json:"currency"`
		OrderFee       int64  `json:"orderFee"`
		MonthlyPrice   int64  `json:"monthlyPrice"`
		DepositMinimum int64  `json:"depositMinimum"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	merchant, err := s.merchantSvc.Onboard(c.Request.Context(), merchantdomain.OnboardRequest{
		Name:           req.Name,
		Currency:       req.Currency,
		OrderFee:       req.OrderFee,
		MonthlyPrice:   req.MonthlyPrice,
		DepositMinimum: req.DepositMinimum,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, merchant)
}

func (s *Server) TopupBalance(c *gin.Context) {
	s.adminCredit(c, ledgerdomain.KindManualTopup)
}

func (s *Server) RefundBalance(c *gin.Context) {
	s.adminCredit(c, ledgerdomain.KindRefund)
}

// AdjustBalance applies a signed correction. Positive amounts credit,
// negative amounts debit without a floor check.
func (s *Server) AdjustBalance(c *gin.Context) {
	merchantID, err := parseMerchantID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req struct {
		Amount         int64  `json:"amount"`
		IdempotencyKey string `json:"idempotencyKey"`
		Description    string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Amount == 0 {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "amount must be non-zero"))
		return
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		req.IdempotencyKey = "adjust:" + uuid.NewString()
	}

	var (
		txn *ledgerdomain.Transaction
	)
	if req.Amount > 0 {
		txn, err = s.balanceSvc.Credit(c.Request.Context(), balancedomain.CreditRequest{
			MerchantID:     merchantID,
			Amount:         req.Amount,
			Kind:           ledgerdomain.KindAdjustment,
			IdempotencyKey: req.IdempotencyKey,
			Description:    req.Description,
		})
	} else {
		txn, err = s.balanceSvc.Debit(c.Request.Context(), balancedomain.DebitRequest{
			MerchantID:     merchantID,
			Amount:         -req.Amount,
			Kind:           ledgerdomain.KindAdjustment,
			IdempotencyKey: req.IdempotencyKey,
			Description:    req.Description,
			SkipFloorCheck: true,
		})
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactionId": txn.ID,
		"amount":        txn.Amount,
		"balanceAfter":  txn.BalanceAfter,
	})
}

func (s *Server) MarkPeriodPaid(c *gin.Context) {
	merchantID, err := parseMerchantID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subscriptionSvc.MarkPeriodPaid(c.Request.Context(), merchantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	merchantID, err := parseMerchantID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subscriptionSvc.Cancel(c.Request.Context(), merchantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

func (s *Server) CreateVoucher(c *gin.Context) {
	merchantID, err := parseMerchantID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req struct {
		Code        string `json:"code"`
		Type        string `json:"type"`
		Description string `json:"description"`
		Value       int64  `json:"value"`
		Currency    string `json:"currency"`
		MaxUsage    int    `json:"maxUsage"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	voucher, err := s.voucherSvc.Create(c.Request.Context(), voucherdomain.CreateVoucherRequest{
		MerchantID:  merchantID,
		Code:        req.Code,
		Type:        voucherdomain.VoucherType(strings.ToUpper(strings.TrimSpace(req.Type))),
		Description: req.Description,
		Value:       req.Value,
		Currency:    req.Currency,
		MaxUsage:    req.MaxUsage,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, voucher)
}

func (s *Server) DeactivateVoucher(c *gin.Context) {
	merchantID, err := parseMerchantID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	voucher, err := s.voucherSvc.Deactivate(c.Request.Context(), merchantID, c.Param("code"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, voucher)
}

func (s *Server) adminCredit(c *gin.Context, kind ledgerdomain.TransactionKind) {
	merchantID, err := parseMerchantID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req struct {
		Amount         int64  `json:"amount"`
		IdempotencyKey string `json:"idempotencyKey"`
		Description    string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		req.IdempotencyKey = strings.ToLower(string(kind)) + ":" + uuid.NewString()
	}

	txn, err := s.balanceSvc.Credit(c.Request.Context(), balancedomain.CreditRequest{
		MerchantID:     merchantID,
		Amount:         req.Amount,
		Kind:           kind,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactionId": txn.ID,
		"amount":        txn.Amount,
		"balanceAfter":  txn.BalanceAfter,
	})
}
