package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetBalance returns the merchant's spendable balance with the derived
// low-balance flag. isLow means fewer than the configured span of orders
// remain.
func (s *Server) GetBalance(c *gin.Context) {
	merchant, ok := s.currentMerchant(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	bal, err := s.balanceSvc.Get(c.Request.Context(), merchant.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	remaining, err := s.analyticsSvc.EstimatedRemainingOrders(c.Request.Context(), merchant.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	isLow := false
	if merchant.OrderFee > 0 {
		isLow = bal.Amount < merchant.OrderFee*s.cfg.LowBalanceOrderSpan
	}

	c.JSON(http.StatusOK, gin.H{
		"amountMinorUnits":         bal.Amount,
		"currency":                 merchant.Currency,
		"isLow":                    isLow,
		"orderFee":                 merchant.OrderFee,
		"estimatedRemainingOrders": remaining,
	})
}

func (s *Server) GetUsageSummary(c *gin.Context) {
	merchant, ok := s.currentMerchant(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	summary, err := s.analyticsSvc.UsageSummary(c.Request.Context(), merchant.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}
