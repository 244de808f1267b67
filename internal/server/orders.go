package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// DebitOrderFee is the orders-subsystem facade. The order id is the
// idempotency key, so the same completed order can be submitted any number
// of times and debits exactly once.
func (s *Server) DebitOrderFee(c *gin.Context) {
	var req struct {
		MerchantID string `json:"merchantId"`
		OrderID    string `json:"orderId"`
		Amount     int64  `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		AbortWithError(c, newValidationError("orderId", "invalid_order_id", "order id is required"))
		return
	}

	merchantID, err := parseMerchantID(req.MerchantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	txn, err := s.coordinator.DebitOrderFee(c.Request.Context(), merchantID, strings.TrimSpace(req.OrderID), req.Amount)
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
