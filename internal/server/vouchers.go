package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) RedeemVoucher(c *gin.Context) {
	merchant, ok := s.currentMerchant(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Code) == "" {
		AbortWithError(c, newValidationError("code", "invalid_code", "voucher code is required"))
		return
	}

	result, err := s.coordinator.RedeemVoucher(c.Request.Context(), merchant.ID, req.Code)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	payload := gin.H{
		"voucherType":         result.VoucherType,
		"valueApplied":        result.ValueApplied,
		"autoSwitchTriggered": result.AutoSwitchTriggered,
		"balance":             result.NewBalance,
	}
	if result.PreviousType != nil {
		payload["previousSubType"] = result.PreviousType
	}
	if result.NewType != nil {
		payload["newSubType"] = result.NewType
	}
	if result.Subscription != nil {
		payload["subscription"] = gin.H{
			"type":   result.Subscription.Type,
			"status": result.Subscription.Status,
		}
	}

	c.JSON(http.StatusOK, payload)
}
