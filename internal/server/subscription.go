package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/storesuite/billing/internal/subscription/domain"
)

func (s *Server) GetSubscription(c *gin.Context) {
	merchant, ok := s.currentMerchant(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	sub, err := s.subscriptionSvc.Get(c.Request.Context(), merchant.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subscription": gin.H{
			"type":          sub.Type,
			"status":        sub.Status,
			"daysRemaining": s.daysRemaining(sub),
		},
		"pricing": gin.H{
			"currency":       merchant.Currency,
			"orderFee":       merchant.OrderFee,
			"monthlyPrice":   merchant.MonthlyPrice,
			"depositMinimum": merchant.DepositMinimum,
		},
	})
}

func (s *Server) CanSwitchPlan(c *gin.Context) {
	merchant, ok := s.currentMerchant(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	sub, err := s.subscriptionSvc.Get(c.Request.Context(), merchant.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	toDeposit, err := s.subscriptionSvc.CanSwitch(c.Request.Context(), merchant.ID, subscriptiondomain.PlanTypeDeposit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	toMonthly, err := s.subscriptionSvc.CanSwitch(c.Request.Context(), merchant.ID, subscriptiondomain.PlanTypeMonthly)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"canSwitchToDeposit": toDeposit.Allowed,
		"canSwitchToMonthly": toMonthly.Allowed,
		"currentType":        sub.Type,
	})
}

func (s *Server) SwitchPlan(c *gin.Context) {
	merchant, ok := s.currentMerchant(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req struct {
		Type string `json:"type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sub, err := s.subscriptionSvc.SwitchPlan(c.Request.Context(), merchant.ID, subscriptiondomain.PlanType(req.Type))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subscription": gin.H{
			"type":          sub.Type,
			"status":        sub.Status,
			"daysRemaining": s.daysRemaining(*sub),
		},
	})
}

func (s *Server) SubscriptionHistory(c *gin.Context) {
	merchant, ok := s.currentMerchant(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var query struct {
		Limit int `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	entries, err := s.subscriptionSvc.History(c.Request.Context(), merchant.ID, query.Limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var total int64
	if err := s.db.WithContext(c.Request.Context()).
		Model(&subscriptiondomain.HistoryEntry{}).
		Where("merchant_id = ?", merchant.ID).
		Count(&total).Error; err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"history":    entries,
		"pagination": gin.H{"total": total},
	})
}

// daysRemaining reports whole days until the period end, zero for plans
// without a period or already-expired periods.
func (s *Server) daysRemaining(sub subscriptiondomain.Subscription) int {
	if sub.CurrentPeriodEnd == nil {
		return 0
	}
	remaining := sub.CurrentPeriodEnd.Sub(s.clock.Now())
	if remaining <= 0 {
		return 0
	}
	return int(remaining / (24 * time.Hour))
}
