package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/storesuite/billing/internal/subscription/domain"
)

// LockStatus is the storefront gate: a merchant whose subscription is not
// ACTIVE is locked out of order processing.
func (s *Server) LockStatus(c *gin.Context) {
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

	isLocked := sub.Status != subscriptiondomain.StatusActive
	reason := ""
	if isLocked {
		if sub.SuspendReason != nil {
			reason = string(*sub.SuspendReason)
		} else if sub.Status == subscriptiondomain.StatusCancelled {
			reason = "CANCELLED"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"isLocked": isLocked,
		"reason":   reason,
		"merchant": gin.H{"code": merchant.Code},
		"subscription": gin.H{
			"status":        sub.Status,
			"type":          sub.Type,
			"isValid":       !isLocked,
			"daysRemaining": s.daysRemaining(sub),
		},
	})
}
