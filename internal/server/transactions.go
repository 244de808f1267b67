package server

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/storesuite/billing/internal/currency"
	ledgerdomain "github.com/storesuite/billing/internal/ledger/domain"
)

func (s *Server) ListTransactions(c *gin.Context) {
	merchant, ok := s.currentMerchant(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var query struct {
		Limit          int    `form:"limit"`
		Kind           string `form:"kind"`
		PageToken      string `form:"pageToken"`
		IncludePending bool   `form:"includePending"` // accepted; entries only exist once committed
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.ledgerSvc.List(c.Request.Context(), ledgerdomain.ListTransactionsRequest{
		MerchantID: merchant.ID,
		Kind:       query.Kind,
		PageToken:  query.PageToken,
		PageSize:   query.Limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": resp.Transactions,
		"pagination":   resp.PageInfo,
		"pendingCount": 0,
	})
}

// ExportTransactions streams the merchant's full history as CSV. The header
// and row formats are part of the external contract consumed by merchant
// bookkeeping tools.
func (s *Server) ExportTransactions(c *gin.Context) {
	merchant, ok := s.currentMerchant(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var transactions []ledgerdomain.Transaction
	err := s.db.WithContext(c.Request.Context()).
		Where("merchant_id = ?", merchant.ID).
		Order("created_at ASC, id ASC").
		Find(&transactions).Error
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="transactions-%s.csv"`, merchant.Code))
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	header := []string{
		"Date",
		"Time",
		"Type",
		fmt.Sprintf("Amount (%s)", merchant.Currency),
		fmt.Sprintf("Balance Before (%s)", merchant.Currency),
		fmt.Sprintf("Balance After (%s)", merchant.Currency),
		"Description",
	}
	if err := w.Write(header); err != nil {
		return
	}

	for _, txn := range transactions {
		created := txn.CreatedAt.UTC()
		record := []string{
			formatExportDate(created),
			created.Format("15:04"),
			string(txn.Kind),
			currency.FormatMinorUnits(txn.Amount, merchant.Currency),
			currency.FormatMinorUnits(txn.BalanceBefore, merchant.Currency),
			currency.FormatMinorUnits(txn.BalanceAfter, merchant.Currency),
			txn.Description,
		}
		if err := w.Write(record); err != nil {
			return
		}
	}
	w.Flush()
}

// formatExportDate renders D/M/YYYY without zero padding.
func formatExportDate(t time.Time) string {
	return strconv.Itoa(t.Day()) + "/" + strconv.Itoa(int(t.Month())) + "/" + strconv.Itoa(t.Year())
}
