// Package domain contains the read-only usage analytics contract. Everything
// here aggregates over the ledger; nothing mutates, so a lagging replica is
// an acceptable source.
package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// DebitTotals aggregates order-fee debits over a window. Total is positive
// minor units spent.
type DebitTotals struct {
	Total int64 `json:"total"`
	Count int64 `json:"count"`
}

// UsageSummary is the combined dashboard payload.
type UsageSummary struct {
	Today                    DebitTotals `json:"today"`
	Last30Days               DebitTotals `json:"last30Days"`
	EstimatedRemainingOrders int64       `json:"estimatedRemainingOrders"`
}

type Service interface {
	// Today aggregates order-fee debits since midnight UTC.
	Today(ctx context.Context, merchantID snowflake.ID) (DebitTotals, error)

	// Last30Days aggregates order-fee debits over a rolling 30-day window.
	Last30Days(ctx context.Context, merchantID snowflake.ID) (DebitTotals, error)

	// EstimatedRemainingOrders is floor(balance / orderFee); zero when the
	// balance or fee leaves no room.
	EstimatedRemainingOrders(ctx context.Context, merchantID snowflake.ID) (int64, error)

	UsageSummary(ctx context.Context, merchantID snowflake.ID) (UsageSummary, error)
}
