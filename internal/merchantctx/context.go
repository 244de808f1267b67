// Package merchantctx carries the authenticated merchant through request
// contexts.
package merchantctx

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type contextKey struct{}

var merchantIDKey contextKey

func WithMerchantID(ctx context.Context, merchantID snowflake.ID) context.Context {
	return context.WithValue(ctx, merchantIDKey, merchantID)
}

func MerchantIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	id, ok := ctx.Value(merchantIDKey).(snowflake.ID)
	return id, ok
}
