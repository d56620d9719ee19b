package rest

import (
	"context"

	"github.com/gavelhouse/auction-backend/internal/domain/user"
)

type contextKey string

const (
	contextKeyClaims    contextKey = "claims"
	contextKeyRequestID contextKey = "request_id"
)

// claimsFromContext returns the verified claims, or nil on public routes.
func claimsFromContext(ctx context.Context) *user.Claims {
	claims, _ := ctx.Value(contextKeyClaims).(*user.Claims)
	return claims
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}
