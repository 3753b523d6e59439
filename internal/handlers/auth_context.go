package handlers

import (
	"context"

	"clinicBack/internal/models"
)

type ctxKey string

const claimsKey ctxKey = "claims"

// WithClaims stores verified token claims on the request context.
func WithClaims(ctx context.Context, c *models.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

func ClaimsFromContext(ctx context.Context) (*models.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*models.Claims)
	return c, ok && c != nil
}
