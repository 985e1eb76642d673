// Package ctxutil provides shared context key accessors.
//
// Both the HTTP server and the MCP tools read the caller's claims and audit
// metadata from the request context; keeping the keys here lets services
// record who acted without importing either surface.
package ctxutil

import (
	"context"

	"github.com/holidaibutler/warden/internal/auth"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyAuditMeta contextKey = "audit_meta"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// Actor names the caller for audit trails: the client ID when
// authenticated, otherwise fallback.
func Actor(ctx context.Context, fallback string) string {
	if c := ClaimsFromContext(ctx); c != nil && c.ClientID != "" {
		return c.ClientID
	}
	return fallback
}
