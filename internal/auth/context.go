// Package auth carries the acting principal through a request context. It
// does not authenticate anyone; an upstream layer decides who the principal is.
package auth

import (
	"context"
	"strings"
)

type contextKey string

const principalKey contextKey = "principal"

// ContextWithPrincipal returns a context that names the actor responsible
// for the writes made under it. An empty principal leaves ctx unchanged.
func ContextWithPrincipal(ctx context.Context, principal string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return ctx
	}
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFromContext retrieves the acting principal, if any.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(principalKey).(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// Author returns the principal as a history author, or nil for system
// actions performed without one.
func Author(ctx context.Context) *string {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return nil
	}
	return &p
}
