package auth

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const principalKey contextKey = "principal"

// ContextWithPrincipal returns a new context that carries the authenticated caller.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFromContext retrieves the authenticated caller from the context, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	value := ctx.Value(principalKey)
	if value == nil {
		return Principal{}, false
	}
	principal, ok := value.(Principal)
	if !ok {
		return Principal{}, false
	}
	if principal.UserID == uuid.Nil {
		return Principal{}, false
	}
	return principal, true
}
