package auth

import (
	"context"
	"strings"
)

type accountContextKey struct{}

// ContextWithAccountID stores the authenticated account id in the context.
func ContextWithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountContextKey{}, strings.TrimSpace(accountID))
}

// AccountIDFromContext extracts the authenticated account id from the context.
func AccountIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(accountContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
