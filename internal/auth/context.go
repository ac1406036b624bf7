package auth

import (
	"context"

	"github.com/guardianvault/recoveryd/internal/model"
)

type contextKey struct{}

// WithCaller returns ctx carrying caller.
func WithCaller(ctx context.Context, caller *model.CallerContext) context.Context {
	return context.WithValue(ctx, contextKey{}, caller)
}

// CallerFromContext returns the authenticated caller, or nil.
func CallerFromContext(ctx context.Context) *model.CallerContext {
	caller, _ := ctx.Value(contextKey{}).(*model.CallerContext)
	return caller
}

// CallerAddress returns the authenticated caller's address, or the zero
// address when the request is unauthenticated.
func CallerAddress(ctx context.Context) model.Address {
	if c := CallerFromContext(ctx); c != nil {
		return c.Address
	}
	return model.ZeroAddress
}
