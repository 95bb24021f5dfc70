package identity

import (
	"context"

	"github.com/efox/shoplist/internal/model"
)

type contextKey struct{}

// WithUser attaches the authenticated user to the request context.
func WithUser(ctx context.Context, u *model.User) context.Context {
	return context.WithValue(ctx, contextKey{}, u)
}

// FromContext returns the authenticated user, if any.
func FromContext(ctx context.Context) (*model.User, bool) {
	u, ok := ctx.Value(contextKey{}).(*model.User)
	return u, ok && u != nil
}

// UID returns the authenticated user's id, or "" when unauthenticated.
func UID(ctx context.Context) string {
	u, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return u.ID
}
