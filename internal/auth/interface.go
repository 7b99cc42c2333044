package auth

import (
	"context"
	"net/http"
)

type ctxKey struct{}

// AuthContext is what an AuthProvider leaves on the request context.
type AuthContext struct {
	AuthMethod string
	UserName   string
}

func NewContext(ctx context.Context, a *AuthContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

func FromContext(ctx context.Context) (*AuthContext, bool) {
	a, ok := ctx.Value(ctxKey{}).(*AuthContext)
	return a, ok && a != nil
}

// UserFromContext returns the authenticated user name, "" for anonymous
// requests.
func UserFromContext(ctx context.Context) string {
	if a, ok := FromContext(ctx); ok {
		return a.UserName
	}
	return ""
}

// AuthProvider authenticates requests before they reach the storage
// handlers. Rejected requests never call the next handler.
type AuthProvider interface {
	Middleware() func(http.Handler) http.Handler
}
