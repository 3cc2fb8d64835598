package identity

import (
	"context"

	"github.com/mozaiks/core/pkg/runtime"
)

type contextKey struct{}

var identityContextKey = contextKey{}

// WithIdentity attaches an identity to ctx.
func WithIdentity(ctx context.Context, id *runtime.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// FromContext retrieves the identity attached by WithIdentity, if any.
func FromContext(ctx context.Context) (*runtime.Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(*runtime.Identity)
	return id, ok && id != nil
}

// MustFromContext panics if no identity is attached. Only call this
// from code paths downstream of the auth middleware, where an identity
// is an established precondition.
func MustFromContext(ctx context.Context) *runtime.Identity {
	id, ok := FromContext(ctx)
	if !ok {
		panic("identity: no identity in context")
	}
	return id
}
