// ABOUTME: Identity propagation through context.Context
// ABOUTME: WithIdentity/FromContext used by HTTP handlers and middleware

package auth

import "context"

type identityKey struct{}

// WithIdentity returns a new context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from ctx, or nil if absent.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
