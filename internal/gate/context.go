// Package gate runs the request admission pipeline: extract the bearer
// token, verify it, confirm the session is live, then ask the policy
// engine. Every failure mode denies; only a fully green pipeline admits.
package gate

import "context"

// Identity is the authenticated caller attached to a request context after
// the pipeline admits it.
type Identity struct {
	UserID   string
	TenantID string
	JTI      string
	Roles    []string
}

type contextKey struct{}

// WithIdentity returns a context carrying the authenticated identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFrom extracts the authenticated identity, if the request passed
// through the gate.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
