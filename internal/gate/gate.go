package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authplane.org/internal/keycache"
	"authplane.org/internal/obs"
	"authplane.org/internal/policy"
	"authplane.org/internal/token"
)

var (
	// ErrUnauthenticated covers a missing, malformed, or cryptographically
	// invalid token.
	ErrUnauthenticated = errors.New("gate: unauthenticated")
	// ErrSessionRevoked means the token verified but its session is revoked,
	// expired, or unknown.
	ErrSessionRevoked = errors.New("gate: session revoked")
	// ErrForbidden means the caller is authenticated but the policy engine
	// denied the operation.
	ErrForbidden = errors.New("gate: forbidden")
	// ErrDependencyUnavailable means a backing dependency failed; the
	// request is denied, not degraded.
	ErrDependencyUnavailable = errors.New("gate: dependency unavailable")
)

// TokenVerifier validates a raw bearer token and returns its claims.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*token.Claims, error)
}

// SessionChecker reports whether the session behind a jti is still live.
type SessionChecker interface {
	IsValid(ctx context.Context, jti string) bool
}

// PolicyChecker answers authorization requests.
type PolicyChecker interface {
	Check(ctx context.Context, req policy.Request) (bool, error)
}

// Gate chains token verification, session validity, and policy evaluation.
type Gate struct {
	verifier TokenVerifier
	sessions SessionChecker
	policies PolicyChecker
	timeout  time.Duration
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithTimeout bounds the whole pipeline for one request. Zero disables the
// internal deadline and defers to the caller's context.
func WithTimeout(d time.Duration) GateOption {
	return func(g *Gate) { g.timeout = d }
}

func New(verifier TokenVerifier, sessions SessionChecker, policies PolicyChecker, opts ...GateOption) (*Gate, error) {
	if verifier == nil || sessions == nil || policies == nil {
		return nil, errors.New("gate: verifier, session checker and policy checker are required")
	}
	g := &Gate{verifier: verifier, sessions: sessions, policies: policies}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Authorize runs the full pipeline for one request. On success it returns
// the caller's identity; otherwise one of the package errors, wrapped with
// the underlying cause where that is safe to log. An empty object and
// action skips the policy step: the route is authentication-only.
func (g *Gate) Authorize(ctx context.Context, rawToken, object, action string) (Identity, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	claims, err := g.verifier.Verify(ctx, rawToken)
	if err != nil {
		if errors.Is(err, keycache.ErrFetch) {
			return Identity{}, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	id := Identity{
		UserID:   claims.Subject,
		TenantID: claims.Tenant(),
		JTI:      claims.ID,
		Roles:    claims.Roles,
	}
	if id.TenantID == "" {
		return Identity{}, fmt.Errorf("%w: token carries no tenant", ErrUnauthenticated)
	}

	valid := g.sessions.IsValid(ctx, id.JTI)
	obs.RecordSessionCheck(valid)
	if !valid {
		return Identity{}, fmt.Errorf("%w: jti %s", ErrSessionRevoked, id.JTI)
	}

	if object == "" && action == "" {
		return id, nil
	}

	allowed, err := g.policies.Check(ctx, policy.Request{
		Subject: policy.UserSubject(id.UserID),
		Domain:  policy.OrgDomain(id.TenantID),
		Object:  object,
		Action:  action,
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	if !allowed {
		return Identity{}, fmt.Errorf("%w: %s %s", ErrForbidden, action, object)
	}
	return id, nil
}
