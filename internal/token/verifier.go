// Package token verifies bearer tokens issued by the external identity
// provider. Verification is pure: any side effects are limited to reads
// through the key cache.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"authplane.org/internal/keycache"
)

var (
	ErrMalformed        = errors.New("token: malformed")
	ErrUnknownKey       = errors.New("token: unknown signing key")
	ErrBadSignature     = errors.New("token: bad signature")
	ErrExpired          = errors.New("token: outside validity window")
	ErrIssuerMismatch   = errors.New("token: issuer mismatch")
	ErrAudienceMismatch = errors.New("token: audience mismatch")
)

// Claims are the verified claims the control plane relies on. The tenant
// claim is carried either as tenant_id or the legacy org claim.
type Claims struct {
	TenantID string   `json:"tenant_id,omitempty"`
	Org      string   `json:"org,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Tenant returns the tenant identifier from whichever claim carries it.
func (c *Claims) Tenant() string {
	if c.TenantID != "" {
		return c.TenantID
	}
	return c.Org
}

// Verifier validates a token's signature against the key cache and checks
// issuer, audience and time-window claims.
type Verifier struct {
	keys     *keycache.Cache
	issuer   string
	audience string
	parser   *jwt.Parser
}

// NewVerifier constructs a Verifier. Only asymmetric RSA algorithms are
// accepted; symmetric-algorithm tokens are rejected outright to prevent
// algorithm-confusion attacks.
func NewVerifier(keys *keycache.Cache, issuer, audience string) (*Verifier, error) {
	if keys == nil {
		return nil, errors.New("token: key cache is required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &Verifier{
		keys:     keys,
		issuer:   issuer,
		audience: audience,
		parser:   jwt.NewParser(opts...),
	}, nil
}

// Verify validates the raw token and returns its claims, or one of the
// package's typed errors. Key-cache fetch failures surface as
// keycache.ErrFetch so the caller can treat them as dependency failures.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMalformed
	}
	parsed, err := v.parser.ParseWithClaims(raw, &Claims{}, v.keyfunc(ctx))
	if err != nil {
		return nil, classify(err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrBadSignature
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.ID) == "" {
		return nil, fmt.Errorf("%w: sub and jti are required", ErrMalformed)
	}
	return claims, nil
}

// keyfunc resolves the signing key by kid. A kid missing from the cached
// set triggers one cache invalidation and retry before failing, so a key
// rotation at the provider is picked up without waiting out the TTL.
func (v *Verifier) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("%w: unexpected alg %v", ErrBadSignature, t.Header["alg"])
		}
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("%w: kid header missing", ErrUnknownKey)
		}
		key, err := v.keys.Lookup(ctx, kid)
		if errors.Is(err, keycache.ErrKeyNotFound) {
			v.keys.Invalidate()
			key, err = v.keys.Lookup(ctx, kid)
		}
		if errors.Is(err, keycache.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
		}
		if err != nil {
			return nil, err
		}
		return key, nil
	}
}

// classify maps jwt/v5 and keyfunc errors onto the package taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, keycache.ErrFetch):
		return err
	case errors.Is(err, ErrUnknownKey),
		errors.Is(err, ErrBadSignature),
		errors.Is(err, ErrMalformed):
		return err
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrIssuerMismatch
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrAudienceMismatch
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrBadSignature
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	default:
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
}
