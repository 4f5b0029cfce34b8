package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"authplane.org/internal/keycache"
	"authplane.org/internal/policy"
	"authplane.org/internal/token"
)

type verifierStub struct {
	claims *token.Claims
	err    error
}

func (v verifierStub) Verify(context.Context, string) (*token.Claims, error) {
	return v.claims, v.err
}

type sessionStub struct{ valid bool }

func (s sessionStub) IsValid(context.Context, string) bool { return s.valid }

type policyStub struct {
	allowed bool
	err     error
	got     *policy.Request
}

func (p *policyStub) Check(_ context.Context, req policy.Request) (bool, error) {
	p.got = &req
	return p.allowed, p.err
}

func goodClaims() *token.Claims {
	return &token.Claims{
		TenantID: "acme",
		Roles:    []string{"sales_manager"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "alice",
			ID:      "jti-1",
		},
	}
}

func newGate(t *testing.T, v TokenVerifier, s SessionChecker, p PolicyChecker) *Gate {
	t.Helper()
	g, err := New(v, s, p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestAuthorizeFullPipeline(t *testing.T) {
	pol := &policyStub{allowed: true}
	g := newGate(t, verifierStub{claims: goodClaims()}, sessionStub{valid: true}, pol)

	id, err := g.Authorize(context.Background(), "tok", "sales:leads", "create")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if id.UserID != "alice" || id.TenantID != "acme" || id.JTI != "jti-1" {
		t.Fatalf("identity = %+v", id)
	}
	want := policy.Request{Subject: "user:alice", Domain: "org:acme", Object: "sales:leads", Action: "create"}
	if pol.got == nil || *pol.got != want {
		t.Fatalf("policy request = %+v, want %+v", pol.got, want)
	}
}

func TestAuthorizeFailureModes(t *testing.T) {
	cases := []struct {
		name    string
		v       TokenVerifier
		s       SessionChecker
		p       PolicyChecker
		wantErr error
	}{
		{
			name:    "bad token",
			v:       verifierStub{err: token.ErrBadSignature},
			s:       sessionStub{valid: true},
			p:       &policyStub{allowed: true},
			wantErr: ErrUnauthenticated,
		},
		{
			name:    "jwks fetch failure",
			v:       verifierStub{err: fmt.Errorf("%w: 502", keycache.ErrFetch)},
			s:       sessionStub{valid: true},
			p:       &policyStub{allowed: true},
			wantErr: ErrDependencyUnavailable,
		},
		{
			name:    "revoked session",
			v:       verifierStub{claims: goodClaims()},
			s:       sessionStub{valid: false},
			p:       &policyStub{allowed: true},
			wantErr: ErrSessionRevoked,
		},
		{
			name:    "policy deny",
			v:       verifierStub{claims: goodClaims()},
			s:       sessionStub{valid: true},
			p:       &policyStub{allowed: false},
			wantErr: ErrForbidden,
		},
		{
			name:    "policy store failure",
			v:       verifierStub{claims: goodClaims()},
			s:       sessionStub{valid: true},
			p:       &policyStub{err: errors.New("connection refused")},
			wantErr: ErrDependencyUnavailable,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newGate(t, tc.v, tc.s, tc.p)
			if _, err := g.Authorize(context.Background(), "tok", "o", "a"); !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestAuthorizeSkipsPolicyForAuthOnlyRoutes(t *testing.T) {
	pol := &policyStub{err: errors.New("connection refused")}
	g := newGate(t, verifierStub{claims: goodClaims()}, sessionStub{valid: true}, pol)

	// No object and no action: the route only needs a live session, so
	// the policy engine is never consulted.
	id, err := g.Authorize(context.Background(), "tok", "", "")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if id.UserID != "alice" || id.TenantID != "acme" {
		t.Fatalf("identity = %+v", id)
	}
	if pol.got != nil {
		t.Fatalf("policy engine consulted with %+v", pol.got)
	}

	// A revoked session still denies the auth-only route.
	g = newGate(t, verifierStub{claims: goodClaims()}, sessionStub{valid: false}, pol)
	if _, err := g.Authorize(context.Background(), "tok", "", ""); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("got %v, want ErrSessionRevoked", err)
	}
}

func TestAuthorizeRejectsTokenWithoutTenant(t *testing.T) {
	claims := goodClaims()
	claims.TenantID = ""
	claims.Org = ""
	g := newGate(t, verifierStub{claims: claims}, sessionStub{valid: true}, &policyStub{allowed: true})
	if _, err := g.Authorize(context.Background(), "tok", "o", "a"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("got %v, want ErrUnauthenticated", err)
	}
}

func TestMiddleware(t *testing.T) {
	cases := []struct {
		name       string
		header     string
		session    bool
		allowed    bool
		policyErr  error
		wantStatus int
	}{
		{name: "no header", header: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "revoked session", header: "Bearer tok", session: false, wantStatus: http.StatusUnauthorized},
		{name: "policy deny", header: "Bearer tok", session: true, allowed: false, wantStatus: http.StatusForbidden},
		{name: "dependency failure", header: "Bearer tok", session: true, policyErr: errors.New("down"), wantStatus: http.StatusForbidden},
		{name: "allowed", header: "Bearer tok", session: true, allowed: true, wantStatus: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newGate(t, verifierStub{claims: goodClaims()}, sessionStub{valid: tc.session}, &policyStub{allowed: tc.allowed, err: tc.policyErr})

			var sawIdentity bool
			inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, sawIdentity = IdentityFrom(r.Context())
				w.WriteHeader(http.StatusOK)
			})
			req := httptest.NewRequest(http.MethodGet, "/v1/leads", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			g.Middleware("sales:leads", "read")(inner).ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if tc.wantStatus == http.StatusOK && !sawIdentity {
				t.Fatal("handler did not receive identity")
			}
			if tc.wantStatus == http.StatusForbidden && !strings.Contains(rec.Body.String(), `"forbidden"`) {
				t.Fatalf("403 body = %q, want generic forbidden", rec.Body.String())
			}
		})
	}
}

func TestUnaryServerInterceptor(t *testing.T) {
	g := newGate(t, verifierStub{claims: goodClaims()}, sessionStub{valid: true}, &policyStub{allowed: true})
	reqs := map[string]Requirement{
		"/authplane.v1.Admin/AddPolicy": {Object: policy.ObjectPolicies, Action: policy.ActionManage},
	}
	interceptor := g.UnaryServerInterceptor(reqs)

	handler := func(ctx context.Context, _ any) (any, error) {
		if _, ok := IdentityFrom(ctx); !ok {
			return nil, errors.New("no identity in handler context")
		}
		return "ok", nil
	}

	t.Run("unlisted method passes through", func(t *testing.T) {
		passthrough := func(context.Context, any) (any, error) { return "ok", nil }
		info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
		if _, err := interceptor(context.Background(), nil, info, passthrough); err != nil {
			t.Fatalf("passthrough: %v", err)
		}
	})

	t.Run("missing metadata", func(t *testing.T) {
		info := &grpc.UnaryServerInfo{FullMethod: "/authplane.v1.Admin/AddPolicy"}
		_, err := interceptor(context.Background(), nil, info, handler)
		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("got %v, want Unauthenticated", err)
		}
	})

	t.Run("authorized call reaches handler", func(t *testing.T) {
		ctx := metadata.NewIncomingContext(context.Background(),
			metadata.Pairs("authorization", "Bearer tok"))
		info := &grpc.UnaryServerInfo{FullMethod: "/authplane.v1.Admin/AddPolicy"}
		resp, err := interceptor(ctx, nil, info, handler)
		if err != nil {
			t.Fatalf("interceptor: %v", err)
		}
		if resp != "ok" {
			t.Fatalf("resp = %v", resp)
		}
	})

	t.Run("denied call maps to PermissionDenied", func(t *testing.T) {
		denied := newGate(t, verifierStub{claims: goodClaims()}, sessionStub{valid: true}, &policyStub{allowed: false})
		ctx := metadata.NewIncomingContext(context.Background(),
			metadata.Pairs("authorization", "Bearer tok"))
		info := &grpc.UnaryServerInfo{FullMethod: "/authplane.v1.Admin/AddPolicy"}
		_, err := denied.UnaryServerInterceptor(reqs)(ctx, nil, info, handler)
		if status.Code(err) != codes.PermissionDenied {
			t.Fatalf("got %v, want PermissionDenied", err)
		}
	})
}
