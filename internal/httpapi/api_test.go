package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"authplane.org/internal/gate"
	"authplane.org/internal/policy"
	"authplane.org/internal/session"
	"authplane.org/internal/token"
)

type verifierStub struct {
	claims *token.Claims
	err    error
}

func (v verifierStub) Verify(context.Context, string) (*token.Claims, error) {
	return v.claims, v.err
}

func testClaims(jti string) *token.Claims {
	now := time.Now().UTC()
	return &token.Claims{
		TenantID: "acme",
		Roles:    []string{"sales_manager"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

// newTestAPI wires the API over in-memory stores with no gate, so handler
// behavior can be exercised without minting real tokens.
func newTestAPI(t *testing.T, opts ...func(*Deps)) *API {
	t.Helper()
	d := Deps{
		Version:  "test",
		Engine:   policy.NewEngine(policy.NewMemStore()),
		Sessions: session.NewMemStore(),
		Verifier: verifierStub{claims: testClaims("jti-1")},
	}
	for _, opt := range opts {
		opt(&d)
	}
	return New(d)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// doJSONAs issues a request carrying an already-admitted caller identity,
// the way handlers see it after the gate middleware ran.
func doJSONAs(t *testing.T, h http.Handler, id gate.Identity, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req = req.WithContext(gate.WithIdentity(req.Context(), id))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t)
	rec := doJSON(t, a.Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["service"] != "authplane-api" || got["version"] != "test" {
		t.Fatalf("body = %v", got)
	}
}

func TestReadyWithoutDB(t *testing.T) {
	a := newTestAPI(t)
	rec := doJSON(t, a.Handler(), http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPolicyLifecycle(t *testing.T) {
	a := newTestAPI(t)
	h := a.Handler()

	body := `{"subject":"role:sales_manager","domain":"org:acme","object":"sales:*","action":"*","effect":"allow"}`
	if rec := doJSON(t, h, http.MethodPost, "/v1/policies", body); rec.Code != http.StatusCreated {
		t.Fatalf("add: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, h, http.MethodPost, "/v1/policies", body); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate: status = %d", rec.Code)
	}

	assign := `{"user_id":"alice","role":"sales_manager","domain":"org:acme"}`
	if rec := doJSON(t, h, http.MethodPost, "/v1/roles/assign", assign); rec.Code != http.StatusNoContent {
		t.Fatalf("assign: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	check := `{"subject":"user:alice","domain":"org:acme","object":"sales:leads","action":"create"}`
	rec := doJSON(t, h, http.MethodPost, "/v1/policies/check", check)
	if rec.Code != http.StatusOK {
		t.Fatalf("check: status = %d", rec.Code)
	}
	var res map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res["allowed"] {
		t.Fatal("expected allow after grant and assignment")
	}

	if rec := doJSON(t, h, http.MethodDelete, "/v1/policies", body); rec.Code != http.StatusNoContent {
		t.Fatalf("remove: status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/v1/policies/check", check)
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res["allowed"] {
		t.Fatal("removal must deny on the very next check")
	}
}

func TestPolicyCheckBatch(t *testing.T) {
	a := newTestAPI(t)
	h := a.Handler()

	add := `{"subject":"user:alice","domain":"org:acme","object":"a","action":"read","effect":"allow"}`
	if rec := doJSON(t, h, http.MethodPost, "/v1/policies", add); rec.Code != http.StatusCreated {
		t.Fatalf("add: status = %d", rec.Code)
	}
	batch := `{"requests":[
		{"subject":"user:alice","domain":"org:acme","object":"a","action":"read"},
		{"subject":"user:alice","domain":"org:acme","object":"b","action":"read"}
	]}`
	rec := doJSON(t, h, http.MethodPost, "/v1/policies/check", batch)
	if rec.Code != http.StatusOK {
		t.Fatalf("batch: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var res struct {
		Results []bool `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Results) != 2 || !res.Results[0] || res.Results[1] {
		t.Fatalf("results = %v, want [true false]", res.Results)
	}
}

// brokenPolicyStore fails every read so degraded batch answers can be
// observed end to end.
type brokenPolicyStore struct {
	policy.Store
}

func (brokenPolicyStore) TuplesForDomain(context.Context, string) ([]policy.Tuple, error) {
	return nil, errors.New("connection refused")
}

func (brokenPolicyStore) GroupingsForDomain(context.Context, string) ([]policy.Grouping, error) {
	return nil, errors.New("connection refused")
}

func TestPolicyCheckBatchDegradesToDeny(t *testing.T) {
	a := newTestAPI(t, func(d *Deps) {
		d.Engine = policy.NewEngine(brokenPolicyStore{Store: policy.NewMemStore()})
	})
	batch := `{"requests":[
		{"subject":"user:alice","domain":"org:acme","object":"a","action":"read"},
		{"subject":"user:alice","domain":"org:acme","object":"b","action":"read"}
	]}`
	rec := doJSON(t, a.Handler(), http.MethodPost, "/v1/policies/check", batch)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var res struct {
		Results []bool `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Results) != 2 || res.Results[0] || res.Results[1] {
		t.Fatalf("results = %v, want [false false]", res.Results)
	}
}

func TestRoleInheritCycleConflict(t *testing.T) {
	a := newTestAPI(t)
	h := a.Handler()

	if rec := doJSON(t, h, http.MethodPost, "/v1/roles/inherit", `{"child":"a","parent":"b","domain":"org:acme"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("a->b: status = %d", rec.Code)
	}
	rec := doJSON(t, h, http.MethodPost, "/v1/roles/inherit", `{"child":"b","parent":"a","domain":"org:acme"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("cycle: status = %d, want 409", rec.Code)
	}
}

func TestPolicyBadInput(t *testing.T) {
	a := newTestAPI(t)
	h := a.Handler()

	cases := []string{
		`{"subject":"alice","domain":"org:acme","object":"o","action":"a","effect":"allow"}`,
		`{"subject":"user:alice","domain":"acme","object":"o","action":"a","effect":"allow"}`,
		`{"subject":"user:alice","domain":"org:acme","object":"o","action":"a","effect":"maybe"}`,
		`not json`,
	}
	for _, body := range cases {
		if rec := doJSON(t, h, http.MethodPost, "/v1/policies", body); rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	a := newTestAPI(t)
	h := a.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/sessions", `{"token":"signed"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var sess session.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.JTI != "jti-1" || sess.UserID != "alice" || sess.TenantID != "acme" {
		t.Fatalf("session = %+v", sess)
	}

	if rec := doJSON(t, h, http.MethodPost, "/v1/sessions", `{"token":"signed"}`); rec.Code != http.StatusConflict {
		t.Fatalf("replay: status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/sessions/jti-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/sessions/revoke", `{"jti":"jti-1","reason":"compromised"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke: status = %d", rec.Code)
	}
	sess2, err := a.sessions.Get(context.Background(), "jti-1")
	if err != nil {
		t.Fatalf("Get after revoke: %v", err)
	}
	if !sess2.Revoked || sess2.RevokeReason != "compromised" {
		t.Fatalf("session after revoke = %+v", sess2)
	}
}

func TestSessionCreateRejectsBadToken(t *testing.T) {
	a := newTestAPI(t, func(d *Deps) {
		d.Verifier = verifierStub{err: errors.New("bad signature")}
	})
	rec := doJSON(t, a.Handler(), http.MethodPost, "/v1/sessions", `{"token":"garbage"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestSessionBulkRevoke(t *testing.T) {
	a := newTestAPI(t)
	h := a.Handler()
	ctx := context.Background()

	for _, jti := range []string{"j1", "j2"} {
		meta := session.Metadata{JTI: jti, ExpiresAt: time.Now().Add(time.Hour)}
		if _, err := a.sessions.Create(ctx, "alice", "acme", meta); err != nil {
			t.Fatalf("seed %s: %v", jti, err)
		}
	}
	meta := session.Metadata{JTI: "j3", ExpiresAt: time.Now().Add(time.Hour)}
	if _, err := a.sessions.Create(ctx, "bob", "acme", meta); err != nil {
		t.Fatalf("seed j3: %v", err)
	}

	rec := doJSON(t, h, http.MethodPost, "/v1/sessions/revoke-user", `{"user_id":"alice","tenant_id":"acme"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke-user: status = %d", rec.Code)
	}
	var res map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res["revoked"] != 2 {
		t.Fatalf("revoked = %d, want 2", res["revoked"])
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/sessions/revoke-tenant", `{"tenant_id":"acme"}`)
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res["revoked"] != 1 {
		t.Fatalf("tenant revoked = %d, want 1 (only bob's left)", res["revoked"])
	}
}

func TestPolicyAdminStaysInCallerTenant(t *testing.T) {
	a := newTestAPI(t)
	h := a.Handler()
	id := gate.Identity{UserID: "eve", TenantID: "acme", JTI: "jti-eve", Roles: []string{"admin"}}

	foreign := `{"subject":"user:eve","domain":"org:victim","object":"sales:*","action":"*","effect":"allow"}`
	if rec := doJSONAs(t, h, id, http.MethodPost, "/v1/policies", foreign); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign add: status = %d, want 403", rec.Code)
	}
	allowed, err := a.engine.Check(context.Background(), policy.Request{
		Subject: "user:eve", Domain: "org:victim", Object: "sales:leads", Action: "create",
	})
	if err != nil || allowed {
		t.Fatalf("foreign domain must be untouched: allowed = %t, err = %v", allowed, err)
	}
	own := `{"subject":"user:eve","domain":"org:acme","object":"sales:*","action":"*","effect":"allow"}`
	if rec := doJSONAs(t, h, id, http.MethodPost, "/v1/policies", own); rec.Code != http.StatusCreated {
		t.Fatalf("own add: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	if rec := doJSONAs(t, h, id, http.MethodDelete, "/v1/policies", foreign); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign remove: status = %d, want 403", rec.Code)
	}
	assign := `{"user_id":"mallory","role":"admin","domain":"org:victim"}`
	if rec := doJSONAs(t, h, id, http.MethodPost, "/v1/roles/assign", assign); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign assign: status = %d, want 403", rec.Code)
	}
	inherit := `{"child":"a","parent":"b","domain":"org:victim"}`
	if rec := doJSONAs(t, h, id, http.MethodPost, "/v1/roles/inherit", inherit); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign inherit: status = %d, want 403", rec.Code)
	}
	check := `{"subject":"user:x","domain":"org:victim","object":"o","action":"a"}`
	if rec := doJSONAs(t, h, id, http.MethodPost, "/v1/policies/check", check); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign check: status = %d, want 403", rec.Code)
	}
	batch := `{"requests":[
		{"subject":"user:x","domain":"org:acme","object":"o","action":"a"},
		{"subject":"user:x","domain":"org:victim","object":"o","action":"a"}
	]}`
	if rec := doJSONAs(t, h, id, http.MethodPost, "/v1/policies/check", batch); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign batch entry: status = %d, want 403", rec.Code)
	}
}

func TestSessionAdminStaysInCallerTenant(t *testing.T) {
	a := newTestAPI(t)
	h := a.Handler()
	ctx := context.Background()
	id := gate.Identity{UserID: "admin", TenantID: "acme", JTI: "jti-admin"}

	expiry := time.Now().Add(time.Hour)
	for _, s := range []struct{ jti, user, tenant string }{
		{"own-1", "alice", "acme"},
		{"own-2", "alice", "acme"},
		{"foreign-1", "alice", "victim"},
	} {
		if _, err := a.sessions.Create(ctx, s.user, s.tenant, session.Metadata{JTI: s.jti, ExpiresAt: expiry}); err != nil {
			t.Fatalf("seed %s: %v", s.jti, err)
		}
	}

	// A foreign session reads as unknown.
	if rec := doJSONAs(t, h, id, http.MethodGet, "/v1/sessions/foreign-1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign get: status = %d, want 404", rec.Code)
	}

	// Revoking a foreign jti answers like an unknown one and changes nothing.
	rec := doJSONAs(t, h, id, http.MethodPost, "/v1/sessions/revoke", `{"jti":"foreign-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("foreign revoke: status = %d", rec.Code)
	}
	if !a.sessions.IsValid(ctx, "foreign-1") {
		t.Fatal("foreign session must survive a cross-tenant revoke")
	}

	// Bulk revocation binds to the caller's tenant even though alice also
	// has a session elsewhere.
	rec = doJSONAs(t, h, id, http.MethodPost, "/v1/sessions/revoke-user", `{"user_id":"alice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke-user: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var res map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res["revoked"] != 2 {
		t.Fatalf("revoked = %d, want 2", res["revoked"])
	}
	if !a.sessions.IsValid(ctx, "foreign-1") {
		t.Fatal("foreign session must survive a same-user bulk revoke")
	}

	if rec := doJSONAs(t, h, id, http.MethodPost, "/v1/sessions/revoke-user", `{"user_id":"alice","tenant_id":"victim"}`); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign revoke-user: status = %d, want 403", rec.Code)
	}
	if rec := doJSONAs(t, h, id, http.MethodPost, "/v1/sessions/revoke-tenant", `{"tenant_id":"victim"}`); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign revoke-tenant: status = %d, want 403", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	a := newTestAPI(t)
	h := a.Handler()

	rec := doJSON(t, h, http.MethodPut, "/v1/policies/check", "{}")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != http.MethodPost {
		t.Fatalf("Allow = %q", allow)
	}
}
