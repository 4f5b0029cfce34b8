// Package httpapi exposes the control plane over HTTP: health and info
// probes, the admin surface for policies, roles and sessions, and the
// authorization check endpoint. Admin routes are guarded by the same gate
// the plane provides to callers.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"authplane.org/internal/audit"
	"authplane.org/internal/gate"
	"authplane.org/internal/obs"
	"authplane.org/internal/policy"
	"authplane.org/internal/session"
)

// ReadyProbe reports readiness, normally by pinging the database.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps carries everything the API serves.
type Deps struct {
	Ready    ReadyProbe
	Version  string
	Gate     *gate.Gate
	Engine   *policy.Engine
	Sessions session.Store
	Verifier gate.TokenVerifier
	Recorder audit.Recorder
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	gate       *gate.Gate
	engine     *policy.Engine
	sessions   session.Store
	verifier   gate.TokenVerifier
	recorder   audit.Recorder
}

func New(d Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: d.Ready,
		version:    d.Version,
		gate:       d.Gate,
		engine:     d.Engine,
		sessions:   d.Sessions,
		verifier:   d.Verifier,
		recorder:   d.Recorder,
	}
	if a.recorder == nil {
		a.recorder = audit.NopRecorder{}
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// policy administration
	managePolicies := a.guard(policy.ObjectPolicies, policy.ActionManage)
	readPolicies := a.guard(policy.ObjectPolicies, policy.ActionRead)
	manageRoles := a.guard(policy.ObjectRoles, policy.ActionManage)
	manageSessions := a.guard(policy.ObjectSessions, policy.ActionManage)
	readSessions := a.guard(policy.ObjectSessions, policy.ActionRead)

	a.mux.Handle("/v1/policies", managePolicies(http.HandlerFunc(a.handlePolicies)))
	a.mux.Handle("/v1/policies/check", readPolicies(http.HandlerFunc(a.handlePolicyCheck)))
	a.mux.Handle("/v1/roles/assign", manageRoles(http.HandlerFunc(a.handleRoleAssign)))
	a.mux.Handle("/v1/roles/unassign", manageRoles(http.HandlerFunc(a.handleRoleUnassign)))
	a.mux.Handle("/v1/roles/inherit", manageRoles(http.HandlerFunc(a.handleRoleInherit)))
	a.mux.Handle("/v1/roles/uninherit", manageRoles(http.HandlerFunc(a.handleRoleUninherit)))

	// session lifecycle
	a.mux.HandleFunc("/v1/sessions", a.handleSessions)
	a.mux.Handle("/v1/sessions/revoke", manageSessions(http.HandlerFunc(a.handleSessionRevoke)))
	a.mux.Handle("/v1/sessions/revoke-user", manageSessions(http.HandlerFunc(a.handleSessionRevokeUser)))
	a.mux.Handle("/v1/sessions/revoke-tenant", manageSessions(http.HandlerFunc(a.handleSessionRevokeTenant)))
	a.mux.Handle("/v1/sessions/", readSessions(http.HandlerFunc(a.handleSessionResource)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// guard wraps an admin handler behind the gate. Without a gate (tests,
// bootstrap tooling) admin routes stay open; production wiring always
// provides one.
func (a *API) guard(object, action string) func(http.Handler) http.Handler {
	if a.gate == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return a.gate.Middleware(object, action)
}

// Handler returns the instrumented root handler.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.mux)
}

// --- Probes ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "authplane-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "authplane-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
