package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"authplane.org/internal/session"
)

type createSessionRequest struct {
	Token string `json:"token"`
}

type revokeSessionRequest struct {
	JTI    string `json:"jti"`
	Reason string `json:"reason"`
}

type revokeUserRequest struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id,omitempty"`
}

type revokeTenantRequest struct {
	TenantID string `json:"tenant_id"`
}

// handleSessions registers a session for a freshly issued token. The token
// itself is the credential: it must verify before a row is written, so the
// endpoint needs no separate guard.
func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.verifier == nil || a.sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "session service unavailable")
		return
	}
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	claims, err := a.verifier.Verify(r.Context(), req.Token)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "token verification failed")
		return
	}
	meta := session.Metadata{
		JTI:       claims.ID,
		Roles:     claims.Roles,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
	if claims.IssuedAt != nil {
		meta.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		meta.ExpiresAt = claims.ExpiresAt.Time
	}
	sess, err := a.sessions.Create(r.Context(), claims.Subject, claims.Tenant(), meta)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	a.audit(r, "session.create", map[string]any{
		"jti": sess.JTI, "user_id": sess.UserID, "tenant_id": sess.TenantID,
	})
	writeJSON(w, http.StatusCreated, sess)
}

// handleSessionResource serves GET /v1/sessions/{jti}.
func (a *API) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "session service unavailable")
		return
	}
	jti := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/sessions/"), "/")
	if jti == "" || strings.Contains(jti, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	sess, err := a.sessions.Get(r.Context(), jti)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	// A session outside the caller's tenant is indistinguishable from an
	// unknown one.
	if tenant, ok := callerTenant(r); ok && sess.TenantID != tenant {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleSessionRevoke invalidates one session. Revoking an already revoked
// or unknown session still answers 200; the end state is what matters.
func (a *API) handleSessionRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "session service unavailable")
		return
	}
	var req revokeSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.JTI = strings.TrimSpace(req.JTI)
	if req.JTI == "" {
		writeError(w, r, http.StatusBadRequest, "jti is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "admin_revocation"
	}
	if tenant, ok := callerTenant(r); ok {
		sess, err := a.sessions.Get(r.Context(), req.JTI)
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			handleSessionError(w, r, err)
			return
		}
		// A jti outside the caller's tenant gets the unknown-jti answer:
		// success, nothing revoked.
		if err == nil && sess.TenantID != tenant {
			writeJSON(w, http.StatusOK, map[string]any{"status": "revoked", "jti": req.JTI})
			return
		}
	}
	if err := a.sessions.Revoke(r.Context(), req.JTI, req.Reason); err != nil {
		handleSessionError(w, r, err)
		return
	}
	a.audit(r, "session.revoke", map[string]any{
		"jti": req.JTI, "reason": req.Reason,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked", "jti": req.JTI})
}

func (a *API) handleSessionRevokeUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "session service unavailable")
		return
	}
	var req revokeUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	if tenant, ok := callerTenant(r); ok {
		// Bulk revocation always stays inside the caller's tenant; a body
		// tenant is only accepted when it names that same tenant.
		if req.TenantID != "" && req.TenantID != tenant {
			writeError(w, r, http.StatusForbidden, "tenant_id is outside the caller's tenant")
			return
		}
		req.TenantID = tenant
	} else if strings.TrimSpace(req.TenantID) == "" {
		writeError(w, r, http.StatusBadRequest, "tenant_id is required")
		return
	}
	n, err := a.sessions.RevokeAllForUser(r.Context(), req.UserID, req.TenantID)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	a.audit(r, "session.revoke_user", map[string]any{
		"user_id": req.UserID, "tenant_id": req.TenantID, "revoked": n,
	})
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

func (a *API) handleSessionRevokeTenant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "session service unavailable")
		return
	}
	var req revokeTenantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.TenantID) == "" {
		writeError(w, r, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if !a.enforceTenant(w, r, req.TenantID) {
		return
	}
	n, err := a.sessions.RevokeAllForTenant(r.Context(), req.TenantID)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	a.audit(r, "session.revoke_tenant", map[string]any{
		"tenant_id": req.TenantID, "revoked": n,
	})
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

func handleSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrConflict):
		writeError(w, r, http.StatusConflict, "session already registered")
	case errors.Is(err, session.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "session not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "session operation failed")
	}
}
