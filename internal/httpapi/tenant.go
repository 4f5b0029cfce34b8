package httpapi

import (
	"net/http"

	"authplane.org/internal/gate"
	"authplane.org/internal/policy"
)

// callerTenant returns the tenant of the authenticated caller when the
// route passed through the gate.
func callerTenant(r *http.Request) (string, bool) {
	id, ok := gate.IdentityFrom(r.Context())
	if !ok {
		return "", false
	}
	return id.TenantID, true
}

// enforceDomain rejects admin operations aimed at another tenant's policy
// domain. An authenticated caller only ever touches the namespace derived
// from its own tenant; an ungated route carries no identity and is trusted
// as-is (bootstrap tooling runs before the gate exists).
func (a *API) enforceDomain(w http.ResponseWriter, r *http.Request, domain string) bool {
	tenant, ok := callerTenant(r)
	if !ok {
		return true
	}
	if domain != policy.OrgDomain(tenant) {
		writeError(w, r, http.StatusForbidden, "domain is outside the caller's tenant")
		return false
	}
	return true
}

// enforceTenant is enforceDomain for raw tenant identifiers.
func (a *API) enforceTenant(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	tenant, ok := callerTenant(r)
	if !ok {
		return true
	}
	if tenantID != tenant {
		writeError(w, r, http.StatusForbidden, "tenant_id is outside the caller's tenant")
		return false
	}
	return true
}
