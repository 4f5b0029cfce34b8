package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"authplane.org/internal/audit"
	"authplane.org/internal/gate"
	"authplane.org/internal/ids"
	"authplane.org/internal/obs"
	"authplane.org/internal/policy"
)

type policyRequest struct {
	Subject string `json:"subject"`
	Domain  string `json:"domain"`
	Object  string `json:"object"`
	Action  string `json:"action"`
	Effect  string `json:"effect"`
}

func (p policyRequest) tuple() policy.Tuple {
	return policy.Tuple{
		Subject: p.Subject,
		Domain:  p.Domain,
		Object:  p.Object,
		Action:  p.Action,
		Effect:  policy.Effect(p.Effect),
	}
}

type roleRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Domain string `json:"domain"`
}

type inheritRequest struct {
	Child  string `json:"child"`
	Parent string `json:"parent"`
	Domain string `json:"domain"`
}

type checkRequest struct {
	Subject  string           `json:"subject,omitempty"`
	Domain   string           `json:"domain,omitempty"`
	Object   string           `json:"object,omitempty"`
	Action   string           `json:"action,omitempty"`
	Requests []policy.Request `json:"requests,omitempty"`
}

func (a *API) handlePolicies(w http.ResponseWriter, r *http.Request) {
	if a.engine == nil {
		writeError(w, r, http.StatusServiceUnavailable, "policy engine unavailable")
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req policyRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if !a.enforceDomain(w, r, req.Domain) {
			return
		}
		if err := a.engine.AddPolicy(r.Context(), req.tuple()); err != nil {
			handlePolicyError(w, r, err)
			return
		}
		a.audit(r, "policy.add", map[string]any{
			"subject": req.Subject, "domain": req.Domain,
			"object": req.Object, "action": req.Action, "effect": req.Effect,
		})
		writeJSON(w, http.StatusCreated, req)
	case http.MethodDelete:
		var req policyRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if !a.enforceDomain(w, r, req.Domain) {
			return
		}
		if err := a.engine.RemovePolicy(r.Context(), req.tuple()); err != nil {
			handlePolicyError(w, r, err)
			return
		}
		a.audit(r, "policy.remove", map[string]any{
			"subject": req.Subject, "domain": req.Domain,
			"object": req.Object, "action": req.Action, "effect": req.Effect,
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
	}
}

// handlePolicyCheck answers one or many authorization questions. Results
// come back in request order and always cover the full batch; an entry
// that could not be evaluated resolves to deny.
func (a *API) handlePolicyCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.engine == nil {
		writeError(w, r, http.StatusServiceUnavailable, "policy engine unavailable")
		return
	}
	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Requests) > 0 {
		for _, item := range req.Requests {
			if !a.enforceDomain(w, r, item.Domain) {
				return
			}
		}
		results, err := a.engine.BatchCheck(r.Context(), req.Requests)
		if err != nil {
			obs.Log("warn", "policy batch check degraded", map[string]any{"error": err.Error()})
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
		return
	}
	if !a.enforceDomain(w, r, req.Domain) {
		return
	}
	allowed, err := a.engine.Check(r.Context(), policy.Request{
		Subject: req.Subject, Domain: req.Domain, Object: req.Object, Action: req.Action,
	})
	if err != nil {
		handlePolicyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"allowed": allowed})
}

func (a *API) handleRoleAssign(w http.ResponseWriter, r *http.Request) {
	a.roleMutation(w, r, "role.assign", func(ctx context.Context, req roleRequest) error {
		return a.engine.AddRoleForUser(ctx, req.UserID, req.Role, req.Domain)
	})
}

func (a *API) handleRoleUnassign(w http.ResponseWriter, r *http.Request) {
	a.roleMutation(w, r, "role.unassign", func(ctx context.Context, req roleRequest) error {
		return a.engine.RemoveRoleForUser(ctx, req.UserID, req.Role, req.Domain)
	})
}

func (a *API) roleMutation(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, roleRequest) error) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.engine == nil {
		writeError(w, r, http.StatusServiceUnavailable, "policy engine unavailable")
		return
	}
	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !a.enforceDomain(w, r, req.Domain) {
		return
	}
	if err := fn(r.Context(), req); err != nil {
		handlePolicyError(w, r, err)
		return
	}
	a.audit(r, op, map[string]any{
		"user_id": req.UserID, "role": req.Role, "domain": req.Domain,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRoleInherit(w http.ResponseWriter, r *http.Request) {
	a.inheritMutation(w, r, "role.inherit", func(ctx context.Context, req inheritRequest) error {
		return a.engine.AddRoleInheritance(ctx, req.Child, req.Parent, req.Domain)
	})
}

func (a *API) handleRoleUninherit(w http.ResponseWriter, r *http.Request) {
	a.inheritMutation(w, r, "role.uninherit", func(ctx context.Context, req inheritRequest) error {
		return a.engine.RemoveRoleInheritance(ctx, req.Child, req.Parent, req.Domain)
	})
}

func (a *API) inheritMutation(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, inheritRequest) error) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.engine == nil {
		writeError(w, r, http.StatusServiceUnavailable, "policy engine unavailable")
		return
	}
	var req inheritRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !a.enforceDomain(w, r, req.Domain) {
		return
	}
	if err := fn(r.Context(), req); err != nil {
		handlePolicyError(w, r, err)
		return
	}
	a.audit(r, op, map[string]any{
		"child": req.Child, "parent": req.Parent, "domain": req.Domain,
	})
	w.WriteHeader(http.StatusNoContent)
}

func handlePolicyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, policy.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, policy.ErrCycle):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, policy.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, policy.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "policy operation failed")
	}
}

// audit records an admin mutation, attributed to the gate identity when
// the route was guarded.
func (a *API) audit(r *http.Request, op string, fields map[string]any) {
	entry := audit.Entry{
		ID:        ids.New(),
		Status:    audit.StatusAllow,
		OpType:    op,
		CreatedAt: time.Now().UTC(),
	}
	if id, ok := gate.IdentityFrom(r.Context()); ok {
		entry.TenantID = id.TenantID
		entry.TriggeredBy = id.UserID
	}
	if payload, err := json.Marshal(fields); err == nil {
		entry.Payload = string(payload)
	}
	a.recorder.Record(r.Context(), entry)
}
