// Package policy implements the domain-scoped RBAC enforcer: flat
// (subject, domain, object, action, effect) tuples with anchored wildcard
// matching, role inheritance, and explicit-deny-wins evaluation.
package policy

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidInput = errors.New("policy: invalid input")
	ErrNotFound     = errors.New("policy: not found")
	ErrConflict     = errors.New("policy: already exists")

	// ErrCycle is returned when a role inheritance edge would close a cycle.
	// Rejected at assignment time; a cyclic chain is never persisted.
	ErrCycle = errors.New("policy: role inheritance cycle")
)

// Effect states whether a matching tuple grants or blocks access.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

const (
	userPrefix = "user:"
	rolePrefix = "role:"
	orgPrefix  = "org:"
)

// Tuple is the atomic persisted policy unit. Tuples are immutable once
// created; an update is modeled as remove+add so the audit trail stays
// meaningful.
type Tuple struct {
	Subject string `json:"subject"`
	Domain  string `json:"domain"`
	Object  string `json:"object"`
	Action  string `json:"action"`
	Effect  Effect `json:"effect"`
}

// Grouping links a member subject to a role within a domain. The member is
// either user:<id> (role assignment) or role:<name> (role inheritance).
type Grouping struct {
	Member string `json:"member"`
	Role   string `json:"role"`
	Domain string `json:"domain"`
}

// UserSubject formats a principal id as a policy subject.
func UserSubject(userID string) string { return userPrefix + userID }

// RoleSubject formats a role name as a policy subject.
func RoleSubject(name string) string { return rolePrefix + name }

// OrgDomain formats a tenant id as a policy domain.
func OrgDomain(tenantID string) string { return orgPrefix + tenantID }

// IsRoleSubject reports whether the subject literal names a role.
func IsRoleSubject(subject string) bool { return strings.HasPrefix(subject, rolePrefix) }

func (t Tuple) validate() error {
	if !strings.HasPrefix(t.Subject, userPrefix) && !strings.HasPrefix(t.Subject, rolePrefix) {
		return fmt.Errorf("%w: subject must be user:<id> or role:<name>", ErrInvalidInput)
	}
	if !strings.HasPrefix(t.Domain, orgPrefix) || t.Domain == orgPrefix {
		return fmt.Errorf("%w: domain must be org:<tenant_id>", ErrInvalidInput)
	}
	if strings.TrimSpace(t.Object) == "" || strings.TrimSpace(t.Action) == "" {
		return fmt.Errorf("%w: object and action are required", ErrInvalidInput)
	}
	if t.Effect != EffectAllow && t.Effect != EffectDeny {
		return fmt.Errorf("%w: effect must be allow or deny", ErrInvalidInput)
	}
	return nil
}

func (g Grouping) validate() error {
	if !strings.HasPrefix(g.Member, userPrefix) && !strings.HasPrefix(g.Member, rolePrefix) {
		return fmt.Errorf("%w: member must be user:<id> or role:<name>", ErrInvalidInput)
	}
	if !strings.HasPrefix(g.Role, rolePrefix) || g.Role == rolePrefix {
		return fmt.Errorf("%w: role must be role:<name>", ErrInvalidInput)
	}
	if g.Member == g.Role {
		return fmt.Errorf("%w: a role cannot inherit itself", ErrCycle)
	}
	if !strings.HasPrefix(g.Domain, orgPrefix) || g.Domain == orgPrefix {
		return fmt.Errorf("%w: domain must be org:<tenant_id>", ErrInvalidInput)
	}
	return nil
}

// MatchAction reports whether a tuple's action pattern covers the requested
// action. "*" matches any action; everything else is exact.
func MatchAction(pattern, action string) bool {
	return pattern == "*" || pattern == action
}

// MatchObject reports whether a tuple's object pattern covers the requested
// object. Objects are colon-separated segments; a trailing "*" pattern
// segment matches one or more remaining segments. Matching is anchored on
// segment boundaries: "sales:lead" does not match "sales:leads", while
// "sales:leads:create" matches "sales:*".
func MatchObject(pattern, object string) bool {
	if pattern == object {
		return true
	}
	ps := strings.Split(pattern, ":")
	os := strings.Split(object, ":")
	for i, seg := range ps {
		if seg == "*" && i == len(ps)-1 {
			return len(os) > i
		}
		if i >= len(os) || seg != os[i] {
			return false
		}
	}
	return len(os) == len(ps)
}

// Matches reports whether the tuple covers the request for any of the given
// subjects. The domain must already be scoped by the caller.
func (t Tuple) Matches(subjects map[string]struct{}, object, action string) bool {
	if _, ok := subjects[t.Subject]; !ok {
		return false
	}
	return MatchObject(t.Object, object) && MatchAction(t.Action, action)
}
