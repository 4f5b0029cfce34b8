package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"authplane.org/internal/audit"
	"authplane.org/internal/ids"
	"authplane.org/internal/obs"
)

// Request is a single authorization question: may subject perform action on
// object within domain.
type Request struct {
	Subject string `json:"subject"`
	Domain  string `json:"domain"`
	Object  string `json:"object"`
	Action  string `json:"action"`
}

func (r Request) validate() error {
	if !strings.HasPrefix(r.Subject, userPrefix) && !strings.HasPrefix(r.Subject, rolePrefix) {
		return fmt.Errorf("%w: subject must be user:<id> or role:<name>", ErrInvalidInput)
	}
	if !strings.HasPrefix(r.Domain, orgPrefix) || r.Domain == orgPrefix {
		return fmt.Errorf("%w: domain must be org:<tenant_id>", ErrInvalidInput)
	}
	if strings.TrimSpace(r.Object) == "" || strings.TrimSpace(r.Action) == "" {
		return fmt.Errorf("%w: object and action are required", ErrInvalidInput)
	}
	return nil
}

// Engine evaluates requests against the store with a per-domain decision
// cache. Mutations invalidate the touched domain before returning, so a
// caller that just revoked a grant cannot observe a stale allow.
//
// Evaluation order: resolve the subject's role closure, then scan the
// domain's tuples. Any matching deny wins over any number of allows; no
// matching tuple means deny.
type Engine struct {
	store    Store
	cache    *decisionCache
	recorder audit.Recorder
	now      func() time.Time

	// inheritMu makes the cycle walk and the edge insert atomic; without it
	// two concurrent inserts could each pass the walk and persist a cycle.
	inheritMu sync.Mutex
}

// Option configures optional Engine dependencies.
type Option func(*Engine)

// WithRecorder routes per-decision audit entries to rec.
func WithRecorder(rec audit.Recorder) Option {
	return func(e *Engine) { e.recorder = rec }
}

// WithClock overrides time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		cache:    newDecisionCache(),
		recorder: audit.NopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Check answers a single authorization request. Infrastructure failures
// return (false, err): the caller must treat them as deny.
func (e *Engine) Check(ctx context.Context, req Request) (bool, error) {
	start := e.now()
	if err := req.validate(); err != nil {
		return false, err
	}

	// The cache is a performance layer only: cached decisions are still
	// audited like freshly evaluated ones.
	if allowed, ok := e.cache.get(req.Domain, req.Subject, req.Object, req.Action); ok {
		obs.RecordDecision(decisionLabel(allowed), true, e.now().Sub(start))
		e.record(ctx, req, decisionStatus(allowed), allowed, nil, e.now().Sub(start))
		return allowed, nil
	}

	gen := e.cache.generation(req.Domain)
	allowed, err := e.evaluate(ctx, req)
	if err != nil {
		obs.RecordDecision("error", false, e.now().Sub(start))
		e.record(ctx, req, audit.StatusError, false, err, e.now().Sub(start))
		return false, err
	}

	e.cache.put(req.Domain, gen, req.Subject, req.Object, req.Action, allowed)
	obs.RecordDecision(decisionLabel(allowed), false, e.now().Sub(start))
	e.record(ctx, req, decisionStatus(allowed), allowed, nil, e.now().Sub(start))
	return allowed, nil
}

// BatchCheck evaluates requests in order and always returns exactly one
// result per request. An entry whose evaluation failed resolves to deny;
// the first failure is also returned so callers can log the degradation.
func (e *Engine) BatchCheck(ctx context.Context, reqs []Request) ([]bool, error) {
	results := make([]bool, len(reqs))
	var firstErr error
	for i, req := range reqs {
		allowed, err := e.Check(ctx, req)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("batch item %d: %w", i, err)
			}
			continue
		}
		results[i] = allowed
	}
	return results, firstErr
}

func (e *Engine) evaluate(ctx context.Context, req Request) (bool, error) {
	subjects, err := e.subjectClosure(ctx, req.Subject, req.Domain)
	if err != nil {
		return false, err
	}
	tuples, err := e.store.TuplesForDomain(ctx, req.Domain)
	if err != nil {
		return false, fmt.Errorf("load tuples: %w", err)
	}
	allowed := false
	for _, t := range tuples {
		if !t.Matches(subjects, req.Object, req.Action) {
			continue
		}
		if t.Effect == EffectDeny {
			return false, nil
		}
		allowed = true
	}
	return allowed, nil
}

// subjectClosure returns the subject itself plus every role reachable
// through grouping edges in the domain. The visited set makes traversal
// terminate even if a cyclic chain were ever present in storage.
func (e *Engine) subjectClosure(ctx context.Context, subject, domain string) (map[string]struct{}, error) {
	groupings, err := e.store.GroupingsForDomain(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("load groupings: %w", err)
	}
	edges := make(map[string][]string, len(groupings))
	for _, g := range groupings {
		edges[g.Member] = append(edges[g.Member], g.Role)
	}

	closure := map[string]struct{}{subject: {}}
	queue := []string{subject}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, role := range edges[cur] {
			if _, seen := closure[role]; seen {
				continue
			}
			closure[role] = struct{}{}
			queue = append(queue, role)
		}
	}
	return closure, nil
}

// ---------- Mutations ----------

// AddPolicy persists a tuple and invalidates the domain's cached decisions.
func (e *Engine) AddPolicy(ctx context.Context, t Tuple) error {
	if err := t.validate(); err != nil {
		return err
	}
	if err := e.store.AddTuple(ctx, t); err != nil {
		return err
	}
	e.cache.invalidateDomain(t.Domain)
	return nil
}

// RemovePolicy deletes a tuple and invalidates the domain's cached decisions.
func (e *Engine) RemovePolicy(ctx context.Context, t Tuple) error {
	if err := t.validate(); err != nil {
		return err
	}
	if err := e.store.RemoveTuple(ctx, t); err != nil {
		return err
	}
	e.cache.invalidateDomain(t.Domain)
	return nil
}

// AddRoleForUser assigns a role to a user within a domain.
func (e *Engine) AddRoleForUser(ctx context.Context, userID, role, domain string) error {
	g := Grouping{Member: UserSubject(userID), Role: RoleSubject(role), Domain: domain}
	if err := g.validate(); err != nil {
		return err
	}
	if err := e.store.AddGrouping(ctx, g); err != nil {
		return err
	}
	e.cache.invalidateDomain(domain)
	return nil
}

// RemoveRoleForUser removes a user's role assignment within a domain.
func (e *Engine) RemoveRoleForUser(ctx context.Context, userID, role, domain string) error {
	g := Grouping{Member: UserSubject(userID), Role: RoleSubject(role), Domain: domain}
	if err := g.validate(); err != nil {
		return err
	}
	if err := e.store.RemoveGrouping(ctx, g); err != nil {
		return err
	}
	e.cache.invalidateDomain(domain)
	return nil
}

// AddRoleInheritance makes child inherit parent's grants within a domain.
// The edge is rejected with ErrCycle if parent already reaches child, so
// the stored inheritance graph stays acyclic.
func (e *Engine) AddRoleInheritance(ctx context.Context, child, parent, domain string) error {
	g := Grouping{Member: RoleSubject(child), Role: RoleSubject(parent), Domain: domain}
	if err := g.validate(); err != nil {
		return err
	}
	e.inheritMu.Lock()
	defer e.inheritMu.Unlock()
	reachable, err := e.subjectClosure(ctx, g.Role, domain)
	if err != nil {
		return err
	}
	if _, ok := reachable[g.Member]; ok {
		return fmt.Errorf("%w: %s already inherits %s", ErrCycle, parent, child)
	}
	if err := e.store.AddGrouping(ctx, g); err != nil {
		return err
	}
	e.cache.invalidateDomain(domain)
	return nil
}

// RemoveRoleInheritance removes an inheritance edge within a domain.
func (e *Engine) RemoveRoleInheritance(ctx context.Context, child, parent, domain string) error {
	g := Grouping{Member: RoleSubject(child), Role: RoleSubject(parent), Domain: domain}
	if err := g.validate(); err != nil {
		return err
	}
	if err := e.store.RemoveGrouping(ctx, g); err != nil {
		return err
	}
	e.cache.invalidateDomain(domain)
	return nil
}

// ---------- Helpers ----------

func decisionLabel(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}

func decisionStatus(allowed bool) audit.Status {
	if allowed {
		return audit.StatusAllow
	}
	return audit.StatusDeny
}

func (e *Engine) record(ctx context.Context, req Request, status audit.Status, allowed bool, cause error, d time.Duration) {
	payload, _ := json.Marshal(req)
	entry := audit.Entry{
		ID:          ids.New(),
		TenantID:    strings.TrimPrefix(req.Domain, orgPrefix),
		Status:      status,
		Payload:     string(payload),
		Response:    fmt.Sprintf(`{"allowed":%t}`, allowed),
		Duration:    d,
		TriggeredBy: req.Subject,
		OpType:      "policy.check",
		CreatedAt:   e.now(),
	}
	if cause != nil {
		entry.ErrorMsg = cause.Error()
	}
	e.recorder.Record(ctx, entry)
}
