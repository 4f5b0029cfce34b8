package policy

import (
	"context"
	"fmt"
	"sync"
)

// Store persists policy tuples and role groupings. Reads are per-domain so
// the engine can load a tenant's ruleset in one call.
type Store interface {
	AddTuple(ctx context.Context, t Tuple) error
	RemoveTuple(ctx context.Context, t Tuple) error
	TuplesForDomain(ctx context.Context, domain string) ([]Tuple, error)

	AddGrouping(ctx context.Context, g Grouping) error
	RemoveGrouping(ctx context.Context, g Grouping) error
	GroupingsForDomain(ctx context.Context, domain string) ([]Grouping, error)
}

// ---------- In-memory store ----------

// MemStore is an in-memory Store for tests and single-process deployments.
type MemStore struct {
	mu        sync.RWMutex
	tuples    map[string]Tuple
	groupings map[string]Grouping
}

func NewMemStore() *MemStore {
	return &MemStore{
		tuples:    make(map[string]Tuple),
		groupings: make(map[string]Grouping),
	}
}

func tupleKey(t Tuple) string {
	return t.Domain + "\x00" + t.Subject + "\x00" + t.Object + "\x00" + t.Action + "\x00" + string(t.Effect)
}

func groupingKey(g Grouping) string {
	return g.Domain + "\x00" + g.Member + "\x00" + g.Role
}

func (m *MemStore) AddTuple(_ context.Context, t Tuple) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tupleKey(t)
	if _, ok := m.tuples[k]; ok {
		return fmt.Errorf("%w: tuple", ErrConflict)
	}
	m.tuples[k] = t
	return nil
}

func (m *MemStore) RemoveTuple(_ context.Context, t Tuple) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tupleKey(t)
	if _, ok := m.tuples[k]; !ok {
		return fmt.Errorf("%w: tuple", ErrNotFound)
	}
	delete(m.tuples, k)
	return nil
}

func (m *MemStore) TuplesForDomain(_ context.Context, domain string) ([]Tuple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Tuple
	for _, t := range m.tuples {
		if t.Domain == domain {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemStore) AddGrouping(_ context.Context, g Grouping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := groupingKey(g)
	if _, ok := m.groupings[k]; ok {
		return fmt.Errorf("%w: grouping", ErrConflict)
	}
	m.groupings[k] = g
	return nil
}

func (m *MemStore) RemoveGrouping(_ context.Context, g Grouping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := groupingKey(g)
	if _, ok := m.groupings[k]; !ok {
		return fmt.Errorf("%w: grouping", ErrNotFound)
	}
	delete(m.groupings, k)
	return nil
}

func (m *MemStore) GroupingsForDomain(_ context.Context, domain string) ([]Grouping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Grouping
	for _, g := range m.groupings {
		if g.Domain == domain {
			out = append(out, g)
		}
	}
	return out, nil
}
