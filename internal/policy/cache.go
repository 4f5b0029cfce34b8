package policy

import "sync"

// decisionCache memoizes Check outcomes per domain. Every domain carries a
// generation counter that invalidation bumps; a result computed against an
// older generation is discarded on store, so a write that lands between a
// check's store read and its cache fill can never be masked by that check
// re-inserting the stale answer.
type decisionCache struct {
	mu      sync.RWMutex
	domains map[string]*domainDecisions
}

type domainDecisions struct {
	gen     uint64
	entries map[string]bool
}

func newDecisionCache() *decisionCache {
	return &decisionCache{domains: make(map[string]*domainDecisions)}
}

func decisionKey(subject, object, action string) string {
	return subject + "|" + object + "|" + action
}

// generation returns the domain's current generation, creating the domain
// record so a concurrent invalidation is guaranteed to observe it.
func (c *decisionCache) generation(domain string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.domains[domain]
	if !ok {
		d = &domainDecisions{entries: make(map[string]bool)}
		c.domains[domain] = d
	}
	return d.gen
}

func (c *decisionCache) get(domain, subject, object, action string) (allowed, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, found := c.domains[domain]
	if !found {
		return false, false
	}
	allowed, ok = d.entries[decisionKey(subject, object, action)]
	return allowed, ok
}

// put stores a decision computed against gen. A stale generation means the
// domain was written to mid-evaluation; the result is dropped.
func (c *decisionCache) put(domain string, gen uint64, subject, object, action string, allowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, found := c.domains[domain]
	if !found || d.gen != gen {
		return
	}
	d.entries[decisionKey(subject, object, action)] = allowed
}

func (c *decisionCache) invalidateDomain(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, found := c.domains[domain]
	if !found {
		c.domains[domain] = &domainDecisions{gen: 1, entries: make(map[string]bool)}
		return
	}
	d.gen++
	d.entries = make(map[string]bool)
}
