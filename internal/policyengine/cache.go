package policyengine

import (
	"sync"
	"sync/atomic"
	"time"
)

// decisionCache is a thread-safe cache of policy decisions keyed by request
// fingerprint, with per-entry expiration. Reload swaps the evaluator's rule
// set behind a lock (see Engine.reload); the cache itself is invalidated
// wholesale on reload rather than tracking per-rule dependencies.
type decisionCache struct {
	mu         sync.RWMutex
	entries    map[string]cacheEntry
	defaultTTL time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheEntry struct {
	decision  cachedDecision
	expiresAt time.Time
}

func newDecisionCache(ttl time.Duration) *decisionCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{
		entries:    make(map[string]cacheEntry),
		defaultTTL: ttl,
	}
}

func (c *decisionCache) get(fingerprint string) (cachedDecision, bool) {
	c.mu.RLock()
	entry, ok := c.entries[fingerprint]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return cachedDecision{}, false
	}
	if time.Now().After(entry.expiresAt) {
		c.misses.Add(1)
		c.mu.Lock()
		delete(c.entries, fingerprint)
		c.mu.Unlock()
		return cachedDecision{}, false
	}
	c.hits.Add(1)
	return entry.decision, true
}

func (c *decisionCache) set(fingerprint string, decision cachedDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = cacheEntry{
		decision:  decision,
		expiresAt: time.Now().Add(c.defaultTTL),
	}
}

// invalidateAll drops every cached entry. Called on policy reload so that
// in-flight evaluations either saw the old rule set (cache hit, pre-reload
// value) or the new one (cache miss, re-evaluated) — never a torn mix.
func (c *decisionCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

func (c *decisionCache) stats() (hits, misses uint64, size int) {
	c.mu.RLock()
	size = len(c.entries)
	c.mu.RUnlock()
	return c.hits.Load(), c.misses.Load(), size
}
