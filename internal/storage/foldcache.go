package storage

import (
	"strings"
	"sync"

	"github.com/resolvd-ai/resolvd/internal/model"
)

const foldCacheMax = 4096

// foldCache memoizes folded aggregates so reloading a long-lived exception
// only folds the events appended since the last load. Events are immutable
// once written, so a cached fold at version N is always a valid prefix; a
// stale entry just means folding a few more rows.
type foldCache struct {
	mu      sync.Mutex
	entries map[string]model.ExceptionAggregate
}

func newFoldCache() *foldCache {
	return &foldCache{entries: make(map[string]model.ExceptionAggregate)}
}

func foldKey(tenantID, exceptionID string) string {
	return tenantID + "/" + exceptionID
}

func (c *foldCache) get(tenantID, exceptionID string) (model.ExceptionAggregate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	agg, ok := c.entries[foldKey(tenantID, exceptionID)]
	return agg, ok
}

func (c *foldCache) put(agg model.ExceptionAggregate) {
	if agg.Version == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= foldCacheMax {
		// Evict an arbitrary entry; the cache is an optimization, not a
		// source of truth.
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[foldKey(agg.TenantID, agg.ExceptionID)] = agg
}

// invalidateTenant drops every cached fold for a tenant. Called after a
// retention purge so deleted histories do not linger as projections.
func (c *foldCache) invalidateTenant(tenantID string) {
	prefix := tenantID + "/"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}
