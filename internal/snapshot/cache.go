package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/resolvd-ai/resolvd/internal/model"
)

// Cache is a TTL cache over a Provider, keyed by "tenant/domain".
// Entries also expire when the underlying provider is known to have a
// newer version (pack activation calls Invalidate).
type Cache struct {
	next Provider

	mu      sync.RWMutex
	entries map[string]cachedSnapshot
	ttl     time.Duration
	done    chan struct{}
}

type cachedSnapshot struct {
	snap      *model.ConfigSnapshot
	expiresAt time.Time
}

// NewCache wraps a provider with a TTL cache.
// Call Close to stop the background eviction goroutine.
func NewCache(next Provider, ttl time.Duration) *Cache {
	c := &Cache{
		next:    next,
		entries: make(map[string]cachedSnapshot),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Active returns the cached snapshot when fresh, otherwise resolves
// through the underlying provider. Misses on ErrSnapshotMissing are not
// negatively cached: a pack activated moments later must be picked up.
func (c *Cache) Active(ctx context.Context, tenantID, domain string) (*model.ConfigSnapshot, error) {
	key := tenantID + "/" + domain

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.snap, nil
	}

	snap, err := c.next.Active(ctx, tenantID, domain)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cachedSnapshot{snap: snap, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return snap, nil
}

// Invalidate drops the cached snapshot for one (tenant, domain). Called
// on pack activation notifications.
func (c *Cache) Invalidate(tenantID, domain string) {
	c.mu.Lock()
	delete(c.entries, tenantID+"/"+domain)
	c.mu.Unlock()
}

// Close stops the background eviction goroutine.
func (c *Cache) Close() {
	close(c.done)
}

func (c *Cache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
