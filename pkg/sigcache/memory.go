package sigcache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryCache is an in-process Cache used by tests and single-node runs
type MemoryCache struct {
	mu      sync.Mutex
	sets    map[string]map[string]struct{}
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryCache creates an empty in-memory signature cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		sets:    make(map[string]map[string]struct{}),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// WithClock overrides the time source, for expiry tests
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.now = now
	return c
}

// Add adds signatures to the set and refreshes its expiry
func (c *MemoryCache) Add(ctx context.Context, key string, signatures []string, ttl time.Duration) error {
	if len(signatures) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked(key)
	set, ok := c.sets[key]
	if !ok {
		set = make(map[string]struct{}, len(signatures))
		c.sets[key] = set
	}
	for _, sig := range signatures {
		set[sig] = struct{}{}
	}
	if ttl > 0 {
		c.expires[key] = c.now().Add(ttl)
	}
	return nil
}

// Difference returns members of base missing from subtract, sorted
func (c *MemoryCache) Difference(ctx context.Context, base, subtract string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked(base)
	c.evictLocked(subtract)

	out := make([]string, 0)
	other := c.sets[subtract]
	for sig := range c.sets[base] {
		if _, seen := other[sig]; !seen {
			out = append(out, sig)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Members returns the members of the set at key, sorted
func (c *MemoryCache) Members(ctx context.Context, key string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked(key)
	out := make([]string, 0, len(c.sets[key]))
	for sig := range c.sets[key] {
		out = append(out, sig)
	}
	sort.Strings(out)
	return out, nil
}

// TTL returns the remaining lifetime of key, or 0 when it has none
func (c *MemoryCache) TTL(key string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	exp, ok := c.expires[key]
	if !ok {
		return 0
	}
	return exp.Sub(c.now())
}

// Close is a no-op
func (c *MemoryCache) Close() error {
	return nil
}

func (c *MemoryCache) evictLocked(key string) {
	exp, ok := c.expires[key]
	if ok && !c.now().Before(exp) {
		delete(c.sets, key)
		delete(c.expires, key)
	}
}
