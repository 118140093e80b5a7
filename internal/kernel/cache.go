package kernel

import (
	"context"
	"sync"
)

type cacheKey struct {
	path    string
	mtimeNS int64
}

// MetaCache memoizes probe results keyed by (path, mtime_ns). A rewritten
// file carries a new mtime and misses; entries are replaced whole, never
// mutated, so readers can hold a result across a concurrent refresh.
type MetaCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]*ProbeResult
}

// NewMetaCache returns an empty cache.
func NewMetaCache() *MetaCache {
	return &MetaCache{entries: make(map[cacheKey]*ProbeResult)}
}

// Get returns the cached result for (path, mtimeNS), if any.
func (c *MetaCache) Get(path string, mtimeNS int64) (*ProbeResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.entries[cacheKey{path, mtimeNS}]
	return r, ok
}

// Put stores a result for (path, mtimeNS), dropping any entry for an older
// mtime of the same path.
func (c *MetaCache) Put(path string, mtimeNS int64, r *ProbeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.path == path && k.mtimeNS != mtimeNS {
			delete(c.entries, k)
		}
	}
	c.entries[cacheKey{path, mtimeNS}] = r
}

// Len returns the number of cached entries.
func (c *MetaCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Probe returns the cached result for (path, mtimeNS) or probes through k
// and caches the outcome. Errors are not cached.
func (c *MetaCache) Probe(ctx context.Context, k Kernel, path string, mtimeNS int64) (*ProbeResult, error) {
	if r, ok := c.Get(path, mtimeNS); ok {
		return r, nil
	}
	r, err := k.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	c.Put(path, mtimeNS, r)
	return r, nil
}
