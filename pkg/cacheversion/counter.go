package cacheversion

import (
	"strings"
	"sync"

	"github.com/tansucloud/tansucloud/pkg/metrics"
)

// Counter holds the per-tenant monotonic cache version. Cached entries mix
// the version into their keys, so one Increment invalidates a tenant's whole
// cache without touching individual entries.
type Counter struct {
	mu       sync.RWMutex
	versions map[string]uint64
}

// NewCounter creates an empty counter.
func NewCounter() *Counter {
	return &Counter{
		versions: make(map[string]uint64),
	}
}

// Get returns the current version for a tenant. Unknown tenants are at 0.
func (c *Counter) Get(tenant string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.versions[tenant]
}

// Increment atomically bumps a tenant's version and returns the new value.
// Blank tenants are a no-op returning 0. Wrap-around is permitted; readers
// only rely on the value changing.
func (c *Counter) Increment(tenant string) uint64 {
	if strings.TrimSpace(tenant) == "" {
		return 0
	}
	c.mu.Lock()
	c.versions[tenant]++
	v := c.versions[tenant]
	c.mu.Unlock()
	metrics.CacheVersionBumps.Inc()
	return v
}
