package gateway

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tansucloud/tansucloud/pkg/cacheversion"
	"github.com/tansucloud/tansucloud/pkg/etag"
	"github.com/tansucloud/tansucloud/pkg/metrics"
	"github.com/tansucloud/tansucloud/pkg/policystore"
	"github.com/tansucloud/tansucloud/pkg/problem"
)

// maxCachedBodyBytes keeps pathological responses out of the in-memory
// cache.
const maxCachedBodyBytes = 1 << 20

// pruneThreshold triggers expired-entry cleanup on writes.
const pruneThreshold = 1024

type cachedResponse struct {
	Status    int
	Header    http.Header
	Body      []byte
	ETag      string
	StoredAt  time.Time
	ExpiresAt time.Time
}

func (c *cachedResponse) expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// OutputCache is the gateway's dynamic response cache. Keys embed the
// per-tenant cache version, so bumping the version makes every previous key
// unreachable without explicit eviction.
type OutputCache struct {
	mu       sync.RWMutex
	entries  map[string]*cachedResponse
	versions *cacheversion.Counter
	engine   *Engine
}

// NewOutputCache creates the cache over the engine's cache policies.
func NewOutputCache(engine *Engine, versions *cacheversion.Counter) *OutputCache {
	return &OutputCache{
		entries:  make(map[string]*cachedResponse),
		versions: versions,
		engine:   engine,
	}
}

// Middleware serves cacheable GET responses from memory and validates
// conditional requests. The first enabled cache policy wins.
func (c *OutputCache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		policies := c.engine.CachePolicies()
		if len(policies) == 0 || r.Header.Get("Upgrade") != "" {
			next.ServeHTTP(w, r)
			return
		}
		p := policies[0]
		tenantID := TenantFrom(r.Context())
		key := c.keyFor(p, tenantID, r)

		switch r.Method {
		case http.MethodGet, http.MethodHead:
			c.serveRead(w, r, p, key, next)
		default:
			c.serveWrite(w, r, key, next)
		}
	})
}

func (c *OutputCache) serveRead(w http.ResponseWriter, r *http.Request, p cachePolicy, key string, next http.Handler) {
	if entry, ok := c.lookup(key, false); ok {
		metrics.CacheHits.Inc()
		if etag.Match(r.Header.Get("If-None-Match"), entry.ETag) {
			w.Header().Set("ETag", entry.ETag)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		writeCached(w, entry, false)
		return
	}
	metrics.CacheMisses.Inc()

	rec := &responseBuffer{header: make(http.Header)}
	next.ServeHTTP(rec, r)

	weak := ""
	if rec.status == http.StatusOK && rec.body.Len() <= maxCachedBodyBytes {
		weak = etag.Weak(rec.body.Bytes())
		if p.entry.Mode != policystore.ModeShadow {
			c.store(key, &cachedResponse{
				Status:    rec.status,
				Header:    rec.header.Clone(),
				Body:      bytes.Clone(rec.body.Bytes()),
				ETag:      weak,
				StoredAt:  time.Now().UTC(),
				ExpiresAt: time.Now().UTC().Add(time.Duration(p.cfg.TTLSeconds) * time.Second),
			})
		}
		if etag.Match(r.Header.Get("If-None-Match"), weak) {
			w.Header().Set("ETag", weak)
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	rec.flushTo(w, weak)
}

func (c *OutputCache) serveWrite(w http.ResponseWriter, r *http.Request, key string, next http.Handler) {
	if ifMatch := r.Header.Get("If-Match"); ifMatch != "" {
		if entry, ok := c.lookup(key, true); ok && !etag.Match(ifMatch, entry.ETag) {
			problem.PreconditionFailed(w, "entity tag does not match current representation")
			return
		}
	}
	// The tenant's cache version bump invalidates siblings; the exact key is
	// dropped eagerly.
	c.invalidate(key)
	next.ServeHTTP(w, r)
}

// Stale returns a cached response for the key even after expiry. Used when
// an upstream breaker is open.
func (c *OutputCache) Stale(key string) (*cachedResponse, bool) {
	return c.lookup(key, true)
}

// KeyFor exposes key derivation for the proxy's stale-read path.
func (c *OutputCache) KeyFor(r *http.Request) (string, bool) {
	policies := c.engine.CachePolicies()
	if len(policies) == 0 {
		return "", false
	}
	return c.keyFor(policies[0], TenantFrom(r.Context()), r), true
}

func (c *OutputCache) keyFor(p cachePolicy, tenantID string, r *http.Request) string {
	version := uint64(0)
	if c.versions != nil {
		version = c.versions.Get(tenantID)
	}
	parts := []string{tenantID, p.entry.ID, strconv.FormatUint(version, 10), r.URL.Path}
	if p.cfg.VaryByHost {
		parts = append(parts, "host="+r.Host)
	}
	for _, q := range p.cfg.VaryByQuery {
		parts = append(parts, "q:"+q+"="+r.URL.Query().Get(q))
	}
	for _, h := range p.cfg.VaryByHeaders {
		parts = append(parts, "h:"+h+"="+r.Header.Get(h))
	}
	for _, rv := range p.cfg.VaryByRouteValue {
		parts = append(parts, "rv:"+rv+"="+chi.URLParam(r, rv))
	}
	return strings.Join(parts, "|")
}

func (c *OutputCache) lookup(key string, includeExpired bool) (*cachedResponse, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !includeExpired && entry.expired(time.Now()) {
		return nil, false
	}
	return entry, true
}

func (c *OutputCache) store(key string, entry *cachedResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= pruneThreshold {
		now := time.Now()
		for k, v := range c.entries {
			if v.expired(now) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = entry
}

func (c *OutputCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func writeCached(w http.ResponseWriter, entry *cachedResponse, stale bool) {
	for k, vs := range entry.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("ETag", entry.ETag)
	if stale {
		w.Header().Set("Warning", `110 - "Response is Stale"`)
	}
	w.WriteHeader(entry.Status)
	w.Write(entry.Body)
}

// responseBuffer captures a downstream response so the cache can store it
// and set validators before flushing to the client.
type responseBuffer struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func (b *responseBuffer) Header() http.Header { return b.header }

func (b *responseBuffer) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *responseBuffer) flushTo(w http.ResponseWriter, weak string) {
	for k, vs := range b.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if weak != "" {
		w.Header().Set("ETag", weak)
	}
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(b.body.Bytes())
}
