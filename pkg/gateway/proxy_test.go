package gateway

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tansucloud/tansucloud/pkg/cacheversion"
	"github.com/tansucloud/tansucloud/pkg/policystore"
	"github.com/tansucloud/tansucloud/pkg/tenant"
)

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestProxyRoutesByFirstSegment(t *testing.T) {
	var gotPath, gotTenant, gotCorrelation, gotForwardedHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotTenant = r.Header.Get(tenant.HeaderName)
		gotCorrelation = r.Header.Get(CorrelationHeader)
		gotForwardedHost = r.Header.Get("X-Forwarded-Host")
		w.Write([]byte("ok"))
	}))
	t.Cleanup(upstream.Close)

	p := NewProxy([]Upstream{{Name: "db", Target: mustParseURL(t, upstream.URL)}}, nil)
	h := Enrich(p)

	req := httptest.NewRequest("GET", "/t/acme/db/api/items", nil)
	req.Header.Set(CorrelationHeader, "corr-1")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/t/acme/db/api/items", gotPath)
	assert.Equal(t, "acme", gotTenant)
	assert.Equal(t, "corr-1", gotCorrelation)
	assert.NotEmpty(t, gotForwardedHost)
}

func TestProxyUnknownRoute(t *testing.T) {
	p := NewProxy(nil, nil)
	h := Enrich(p)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/nowhere/api", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProxyDeadUpstreamIsBadGateway(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := upstream.URL
	upstream.Close()

	p := NewProxy([]Upstream{{Name: "db", Target: mustParseURL(t, target)}}, nil)
	h := Enrich(p)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/db/api", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestProxyOpenBreakerServesStaleEnvelope(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := upstream.URL
	upstream.Close()

	engine := newTestEngine(t, nil, cachePolicyEntry(policystore.ModeEnforce))
	cache := NewOutputCache(engine, cacheversion.NewCounter())

	// A stale entry for the key the request will derive.
	keyReq := httptest.NewRequest("GET", "/db/api", nil)
	key := cache.keyFor(engine.CachePolicies()[0], "", keyReq)
	cache.store(key, &cachedResponse{
		Status:    http.StatusOK,
		Header:    http.Header{},
		Body:      []byte(`{"value":42}`),
		StoredAt:  time.Now().UTC().Add(-10 * time.Minute),
		ExpiresAt: time.Now().UTC().Add(-9 * time.Minute),
	})

	p := NewProxy([]Upstream{{Name: "db", Target: mustParseURL(t, target)}}, cache)
	h := Enrich(p)

	// Trip the breaker with consecutive transport failures.
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/db/api", nil))
		require.Equal(t, http.StatusBadGateway, rec.Code)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/db/api", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"isStale":true`)
	assert.Contains(t, body, `"value":42`)
	assert.Contains(t, body, `"ageSeconds"`)
}

func TestProxyOpenBreakerWithoutStaleIs503(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := upstream.URL
	upstream.Close()

	p := NewProxy([]Upstream{{Name: "db", Target: mustParseURL(t, target)}}, nil)
	h := Enrich(p)

	for i := 0; i < 5; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/db/api", nil))
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/db/api", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProxyBodyLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)

	p := NewProxy([]Upstream{{
		Name:           "db",
		Target:         mustParseURL(t, upstream.URL),
		BodyLimitBytes: 4,
	}}, nil)
	h := Enrich(p)

	small := httptest.NewRequest("POST", "/db/api", strings.NewReader("hi"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, small)
	assert.Equal(t, http.StatusOK, rec.Code)

	big := httptest.NewRequest("POST", "/db/api", strings.NewReader("definitely too large"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, big)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
