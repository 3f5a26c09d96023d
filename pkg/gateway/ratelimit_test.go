package gateway

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tansucloud/tansucloud/pkg/log"
	"github.com/tansucloud/tansucloud/pkg/policystore"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: &buf})
	t.Cleanup(func() { log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true}) })
	return &buf
}

func TestAggregatorEmitsOneSummaryPerWindow(t *testing.T) {
	buf := captureLogs(t)
	agg := NewRejectionAggregator(time.Second)

	agg.Report("db", "acme", "p1")
	agg.Report("db", "acme", "p1")
	agg.Report("db", "globex", "p2")
	agg.Flush()

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "RateLimitRejectedSummary"))
	assert.Zero(t, strings.Count(out, "RateLimitRejectedDebug"))
	assert.Contains(t, out, `"total":3`)
	// p1 outranks p2 in the top partitions.
	assert.Less(t, strings.Index(out, "p1"), strings.Index(out, "p2"))
}

func TestAggregatorEmptyWindowEmitsNothing(t *testing.T) {
	buf := captureLogs(t)
	agg := NewRejectionAggregator(time.Second)

	agg.Flush()
	assert.Empty(t, buf.String())
}

func TestAggregatorDebugOverride(t *testing.T) {
	buf := captureLogs(t)
	log.SetCategoryLevel(rateLimitCategory, log.DebugLevel)
	t.Cleanup(func() { log.ClearCategoryLevel(rateLimitCategory) })

	agg := NewRejectionAggregator(time.Second)
	agg.Report("db", "acme", "p1")

	assert.Contains(t, buf.String(), "RateLimitRejectedDebug")
}

func TestAggregatorTopThree(t *testing.T) {
	buf := captureLogs(t)
	agg := NewRejectionAggregator(time.Second)

	for i := 0; i < 4; i++ {
		agg.Report("db", "acme", "p1")
	}
	agg.Report("db", "acme", "p2")
	agg.Report("db", "acme", "p3")
	agg.Report("db", "acme", "p4")

	agg.mu.Lock()
	assert.Len(t, agg.counts, 4)
	agg.mu.Unlock()

	buf.Reset()
	agg.Flush()
	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "RateLimitRejectedSummary"))
	assert.Contains(t, out, "p1")
	assert.NotContains(t, out, "p4")
}

func rateLimitEntry(mode policystore.Mode) *policystore.Entry {
	return policy("limit", policystore.TypeRateLimit, mode, policystore.RateLimitConfig{
		PermitsPerSecond: 0.001,
		Burst:            1,
		PartitionBy:      "tenant",
	})
}

func TestRateLimiterEnforceRejects(t *testing.T) {
	captureLogs(t)
	engine := newTestEngine(t, nil, rateLimitEntry(policystore.ModeEnforce))
	limiter := NewRateLimiter(engine, NewRejectionAggregator(time.Second))
	next, calls := okHandler()
	h := Enrich(limiter.Middleware(next))

	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, httptest.NewRequest("GET", "/db/api", nil))
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest("GET", "/db/api", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
	assert.Equal(t, "1", rec2.Header().Get("Retry-After"))
	assert.Equal(t, 1, *calls)
}

func TestRateLimiterShadowNeverRejects(t *testing.T) {
	captureLogs(t)
	engine := newTestEngine(t, nil, rateLimitEntry(policystore.ModeShadow))
	limiter := NewRateLimiter(engine, NewRejectionAggregator(time.Second))
	next, calls := okHandler()
	h := Enrich(limiter.Middleware(next))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/db/api", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 3, *calls)
}

func TestRateLimiterPartitionsByTenant(t *testing.T) {
	captureLogs(t)
	engine := newTestEngine(t, nil, rateLimitEntry(policystore.ModeEnforce))
	limiter := NewRateLimiter(engine, NewRejectionAggregator(time.Second))
	next, _ := okHandler()
	h := Enrich(limiter.Middleware(next))

	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, httptest.NewRequest("GET", "/t/acme/db/api", nil))
	require.Equal(t, http.StatusOK, rec1.Code)

	// A different tenant gets its own bucket.
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest("GET", "/t/globex/db/api", nil))
	assert.Equal(t, http.StatusOK, rec2.Code)

	rec3 := httptest.NewRecorder()
	h.ServeHTTP(rec3, httptest.NewRequest("GET", "/t/acme/db/api", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec3.Code)
}
