package gateway

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tansucloud/tansucloud/pkg/log"
	"github.com/tansucloud/tansucloud/pkg/metrics"
	"github.com/tansucloud/tansucloud/pkg/policystore"
	"github.com/tansucloud/tansucloud/pkg/problem"
)

// rateLimitCategory is the log category operators can raise to Debug to get
// one event per rejection.
const rateLimitCategory = "RateLimit"

// DefaultAggregationWindow is how often rejection summaries are emitted.
const DefaultAggregationWindow = 60 * time.Second

// RejectionAggregator batches rate-limit rejections into one summary log
// event per window, with the top partitions by count.
type RejectionAggregator struct {
	mu     sync.Mutex
	window time.Duration
	counts map[string]int
	logger zerolog.Logger
}

// NewRejectionAggregator creates an aggregator. A non-positive window falls
// back to the default.
func NewRejectionAggregator(window time.Duration) *RejectionAggregator {
	if window <= 0 {
		window = DefaultAggregationWindow
	}
	return &RejectionAggregator{
		window: window,
		counts: make(map[string]int),
		logger: log.WithComponent("ratelimit"),
	}
}

// Report records one rejection. When the category override is at Debug or
// finer it also emits a per-rejection event.
func (a *RejectionAggregator) Report(route, tenant, partition string) {
	key := route + "|" + tenant + "|" + partition
	a.mu.Lock()
	a.counts[key]++
	a.mu.Unlock()

	if log.CategoryEnabled(rateLimitCategory, log.DebugLevel) {
		a.logger.Debug().
			Str("event", "RateLimitRejectedDebug").
			Str("route", route).
			Str("tenant", tenant).
			Str("partition", partition).
			Msg("rate limit rejection")
	}
}

// Run flushes summaries until the context is canceled, then flushes once
// more on the way out.
func (a *RejectionAggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.Flush()
			return
		case <-ticker.C:
			a.Flush()
		}
	}
}

type partitionCount struct {
	Partition string `json:"partition"`
	Count     int    `json:"count"`
}

// Flush emits one summary event covering the window and resets the counts.
// Windows without rejections emit nothing.
func (a *RejectionAggregator) Flush() {
	a.mu.Lock()
	counts := a.counts
	a.counts = make(map[string]int)
	a.mu.Unlock()

	if len(counts) == 0 {
		return
	}

	total := 0
	top := make([]partitionCount, 0, len(counts))
	for key, n := range counts {
		total += n
		top = append(top, partitionCount{Partition: key, Count: n})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Partition < top[j].Partition
	})
	if len(top) > 3 {
		top = top[:3]
	}

	a.logger.Info().
		Str("event", "RateLimitRejectedSummary").
		Int("total", total).
		Interface("topPartitions", top).
		Msg("rate limit rejections in window")
}

// RateLimiter applies enabled rate-limit policies with one token bucket per
// partition.
type RateLimiter struct {
	engine *Engine
	agg    *RejectionAggregator

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter over the engine's rate policies.
func NewRateLimiter(engine *Engine, agg *RejectionAggregator) *RateLimiter {
	return &RateLimiter{
		engine:   engine,
		agg:      agg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Middleware rejects requests over the limit with 429. Shadow and AuditOnly
// policies report rejections without rejecting.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range l.engine.RatePolicies() {
			partition := partitionKey(p.cfg.PartitionBy, r)
			if l.allow(p, partition) {
				continue
			}
			route := RouteBaseFrom(r.Context())
			metrics.RateLimitRejections.WithLabelValues(route).Inc()
			l.agg.Report(route, TenantFrom(r.Context()), partition)

			if p.entry.Mode == policystore.ModeEnforce {
				w.Header().Set("Retry-After", "1")
				problem.Write(w, problem.Details{
					Title:  "Too Many Requests",
					Status: http.StatusTooManyRequests,
					Detail: "rate limit exceeded",
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) allow(p ratePolicy, partition string) bool {
	key := p.entry.ID + "|" + partition
	l.mu.Lock()
	limiter, ok := l.limiters[key]
	if !ok {
		burst := p.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(p.cfg.PermitsPerSecond), burst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

func partitionKey(by string, r *http.Request) string {
	switch strings.ToLower(by) {
	case "ip":
		if ip := clientIP(r.RemoteAddr); ip != nil {
			return ip.String()
		}
		return r.RemoteAddr
	case "route":
		return RouteBaseFrom(r.Context())
	default:
		return TenantFrom(r.Context())
	}
}
