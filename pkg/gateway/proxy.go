package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/propagation"

	"github.com/tansucloud/tansucloud/pkg/log"
	"github.com/tansucloud/tansucloud/pkg/metrics"
	"github.com/tansucloud/tansucloud/pkg/problem"
)

// Upstream maps a route base to a backend service.
type Upstream struct {
	Name           string
	Target         *url.URL
	BodyLimitBytes int64
	Timeout        time.Duration
}

// staleEnvelope wraps a cached response served while the upstream breaker is
// open. Writes never serve stale data.
type staleEnvelope struct {
	Data       json.RawMessage `json:"data"`
	IsStale    bool            `json:"isStale"`
	CachedAt   time.Time       `json:"cachedAt"`
	AgeSeconds int64           `json:"ageSeconds"`
}

type proxyRoute struct {
	upstream Upstream
	handler  *httputil.ReverseProxy
	breaker  *gobreaker.CircuitBreaker
}

// Proxy routes requests to upstreams by first path segment, with a circuit
// breaker per upstream.
type Proxy struct {
	routes map[string]*proxyRoute
	cache  *OutputCache
	logger zerolog.Logger
}

// NewProxy builds the route table. cache may be nil; without it an open
// breaker always yields 503.
func NewProxy(upstreams []Upstream, cache *OutputCache) *Proxy {
	p := &Proxy{
		routes: make(map[string]*proxyRoute, len(upstreams)),
		cache:  cache,
		logger: log.WithComponent("proxy"),
	}
	for _, u := range upstreams {
		p.routes[u.Name] = p.newRoute(u)
	}
	return p
}

func (p *Proxy) newRoute(u Upstream) *proxyRoute {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: u.Name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn().Str("upstream", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("upstream breaker state change")
		},
	})

	target := u.Target
	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			// Path and query are preserved; the upstream sees the original
			// request shape.
			req.Header.Set("X-Forwarded-Host", req.Host)
			traceContext.Inject(req.Context(), propagation.HeaderCarrier(req.Header))
		},
		Transport: &breakerTransport{breaker: breaker, base: http.DefaultTransport},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.handleError(w, r, u, err)
		},
	}
	return &proxyRoute{upstream: u, handler: rp, breaker: breaker}
}

// ServeHTTP dispatches by route base. Unknown routes get 404.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, ok := p.routes[RouteBaseFrom(r.Context())]
	if !ok {
		problem.NotFound(w, "no upstream for route")
		return
	}

	if route.upstream.BodyLimitBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, route.upstream.BodyLimitBytes)
	}
	// Upgraded connections live past any sensible timeout.
	if route.upstream.Timeout > 0 && !isUpgrade(r) {
		ctx, cancel := context.WithTimeout(r.Context(), route.upstream.Timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}
	route.handler.ServeHTTP(w, r)
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, u Upstream, err error) {
	breakerOpen := errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
	if breakerOpen && r.Method == http.MethodGet && p.cache != nil {
		if key, ok := p.cache.KeyFor(r); ok {
			if entry, ok := p.cache.Stale(key); ok {
				p.serveStale(w, entry)
				return
			}
		}
	}

	zerolog.Ctx(r.Context()).Warn().Err(err).Str("upstream", u.Name).Msg("upstream request failed")
	if breakerOpen {
		problem.UpstreamUnavailable(w, http.StatusServiceUnavailable, "upstream temporarily unavailable")
		return
	}
	problem.UpstreamUnavailable(w, http.StatusBadGateway, "upstream request failed")
}

func (p *Proxy) serveStale(w http.ResponseWriter, entry *cachedResponse) {
	metrics.CacheStaleServed.Inc()

	data := entry.Body
	if !json.Valid(data) {
		data, _ = json.Marshal(string(entry.Body))
	}
	envelope := staleEnvelope{
		Data:       data,
		IsStale:    true,
		CachedAt:   entry.StoredAt,
		AgeSeconds: int64(time.Since(entry.StoredAt).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(envelope)
}

// breakerTransport wraps a RoundTripper in a circuit breaker. Only transport
// errors count as failures; upstream 5xx responses pass through.
type breakerTransport struct {
	breaker *gobreaker.CircuitBreaker
	base    http.RoundTripper
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.breaker.Execute(func() (interface{}, error) {
		return t.base.RoundTrip(req)
	})
	if err != nil {
		return nil, err
	}
	return resp.(*http.Response), nil
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") ||
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
