package gateway

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/tansucloud/tansucloud/pkg/log"
	"github.com/tansucloud/tansucloud/pkg/metrics"
	"github.com/tansucloud/tansucloud/pkg/tenant"
)

// CorrelationHeader propagates a request id across services.
const CorrelationHeader = "X-Correlation-ID"

type contextKey int

const (
	ctxKeyCorrelation contextKey = iota
	ctxKeyTenant
	ctxKeyRouteBase
	ctxKeyClaims
)

// CorrelationFrom returns the request correlation id, or "".
func CorrelationFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyCorrelation).(string)
	return v
}

// TenantFrom returns the resolved tenant for the request, or "".
func TenantFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyTenant).(string)
	return v
}

// RouteBaseFrom returns the first path segment of the request, or "".
func RouteBaseFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRouteBase).(string)
	return v
}

var traceContext = propagation.TraceContext{}

// Enrich resolves the tenant, assigns or propagates the correlation id,
// extracts trace context, and scopes the logger. The correlation id is
// echoed on the response.
func Enrich(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlation := r.Header.Get(CorrelationHeader)
		if correlation == "" {
			correlation = uuid.NewString()
		}
		w.Header().Set(CorrelationHeader, correlation)

		// The tenant header is only trusted between internal hops; at the
		// edge it is always re-derived from host and path.
		res := tenant.Resolve(r.Host, r.URL.Path)
		routeBase := tenant.RouteBase(r.URL.Path)

		ctx := traceContext.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		sc := trace.SpanContextFromContext(ctx)

		scope := log.RequestScope{
			CorrelationID: correlation,
			Tenant:        res.Tenant,
			RouteBase:     routeBase,
			RouteTemplate: r.URL.Path,
		}
		if sc.IsValid() {
			scope.TraceID = sc.TraceID().String()
			scope.SpanID = sc.SpanID().String()
		}
		logger := log.WithRequest(scope)

		ctx = context.WithValue(ctx, ctxKeyCorrelation, correlation)
		ctx = context.WithValue(ctx, ctxKeyTenant, res.Tenant)
		ctx = context.WithValue(ctx, ctxKeyRouteBase, routeBase)
		ctx = logger.WithContext(ctx)

		r = r.WithContext(ctx)
		r.Header.Set(CorrelationHeader, correlation)
		if res.Tenant != "" {
			r.Header.Set(tenant.HeaderName, res.Tenant)
		} else {
			r.Header.Del(tenant.HeaderName)
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// statusRecorder captures the response status for request metrics. Hijack
// and Flush pass through so proxied upgrades and streaming keep working.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
