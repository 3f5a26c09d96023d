package audit

import (
	"net"
	"net/http"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/tansucloud/tansucloud/pkg/etag"
	"github.com/tansucloud/tansucloud/pkg/tenant"
)

// CorrelationHeader carries the request correlation id end to end.
const CorrelationHeader = "X-Correlation-ID"

const maxUserAgentBytes = 128

// Enricher fills missing event fields from service identity and, when
// available, the current HTTP request.
type Enricher struct {
	Service     string
	Environment string
	Version     string
	SourceHost  string
	IPHashSalt  string
}

var traceContext propagation.TraceContext

// Enrich completes an event in place. Fields already set by the caller are
// preserved; only gaps are filled.
func (e *Enricher) Enrich(evt *Event, r *http.Request) {
	if evt.Service == "" {
		evt.Service = e.Service
	}
	if evt.Environment == "" {
		evt.Environment = e.Environment
	}
	if evt.Version == "" {
		evt.Version = e.Version
	}
	if evt.SourceHost == "" {
		evt.SourceHost = e.SourceHost
	}

	if r == nil {
		return
	}

	if evt.TenantID == "" {
		evt.TenantID = r.Header.Get(tenant.HeaderName)
	}
	if evt.CorrelationID == "" {
		evt.CorrelationID = r.Header.Get(CorrelationHeader)
	}
	if evt.RouteTemplate == "" {
		evt.RouteTemplate = r.URL.Path
	}
	if evt.TraceID == "" || evt.SpanID == "" {
		sc := spanContext(r)
		if sc.IsValid() {
			if evt.TraceID == "" {
				evt.TraceID = sc.TraceID().String()
			}
			if evt.SpanID == "" {
				evt.SpanID = sc.SpanID().String()
			}
		}
	}
	if evt.ClientIPHash == "" && e.IPHashSalt != "" {
		evt.ClientIPHash = etag.HashIP(e.IPHashSalt, remoteIP(r))
	}
	if evt.UserAgent == "" {
		ua := r.UserAgent()
		if len(ua) > maxUserAgentBytes {
			ua = ua[:maxUserAgentBytes]
		}
		evt.UserAgent = ua
	}
}

// spanContext extracts the W3C trace context from request headers.
func spanContext(r *http.Request) trace.SpanContext {
	ctx := traceContext.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return trace.SpanContextFromContext(ctx)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
