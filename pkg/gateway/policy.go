package gateway

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tansucloud/tansucloud/pkg/audit"
	"github.com/tansucloud/tansucloud/pkg/log"
	"github.com/tansucloud/tansucloud/pkg/metrics"
	"github.com/tansucloud/tansucloud/pkg/policystore"
	"github.com/tansucloud/tansucloud/pkg/problem"
)

// Engine evaluates gateway policies in a fixed order: IP deny, IP allow,
// CORS. Cache and rate-limit policies are consumed by their own middlewares
// through the same snapshot.
type Engine struct {
	store    *policystore.Store
	audits   *audit.Queue
	snapshot atomic.Pointer[policySnapshot]
	logger   zerolog.Logger
}

type ipPolicy struct {
	entry   *policystore.Entry
	matcher *IPMatcher
}

type corsPolicy struct {
	entry *policystore.Entry
	cfg   *policystore.CORSConfig
}

type cachePolicy struct {
	entry *policystore.Entry
	cfg   *policystore.CacheConfig
}

type ratePolicy struct {
	entry *policystore.Entry
	cfg   *policystore.RateLimitConfig
}

type policySnapshot struct {
	deny  []ipPolicy
	allow []ipPolicy
	cors  []corsPolicy
	cache []cachePolicy
	rate  []ratePolicy
}

// NewEngine loads the initial policy snapshot from the store.
func NewEngine(store *policystore.Store, audits *audit.Queue) (*Engine, error) {
	e := &Engine{
		store:  store,
		audits: audits,
		logger: log.WithComponent("policy-engine"),
	}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload rebuilds the in-memory snapshot from the store. A policy with an
// unparsable config is skipped with a warning so one bad entry cannot take
// the edge down.
func (e *Engine) Reload() error {
	entries, err := e.store.List()
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	snap := &policySnapshot{}
	for _, entry := range entries {
		if !entry.Enabled {
			continue
		}
		cfg, err := entry.DecodeConfig()
		if err != nil {
			e.logger.Warn().Err(err).Str("policy", entry.ID).Msg("skipping policy with invalid config")
			continue
		}
		switch c := cfg.(type) {
		case *policystore.IPConfig:
			matcher, err := NewIPMatcher(c.CIDRs)
			if err != nil {
				e.logger.Warn().Err(err).Str("policy", entry.ID).Msg("skipping policy with invalid rules")
				continue
			}
			p := ipPolicy{entry: entry, matcher: matcher}
			if entry.Type == policystore.TypeIPDeny {
				snap.deny = append(snap.deny, p)
			} else {
				snap.allow = append(snap.allow, p)
			}
		case *policystore.CORSConfig:
			snap.cors = append(snap.cors, corsPolicy{entry: entry, cfg: c})
		case *policystore.CacheConfig:
			snap.cache = append(snap.cache, cachePolicy{entry: entry, cfg: c})
		case *policystore.RateLimitConfig:
			snap.rate = append(snap.rate, ratePolicy{entry: entry, cfg: c})
		}
	}
	e.snapshot.Store(snap)
	return nil
}

// CachePolicies returns the enabled cache policies in id order.
func (e *Engine) CachePolicies() []cachePolicy {
	return e.snapshot.Load().cache
}

// RatePolicies returns the enabled rate-limit policies in id order.
func (e *Engine) RatePolicies() []ratePolicy {
	return e.snapshot.Load().rate
}

// Middleware applies IP and CORS policies to the request.
func (e *Engine) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := e.snapshot.Load()
		addr := clientIP(r.RemoteAddr)

		if e.applyIPDeny(w, r, snap, addr) {
			return
		}
		if e.applyIPAllow(w, r, snap, addr) {
			return
		}
		if e.applyCORS(w, r, snap) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// applyIPDeny returns true when the request was terminated.
func (e *Engine) applyIPDeny(w http.ResponseWriter, r *http.Request, snap *policySnapshot, addr net.IP) bool {
	defer observeDuration("IpDeny", time.Now())
	for _, p := range snap.deny {
		countEvaluation(p.entry, "evaluation")
		matched, rule := p.matcher.Match(addr)
		if !matched {
			continue
		}
		countViolation(p.entry, "ip_denied")
		e.recordViolation(r, p.entry, rule, addr)
		switch p.entry.Mode {
		case policystore.ModeEnforce:
			metrics.PolicyBlocks.WithLabelValues(p.entry.ID, string(p.entry.Type)).Inc()
			problem.Forbidden(w, fmt.Sprintf("%s is in deny list", addr), r.URL.Path)
			return true
		default:
			// Shadow and AuditOnly never block.
		}
	}
	return false
}

// applyIPAllow returns true when the request was terminated. An address is
// in violation when allow policies exist and none of them matches it.
func (e *Engine) applyIPAllow(w http.ResponseWriter, r *http.Request, snap *policySnapshot, addr net.IP) bool {
	if len(snap.allow) == 0 {
		return false
	}
	defer observeDuration("IpAllow", time.Now())

	for _, p := range snap.allow {
		countEvaluation(p.entry, "evaluation")
		if matched, _ := p.matcher.Match(addr); matched {
			return false
		}
	}
	for _, p := range snap.allow {
		countViolation(p.entry, "ip_not_allowed")
		e.recordViolation(r, p.entry, "", addr)
		if p.entry.Mode == policystore.ModeEnforce {
			metrics.PolicyBlocks.WithLabelValues(p.entry.ID, string(p.entry.Type)).Inc()
			problem.Forbidden(w, fmt.Sprintf("%s is not in allow list", addr), r.URL.Path)
			return true
		}
	}
	return false
}

// applyCORS returns true when the request was terminated (either a completed
// preflight or an enforced violation). The first enabled CORS policy wins.
func (e *Engine) applyCORS(w http.ResponseWriter, r *http.Request, snap *policySnapshot) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(snap.cors) == 0 {
		return false
	}
	defer observeDuration("Cors", time.Now())

	p := snap.cors[0]
	countEvaluation(p.entry, "evaluation")

	originAllowed := corsOriginAllowed(p.cfg, origin)
	requestedMethod := r.Header.Get("Access-Control-Request-Method")
	preflight := r.Method == http.MethodOptions && requestedMethod != ""

	if preflight {
		methodAllowed := corsMethodAllowed(p.cfg, requestedMethod)
		if originAllowed && methodAllowed {
			if p.entry.Mode == policystore.ModeShadow {
				return false
			}
			writeCORSHeaders(w, p.cfg, origin, true)
			w.WriteHeader(http.StatusNoContent)
			return true
		}
		countViolation(p.entry, "cors_preflight_rejected")
		e.recordViolation(r, p.entry, origin, nil)
		switch p.entry.Mode {
		case policystore.ModeEnforce:
			metrics.PolicyBlocks.WithLabelValues(p.entry.ID, string(p.entry.Type)).Inc()
			problem.Forbidden(w, fmt.Sprintf("origin %s is not allowed", origin), r.URL.Path)
			return true
		case policystore.ModeAuditOnly:
			writeCORSHeaders(w, p.cfg, origin, true)
			w.WriteHeader(http.StatusNoContent)
			return true
		default:
			return false
		}
	}

	if originAllowed {
		if p.entry.Mode != policystore.ModeShadow {
			writeCORSHeaders(w, p.cfg, origin, false)
		}
		return false
	}
	countViolation(p.entry, "cors_origin_rejected")
	e.recordViolation(r, p.entry, origin, nil)
	if p.entry.Mode == policystore.ModeEnforce {
		metrics.PolicyBlocks.WithLabelValues(p.entry.ID, string(p.entry.Type)).Inc()
		problem.Forbidden(w, fmt.Sprintf("origin %s is not allowed", origin), r.URL.Path)
		return true
	}
	return false
}

func (e *Engine) recordViolation(r *http.Request, entry *policystore.Entry, rule string, addr net.IP) {
	if e.audits == nil || entry.Mode == policystore.ModeShadow {
		return
	}
	details, _ := json.Marshal(map[string]string{
		"policyId": entry.ID,
		"mode":     string(entry.Mode),
		"rule":     rule,
	})
	evt := &audit.Event{
		Action:   "PolicyViolation",
		Category: "Gateway",
		Outcome:  "Violation",
		Details:  details,
	}
	if addr != nil {
		evt.UniqueKey = entry.ID + "/" + addr.String()
	} else {
		evt.UniqueKey = entry.ID
	}
	e.audits.TryEnqueue(evt, r)
}

func corsOriginAllowed(cfg *policystore.CORSConfig, origin string) bool {
	for _, o := range cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func corsMethodAllowed(cfg *policystore.CORSConfig, method string) bool {
	for _, m := range cfg.AllowedMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func writeCORSHeaders(w http.ResponseWriter, cfg *policystore.CORSConfig, origin string, preflight bool) {
	w.Header().Set("Access-Control-Allow-Origin", origin)
	if cfg.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	if preflight {
		if len(cfg.AllowedMethods) > 0 {
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(cfg.AllowedMethods, ", "))
		}
		if len(cfg.AllowedHeaders) > 0 {
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowedHeaders, ", "))
		}
		if cfg.MaxAgeSeconds > 0 {
			w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAgeSeconds))
		}
	} else if len(cfg.ExposedHeaders) > 0 {
		w.Header().Set("Access-Control-Expose-Headers", strings.Join(cfg.ExposedHeaders, ", "))
	}
	w.Header().Add("Vary", "Origin")
}

func countEvaluation(entry *policystore.Entry, event string) {
	metrics.PolicyEvaluations.WithLabelValues(entry.ID, string(entry.Type), string(entry.Mode), event).Inc()
}

func countViolation(entry *policystore.Entry, event string) {
	metrics.PolicyViolations.WithLabelValues(entry.ID, string(entry.Type), string(entry.Mode), event).Inc()
}

func observeDuration(policyType string, start time.Time) {
	metrics.PolicyEvaluationDuration.WithLabelValues(policyType).
		Observe(float64(time.Since(start).Microseconds()) / 1000)
}
