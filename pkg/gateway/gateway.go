package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tansucloud/tansucloud/pkg/audit"
	"github.com/tansucloud/tansucloud/pkg/cacheversion"
	"github.com/tansucloud/tansucloud/pkg/config"
	"github.com/tansucloud/tansucloud/pkg/policystore"
	"github.com/tansucloud/tansucloud/pkg/problem"
)

// Server assembles the gateway middleware chain and admin surface around
// the reverse proxy.
type Server struct {
	engine  *Engine
	cache   *OutputCache
	limiter *RateLimiter
	agg     *RejectionAggregator
	proxy   *Proxy
	store   *policystore.Store
	audits  *audit.Queue
	cfg     *config.Config
	opts    ServerOptions
}

// ServerOptions wires the gateway's collaborators.
type ServerOptions struct {
	Store     *policystore.Store
	Versions  *cacheversion.Counter
	Audits    *audit.Queue
	Upstreams []Upstream
	Verifier  Verifier
	Audience  string
}

// NewServer builds the gateway.
func NewServer(cfg *config.Config, opts ServerOptions) (*Server, error) {
	engine, err := NewEngine(opts.Store, opts.Audits)
	if err != nil {
		return nil, err
	}
	cache := NewOutputCache(engine, opts.Versions)
	agg := NewRejectionAggregator(DefaultAggregationWindow)

	s := &Server{
		engine:  engine,
		cache:   cache,
		limiter: NewRateLimiter(engine, agg),
		agg:     agg,
		proxy:   NewProxy(opts.Upstreams, cache),
		store:   opts.Store,
		audits:  opts.Audits,
		cfg:     cfg,
	}
	s.opts = opts
	return s, nil
}

// Aggregator exposes the rejection aggregator so the command wiring can run
// its flush loop.
func (s *Server) Aggregator() *RejectionAggregator { return s.agg }

// Router builds the full middleware chain. Admin routes require admin.full;
// proxied traffic flows policy -> rate limit -> cache -> proxy.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(Enrich)
	r.Use(s.engine.Middleware)
	r.Use(s.limiter.Middleware)

	r.Route("/admin/policies", func(r chi.Router) {
		if s.opts.Verifier != nil {
			r.Use(RequireScope(s.opts.Verifier, AdminScope, s.opts.Audience, s.cfg.Environment))
		}
		r.Get("/", s.handleListPolicies)
		r.Get("/{id}", s.handleGetPolicy)
		r.Put("/{id}", s.handlePutPolicy)
		r.Delete("/{id}", s.handleDeletePolicy)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.cache.Middleware)
		r.Handle("/*", s.proxy)
	})
	return r
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.List()
	if err != nil {
		problem.Internal(w, CorrelationFrom(r.Context()))
		return
	}
	writeJSON(w, entries)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		problem.NotFound(w, "policy not found")
		return
	}
	writeJSON(w, entry)
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var entry policystore.Entry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		problem.Validation(w, "invalid policy document", map[string]string{"body": err.Error()})
		return
	}
	entry.ID = chi.URLParam(r, "id")
	if _, err := entry.DecodeConfig(); err != nil {
		problem.Validation(w, "invalid policy config", map[string]string{"config": err.Error()})
		return
	}
	if err := s.store.Put(&entry); err != nil {
		problem.Internal(w, CorrelationFrom(r.Context()))
		return
	}
	if err := s.engine.Reload(); err != nil {
		problem.Internal(w, CorrelationFrom(r.Context()))
		return
	}
	s.auditPolicyChange(r, "PolicyUpdated", entry.ID)
	writeJSON(w, &entry)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Delete(id); err != nil {
		problem.Internal(w, CorrelationFrom(r.Context()))
		return
	}
	if err := s.engine.Reload(); err != nil {
		problem.Internal(w, CorrelationFrom(r.Context()))
		return
	}
	s.auditPolicyChange(r, "PolicyDeleted", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) auditPolicyChange(r *http.Request, action, id string) {
	if s.audits == nil {
		return
	}
	details, _ := json.Marshal(map[string]string{"policyId": id})
	subject := ""
	if claims := ClaimsFrom(r.Context()); claims != nil {
		subject = claims.Subject
	}
	s.audits.TryEnqueue(&audit.Event{
		WhenUTC:   time.Now().UTC(),
		Subject:   subject,
		Action:    action,
		Category:  "Gateway",
		Outcome:   "Success",
		UniqueKey: id,
		Details:   details,
	}, r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
