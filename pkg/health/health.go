package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// State is the outcome class of a check.
type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

// worse orders states so aggregation can keep the most severe one.
func worse(a, b State) State {
	rank := map[State]int{StateHealthy: 0, StateDegraded: 1, StateUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Result is the outcome of a single check.
type Result struct {
	State     State         `json:"state"`
	Message   string        `json:"message,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
	Duration  time.Duration `json:"durationNs"`
}

// Checker is one named readiness probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

// CheckerFunc adapts a function into a Checker.
type CheckerFunc struct {
	CheckName string
	Fn        func(ctx context.Context) Result
}

func (c CheckerFunc) Name() string                     { return c.CheckName }
func (c CheckerFunc) Check(ctx context.Context) Result { return c.Fn(ctx) }

// Registry runs a set of checks and serves the aggregate over HTTP.
type Registry struct {
	checkers []Checker
	timeout  time.Duration
}

// NewRegistry builds an empty registry with a per-check timeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Add registers a checker.
func (r *Registry) Add(c Checker) {
	r.checkers = append(r.checkers, c)
}

type checkReport struct {
	Name    string `json:"name"`
	State   State  `json:"state"`
	Message string `json:"message,omitempty"`
}

type healthReport struct {
	Status State         `json:"status"`
	Checks []checkReport `json:"checks"`
}

// Run executes every check with the registry timeout and returns the
// aggregate, which is the worst individual state.
func (r *Registry) Run(ctx context.Context) healthReport {
	report := healthReport{Status: StateHealthy, Checks: make([]checkReport, 0, len(r.checkers))}
	for _, c := range r.checkers {
		checkCtx, cancel := context.WithTimeout(ctx, r.timeout)
		result := c.Check(checkCtx)
		cancel()

		report.Status = worse(report.Status, result.State)
		report.Checks = append(report.Checks, checkReport{
			Name:    c.Name(),
			State:   result.State,
			Message: result.Message,
		})
	}
	return report
}

// ReadyHandler serves the aggregate readiness report. Degraded still
// answers 200 so traffic keeps flowing; only unhealthy returns 503.
func (r *Registry) ReadyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		report := r.Run(req.Context())

		status := http.StatusOK
		if report.Status == StateUnhealthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	})
}

// LiveHandler answers 200 whenever the process can serve requests at all.
func LiveHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	})
}
