package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker probes an upstream HTTP endpoint.
type HTTPChecker struct {
	name      string
	url       string
	statusMin int
	statusMax int
	client    *http.Client
}

// NewHTTPChecker builds a checker that accepts 2xx and 3xx responses.
func NewHTTPChecker(name, url string) *HTTPChecker {
	return &HTTPChecker{
		name:      name,
		url:       url,
		statusMin: 200,
		statusMax: 399,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// WithStatusRange narrows the accepted status codes.
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.statusMin = min
	h.statusMax = max
	return h
}

// WithClient substitutes the HTTP client.
func (h *HTTPChecker) WithClient(client *http.Client) *HTTPChecker {
	h.client = client
	return h
}

func (h *HTTPChecker) Name() string { return h.name }

// Check performs one GET against the endpoint.
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	fail := func(msg string) Result {
		return Result{State: StateUnhealthy, Message: msg, CheckedAt: start, Duration: time.Since(start)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return fail(fmt.Sprintf("failed to build request: %v", err))
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fail(fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < h.statusMin || resp.StatusCode > h.statusMax {
		return fail(fmt.Sprintf("HTTP %d outside %d-%d", resp.StatusCode, h.statusMin, h.statusMax))
	}
	return Result{
		State:     StateHealthy,
		Message:   fmt.Sprintf("HTTP %d", resp.StatusCode),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
