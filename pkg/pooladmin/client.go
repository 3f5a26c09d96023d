package pooladmin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/tansucloud/tansucloud/pkg/log"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultAttempts = 3
)

// Pool is one entry in the pooler's configuration.
type Pool struct {
	Name     string `json:"name"`
	Database string `json:"database"`
	PoolSize int    `json:"poolSize,omitempty"`
	Mode     string `json:"mode,omitempty"`
}

// Client talks to the pooler admin endpoint with HTTP Basic credentials.
type Client struct {
	baseURL  string
	user     string
	password string
	http     *http.Client
	attempts uint
	poolSize int
	logger   zerolog.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithAttempts overrides the retry budget for transient failures.
func WithAttempts(n uint) ClientOption {
	return func(c *Client) { c.attempts = n }
}

// WithPoolSize sets the connection budget requested for each registered
// pool. Zero leaves the pooler's default in place.
func WithPoolSize(n int) ClientOption {
	return func(c *Client) { c.poolSize = n }
}

// NewClient creates a pool admin client. Credentials come from the
// PGCAT_ADMIN_USER/PGCAT_ADMIN_PASSWORD contract variables.
func NewClient(baseURL, user, password string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		user:     user,
		password: password,
		http:     &http.Client{Timeout: defaultTimeout},
		attempts: defaultAttempts,
		logger:   log.WithComponent("pooladmin"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddPool registers a pool for a database with the configured connection
// budget. A 409 means the pool already exists, which is success.
func (c *Client) AddPool(ctx context.Context, database string) error {
	body, _ := json.Marshal(Pool{Name: database, Database: database, PoolSize: c.poolSize})
	return c.do(ctx, http.MethodPost, "/pools", string(body), func(status int) error {
		switch {
		case status >= 200 && status < 300, status == http.StatusConflict:
			return nil
		default:
			return fmt.Errorf("add pool %s: unexpected status %d", database, status)
		}
	})
}

// RemovePool drops a pool. A 404 means it is already gone, which is success.
func (c *Client) RemovePool(ctx context.Context, database string) error {
	return c.do(ctx, http.MethodDelete, "/pools/"+url.PathEscape(database), "", func(status int) error {
		switch {
		case status >= 200 && status < 300, status == http.StatusNotFound:
			return nil
		default:
			return fmt.Errorf("remove pool %s: unexpected status %d", database, status)
		}
	})
}

// ListPools returns the pooler's current configuration.
func (c *Client) ListPools(ctx context.Context) ([]Pool, error) {
	var pools []Pool
	err := retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/pools", nil)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.SetBasicAuth(c.user, c.password)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := checkStatus(resp.StatusCode); err != nil {
			return err
		}
		pools = pools[:0]
		if err := json.NewDecoder(resp.Body).Decode(&pools); err != nil {
			return retry.Unrecoverable(fmt.Errorf("failed to decode pool list: %w", err))
		}
		return nil
	}, c.retryOpts(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pools: %w", err)
	}
	return pools, nil
}

// do issues a request and maps the final status through classify. Transient
// statuses and transport errors are retried; everything else resolves on the
// first response.
func (c *Client) do(ctx context.Context, method, path, body string, classify func(int) error) error {
	return retry.Do(func() error {
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.SetBasicAuth(c.user, c.password)
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if transientStatus(resp.StatusCode) {
			return fmt.Errorf("transient status %d", resp.StatusCode)
		}
		if err := classify(resp.StatusCode); err != nil {
			return retry.Unrecoverable(err)
		}
		return nil
	}, c.retryOpts(ctx)...)
}

func (c *Client) retryOpts(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn().Err(err).Uint("attempt", n+1).Msg("pool admin call failed, retrying")
		}),
	}
}

func checkStatus(status int) error {
	if transientStatus(status) {
		return fmt.Errorf("transient status %d", status)
	}
	if status < 200 || status >= 300 {
		return retry.Unrecoverable(fmt.Errorf("unexpected status %d", status))
	}
	return nil
}

func transientStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}
