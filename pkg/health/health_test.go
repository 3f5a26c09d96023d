package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedChecker(name string, state State) Checker {
	return CheckerFunc{
		CheckName: name,
		Fn: func(ctx context.Context) Result {
			return Result{State: state, CheckedAt: time.Now()}
		},
	}
}

func TestRegistryAggregatesWorstState(t *testing.T) {
	tests := []struct {
		name   string
		states []State
		want   State
	}{
		{"all healthy", []State{StateHealthy, StateHealthy}, StateHealthy},
		{"one degraded", []State{StateHealthy, StateDegraded, StateHealthy}, StateDegraded},
		{"one unhealthy", []State{StateDegraded, StateUnhealthy}, StateUnhealthy},
		{"no checks", nil, StateHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry(time.Second)
			for i, s := range tt.states {
				reg.Add(fixedChecker(string(rune('a'+i)), s))
			}

			report := reg.Run(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.states))
		})
	}
}

func TestRegistryAppliesTimeout(t *testing.T) {
	reg := NewRegistry(20 * time.Millisecond)
	reg.Add(CheckerFunc{
		CheckName: "slow",
		Fn: func(ctx context.Context) Result {
			select {
			case <-ctx.Done():
				return Result{State: StateUnhealthy, Message: ctx.Err().Error()}
			case <-time.After(time.Second):
				return Result{State: StateHealthy}
			}
		},
	})

	report := reg.Run(context.Background())
	assert.Equal(t, StateUnhealthy, report.Status)
	assert.Contains(t, report.Checks[0].Message, "deadline")
}

func TestReadyHandlerStatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		state      State
		wantStatus int
	}{
		{"healthy", StateHealthy, http.StatusOK},
		{"degraded still serves", StateDegraded, http.StatusOK},
		{"unhealthy", StateUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry(time.Second)
			reg.Add(fixedChecker("probe", tt.state))

			rec := httptest.NewRecorder()
			reg.ReadyHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)

			var report healthReport
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
			assert.Equal(t, tt.state, report.Status)
			require.Len(t, report.Checks, 1)
			assert.Equal(t, "probe", report.Checks[0].Name)
		})
	}
}

func TestLiveHandlerAlwaysOK(t *testing.T) {
	rec := httptest.NewRecorder()
	LiveHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())
}

func TestHTTPChecker(t *testing.T) {
	t.Run("healthy endpoint", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		result := NewHTTPChecker("upstream", srv.URL).Check(context.Background())
		assert.Equal(t, StateHealthy, result.State)
		assert.Contains(t, result.Message, "200")
	})

	t.Run("status outside range", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		result := NewHTTPChecker("upstream", srv.URL).WithStatusRange(200, 299).Check(context.Background())
		assert.Equal(t, StateUnhealthy, result.State)
		assert.Contains(t, result.Message, "500")
	})

	t.Run("unreachable", func(t *testing.T) {
		result := NewHTTPChecker("upstream", "http://127.0.0.1:1").Check(context.Background())
		assert.Equal(t, StateUnhealthy, result.State)
	})
}

func TestTCPChecker(t *testing.T) {
	t.Run("open port", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		go func() {
			conn, err := ln.Accept()
			if err == nil {
				conn.Close()
			}
		}()

		result := NewTCPChecker("postgres", ln.Addr().String()).Check(context.Background())
		assert.Equal(t, StateHealthy, result.State)
	})

	t.Run("closed port", func(t *testing.T) {
		result := NewTCPChecker("postgres", "127.0.0.1:1").
			WithTimeout(200 * time.Millisecond).
			Check(context.Background())
		assert.Equal(t, StateUnhealthy, result.State)
		assert.Contains(t, result.Message, "connection failed")
	})
}

func TestExtensionChecker(t *testing.T) {
	tests := []struct {
		name      string
		versions  map[string]map[string]string
		err       error
		wantState State
		wantIn    string
	}{
		{
			name: "consistent versions",
			versions: map[string]map[string]string{
				"tansu_tenant_a": {"citus": "12.1", "vector": "0.7.0"},
				"tansu_tenant_b": {"citus": "12.1", "vector": "0.7.0"},
			},
			wantState: StateHealthy,
			wantIn:    "2 databases consistent",
		},
		{
			name: "diverged version is degraded",
			versions: map[string]map[string]string{
				"tansu_tenant_a": {"citus": "12.1", "vector": "0.7.0"},
				"tansu_tenant_b": {"citus": "12.1", "vector": "0.6.2"},
			},
			wantState: StateDegraded,
			wantIn:    "vector",
		},
		{
			name: "missing extension in one database is not drift",
			versions: map[string]map[string]string{
				"tansu_tenant_a": {"citus": "12.1"},
				"tansu_tenant_b": {},
			},
			wantState: StateHealthy,
		},
		{
			name:      "source error is unhealthy",
			err:       errors.New("connection refused"),
			wantState: StateUnhealthy,
			wantIn:    "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewExtensionChecker(func(ctx context.Context) (map[string]map[string]string, error) {
				return tt.versions, tt.err
			})

			result := checker.Check(context.Background())
			assert.Equal(t, tt.wantState, result.State)
			if tt.wantIn != "" {
				assert.Contains(t, result.Message, tt.wantIn)
			}
		})
	}
}

func TestWorseOrdering(t *testing.T) {
	assert.Equal(t, StateDegraded, worse(StateHealthy, StateDegraded))
	assert.Equal(t, StateUnhealthy, worse(StateDegraded, StateUnhealthy))
	assert.Equal(t, StateUnhealthy, worse(StateUnhealthy, StateHealthy))
	assert.Equal(t, StateHealthy, worse(StateHealthy, StateHealthy))
}
