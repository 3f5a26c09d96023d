package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker verifies that a dependency's port accepts connections.
type TCPChecker struct {
	name    string
	address string
	timeout time.Duration
}

// NewTCPChecker builds a connection-only probe.
func NewTCPChecker(name, address string) *TCPChecker {
	return &TCPChecker{name: name, address: address, timeout: 5 * time.Second}
}

// WithTimeout sets the dial timeout.
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.timeout = timeout
	return t
}

func (t *TCPChecker) Name() string { return t.name }

// Check dials the address; no payload is exchanged.
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.address)
	if err != nil {
		return Result{
			State:     StateUnhealthy,
			Message:   fmt.Sprintf("connection failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	conn.Close()

	return Result{
		State:     StateHealthy,
		Message:   fmt.Sprintf("connected to %s", t.address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
