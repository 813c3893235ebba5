package checker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pilot-net/smotra-agent/pkg/types"
)

// TCPChecker measures the time to complete a TCP handshake.
type TCPChecker struct {
	dialer net.Dialer
}

// NewTCPChecker creates a TCP connect checker.
func NewTCPChecker() *TCPChecker {
	return &TCPChecker{}
}

// Kind returns the check kind.
func (c *TCPChecker) Kind() types.CheckKind {
	return types.CheckTCPConnect
}

// Capabilities returns what this checker needs.
func (c *TCPChecker) Capabilities() Capabilities {
	return Capabilities{}
}

// Check opens and immediately closes a connection to the target port.
func (c *TCPChecker) Check(ctx context.Context, target Target) (*types.MonitoringResult, error) {
	result := newResult(target, types.CheckTCPConnect, time.Now())
	tcp := &types.TCPResult{}
	result.TCP = tcp

	if target.Port == nil {
		tcp.Error = "no port configured"
		return result, nil
	}

	ip, err := resolve(ctx, target.Address)
	if err != nil {
		tcp.Error = fmt.Sprintf("failed to resolve address: %v", err)
		return result, nil
	}
	tcp.ResolvedIP = ip.String()

	timeout := target.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := c.dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), strconv.Itoa(int(*target.Port))))
	elapsed := time.Since(start)
	if err != nil {
		tcp.Error = dialError(err, timeout)
		return result, nil
	}
	conn.Close()

	tcp.Connected = true
	tcp.ConnectTimeMs = types.Float64(types.Millis(elapsed))
	return result, nil
}

// dialError renders a dial failure, naming timeouts explicitly.
func dialError(err error, timeout time.Duration) string {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Sprintf("connection timed out after %v", timeout)
	}
	return err.Error()
}
