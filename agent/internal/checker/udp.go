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

const defaultUDPPayload = "smotra-probe"

// UDPChecker sends one datagram and waits for a reply or a refusal.
//
// UDP has no handshake. A reply proves the port is open; an ICMP port
// unreachable, surfaced by the kernel as a refused read on the connected
// socket, proves it is closed. Silence until the timeout means open or
// filtered and is counted as success without a response time.
type UDPChecker struct {
	dialer net.Dialer
}

// NewUDPChecker creates a UDP probe checker.
func NewUDPChecker() *UDPChecker {
	return &UDPChecker{}
}

// Kind returns the check kind.
func (c *UDPChecker) Kind() types.CheckKind {
	return types.CheckUDPConnect
}

// Capabilities returns what this checker needs.
func (c *UDPChecker) Capabilities() Capabilities {
	return Capabilities{}
}

// Check sends the probe payload (param "payload") to the target port.
func (c *UDPChecker) Check(ctx context.Context, target Target) (*types.MonitoringResult, error) {
	result := newResult(target, types.CheckUDPConnect, time.Now())
	udp := &types.UDPResult{}
	result.UDP = udp

	if target.Port == nil {
		udp.Error = "no port configured"
		return result, nil
	}

	ip, err := resolve(ctx, target.Address)
	if err != nil {
		udp.Error = fmt.Sprintf("failed to resolve address: %v", err)
		return result, nil
	}
	udp.ResolvedIP = ip.String()

	timeout := target.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	conn, err := c.dialer.DialContext(ctx, "udp", net.JoinHostPort(ip.String(), strconv.Itoa(int(*target.Port))))
	if err != nil {
		udp.Error = err.Error()
		return result, nil
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	payload := target.Params["payload"]
	if payload == "" {
		payload = defaultUDPPayload
	}

	start := time.Now()
	if _, err := conn.Write([]byte(payload)); err != nil {
		udp.Error = fmt.Sprintf("sending probe: %v", err)
		return result, nil
	}

	buf := make([]byte, 1500)
	_, err = conn.Read(buf)
	elapsed := time.Since(start)

	var ne net.Error
	switch {
	case err == nil:
		udp.ProbeSuccessful = true
		udp.ResponseTimeMs = types.Float64(types.Millis(elapsed))
	case errors.As(err, &ne) && ne.Timeout():
		// open|filtered
		udp.ProbeSuccessful = true
	default:
		udp.Error = fmt.Sprintf("port unreachable: %v", err)
	}
	return result, nil
}
