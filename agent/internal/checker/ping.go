// Ping checker using fping, with a native fallback.
//
// # Why fping?
//
// fping prints every probe's round-trip time in one parseable line, runs
// unprivileged on most distributions, and is widely packaged. When it is
// not installed the checker falls back to pro-bing (see ping_native.go).
//
// # Output Parsing
//
// fping -C (count) mode outputs:
//
//	192.168.1.1 : 12.45 13.22 - 11.80
//
// Where:
// - Each number is a round-trip time in milliseconds
// - "-" indicates a timeout/failure for that probe
//
// # Installation
//
//	Ubuntu/Debian: apt-get install fping
//	RHEL/CentOS:   yum install fping
//	macOS:         brew install fping
package checker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pilot-net/smotra-agent/pkg/types"
)

// pinger sends count echo probes to ip and reports per-probe outcomes.
type pinger interface {
	ping(ctx context.Context, ip string, count int, timeout time.Duration) (*types.PingResult, error)
}

// PingChecker probes endpoints with ICMP echo.
type PingChecker struct {
	// FpingPath is the path to the fping binary. Default: "fping"
	FpingPath string

	// IntervalMs is the interval between probes in milliseconds. Default: 100
	IntervalMs int

	backend pinger
}

// NewPingChecker creates a ping checker. fping is used when it can be found
// on PATH (or at fpingPath); otherwise probes are sent natively.
func NewPingChecker(fpingPath string) *PingChecker {
	if fpingPath == "" {
		fpingPath = "fping"
	}
	c := &PingChecker{
		FpingPath:  fpingPath,
		IntervalMs: 100,
	}
	if path, err := exec.LookPath(fpingPath); err == nil {
		c.FpingPath = path
		c.backend = &fping{checker: c}
	} else {
		c.backend = &nativePinger{interval: time.Duration(c.IntervalMs) * time.Millisecond}
	}
	return c
}

// Backend names the probe implementation in use.
func (c *PingChecker) Backend() string {
	switch c.backend.(type) {
	case *fping:
		return "fping"
	default:
		return "native"
	}
}

// Kind returns the check kind.
func (c *PingChecker) Kind() types.CheckKind {
	return types.CheckPing
}

// Capabilities returns what this checker needs. fping is optional.
func (c *PingChecker) Capabilities() Capabilities {
	return Capabilities{}
}

// Check resolves the target and sends the configured number of probes.
func (c *PingChecker) Check(ctx context.Context, target Target) (*types.MonitoringResult, error) {
	result := newResult(target, types.CheckPing, time.Now())

	count := target.Count
	if count <= 0 {
		count = 3
	}
	timeout := target.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}

	ip, err := resolve(ctx, target.Address)
	if err != nil {
		result.Ping = &types.PingResult{
			Failures: 1,
			Errors:   []string{fmt.Sprintf("failed to resolve address: %v", err)},
		}
		return result, nil
	}

	ping, err := c.backend.ping(ctx, ip.String(), count, timeout)
	if err != nil {
		ping = &types.PingResult{
			Failures: count,
			Errors:   []string{err.Error()},
		}
	}
	ping.ResolvedIP = ip.String()
	result.Ping = ping
	return result, nil
}

// =============================================================================
// FPING
// =============================================================================

type fping struct {
	checker *PingChecker
}

func (f *fping) ping(ctx context.Context, ip string, count int, timeout time.Duration) (*types.PingResult, error) {
	// -C n  : Send n pings to the target
	// -q    : Quiet mode (summary output only)
	// -t ms : Per-probe timeout in milliseconds
	// -p ms : Interval between pings to the same target
	// -B 1  : Backoff multiplier (1 = no exponential backoff)
	args := []string{
		"-C", strconv.Itoa(count),
		"-q",
		"-t", strconv.FormatInt(timeout.Milliseconds(), 10),
		"-p", strconv.Itoa(f.checker.IntervalMs),
		"-B", "1",
		ip,
	}

	cmd := exec.CommandContext(ctx, f.checker.FpingPath, args...)

	// fping writes results to stderr (historical quirk)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	// fping exits non-zero when the host is unreachable, which is a result,
	// not a failure. Only missing output is an error.
	runErr := cmd.Run()

	values, ok := findFpingLine(stderr.Bytes(), ip)
	if !ok {
		if runErr != nil {
			return nil, fmt.Errorf("fping failed: %w", runErr)
		}
		return nil, fmt.Errorf("no response from fping")
	}
	return parseRTTValues(values, count), nil
}

// findFpingLine returns the value list for ip from fping -C output.
func findFpingLine(output []byte, ip string) (string, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), " : ", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.TrimSpace(parts[0]) == ip {
			return strings.TrimSpace(parts[1]), true
		}
	}
	return "", false
}

// parseRTTValues parses the per-probe values from fping output. Probes
// fping never reported (output cut short) count as failures.
func parseRTTValues(valuesStr string, count int) *types.PingResult {
	values := strings.Fields(valuesStr)

	res := &types.PingResult{SuccessLatencies: []float64{}}
	for i, v := range values {
		if v == "-" {
			res.Failures++
			res.Errors = append(res.Errors, fmt.Sprintf("probe %d: request timed out", i+1))
			continue
		}
		rtt, err := strconv.ParseFloat(v, 64)
		if err != nil {
			res.Failures++
			res.Errors = append(res.Errors, fmt.Sprintf("probe %d: unparseable reply %q", i+1, v))
			continue
		}
		res.Successes++
		res.SuccessLatencies = append(res.SuccessLatencies, rtt)
	}
	if missing := count - len(values); missing > 0 {
		res.Failures += missing
	}

	res.AvgResponseTimeMs = average(res.SuccessLatencies)
	return res
}

// average returns the mean of values, or nil when there are none.
func average(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return types.Float64(sum / float64(len(values)))
}
