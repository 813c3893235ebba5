// Traceroute checker using mtr.
//
// # Why MTR?
//
// mtr sends probes with increasing TTL and reports per-hop loss and
// latency as JSON, so one run gives both the path and where it breaks.
//
// # Output Parsing
//
// mtr --report --json outputs:
//
//	{"report": {"mtr": {"dst": "8.8.8.8", ...},
//	            "hubs": [{"count": 1, "host": "10.0.0.1", "Loss%": 0.0, "Avg": 0.4, ...}]}}
//
// Hosts that never answer are reported as "???".
//
// # Installation
//
//	Ubuntu/Debian: apt-get install mtr-tiny
//	RHEL/CentOS:   yum install mtr
//	macOS:         brew install mtr
package checker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"time"

	"github.com/pilot-net/smotra-agent/pkg/types"
)

// TracerouteChecker runs mtr path traces.
type TracerouteChecker struct {
	// MTRPath is the path to the mtr binary. Default: "mtr"
	MTRPath string

	// Cycles is the number of probes per hop. Default: 3
	Cycles int

	// DefaultMaxHops caps the TTL when the target sets none. Default: 30
	DefaultMaxHops int
}

// NewTracerouteChecker creates a traceroute checker with sensible defaults.
func NewTracerouteChecker(mtrPath string) *TracerouteChecker {
	if mtrPath == "" {
		mtrPath = "mtr"
	}
	return &TracerouteChecker{
		MTRPath:        mtrPath,
		Cycles:         3,
		DefaultMaxHops: 30,
	}
}

// Kind returns the check kind.
func (c *TracerouteChecker) Kind() types.CheckKind {
	return types.CheckTraceroute
}

// Capabilities returns what this checker needs.
func (c *TracerouteChecker) Capabilities() Capabilities {
	return Capabilities{
		Dependencies: []string{c.MTRPath},
	}
}

// Check traces the path to the target.
func (c *TracerouteChecker) Check(ctx context.Context, target Target) (*types.MonitoringResult, error) {
	start := time.Now()
	result := newResult(target, types.CheckTraceroute, start)

	ip, err := resolve(ctx, target.Address)
	if err != nil {
		result.Traceroute = &types.TracerouteResult{
			Hops:   []types.TracerouteHop{},
			Errors: []string{fmt.Sprintf("failed to resolve address: %v", err)},
		}
		return result, nil
	}

	maxHops := target.MaxHops
	if maxHops <= 0 {
		maxHops = c.DefaultMaxHops
	}

	output, err := c.runMTR(ctx, ip.String(), maxHops, c.runTimeout(target.Timeout, maxHops))
	elapsed := types.Millis(time.Since(start))

	if err != nil && len(output) == 0 {
		result.Traceroute = &types.TracerouteResult{
			ResolvedIP:  ip.String(),
			Hops:        []types.TracerouteHop{},
			TotalTimeMs: elapsed,
			Errors:      []string{err.Error()},
		}
		return result, nil
	}

	tr := parseMTROutput(ip.String(), output)
	tr.ResolvedIP = ip.String()
	if tr.TargetReached {
		// The last hop's average is the end-to-end latency.
		if rt := tr.Hops[len(tr.Hops)-1].ResponseTimeMs; rt != nil {
			tr.TotalTimeMs = *rt
		}
	} else {
		tr.TotalTimeMs = elapsed
	}
	result.Traceroute = tr
	return result, nil
}

// runTimeout bounds one mtr run: every hop may wait the probe timeout on
// every cycle.
func (c *TracerouteChecker) runTimeout(probeTimeout time.Duration, maxHops int) time.Duration {
	if probeTimeout <= 0 {
		probeTimeout = time.Second
	}
	return probeTimeout*time.Duration(c.Cycles) + time.Duration(maxHops)*200*time.Millisecond + 5*time.Second
}

// runMTR executes mtr and returns the raw output.
func (c *TracerouteChecker) runMTR(ctx context.Context, ip string, maxHops int, timeout time.Duration) ([]byte, error) {
	// --report        : Report mode, exit after the cycles
	// --report-cycles : Number of probes per hop
	// --max-ttl       : Give up after this many hops
	// --json          : Output in JSON format
	args := []string{
		"--report",
		"--report-cycles", strconv.Itoa(c.Cycles),
		"--max-ttl", strconv.Itoa(maxHops),
		"--json",
		ip,
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.MTRPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("mtr timed out after %v", timeout)
		}
		// mtr might have produced output anyway
		if stdout.Len() > 0 {
			return stdout.Bytes(), nil
		}
		return nil, fmt.Errorf("mtr error: %v, stderr: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

// mtrJSONOutput represents the JSON output from mtr --json
type mtrJSONOutput struct {
	Report struct {
		MTR struct {
			Src string `json:"src"`
			Dst string `json:"dst"`
		} `json:"mtr"`
		Hubs []struct {
			Count int     `json:"count"`
			Host  string  `json:"host"`
			Loss  float64 `json:"Loss%"`
			Snt   int     `json:"Snt"`
			Last  float64 `json:"Last"`
			Avg   float64 `json:"Avg"`
			Best  float64 `json:"Best"`
			Wrst  float64 `json:"Wrst"`
			StDev float64 `json:"StDev"`
		} `json:"hubs"`
	} `json:"report"`
}

// parseMTROutput converts mtr JSON into a traceroute result.
func parseMTROutput(targetIP string, output []byte) *types.TracerouteResult {
	tr := &types.TracerouteResult{Hops: []types.TracerouteHop{}}

	var out mtrJSONOutput
	if err := json.Unmarshal(output, &out); err != nil {
		tr.Errors = append(tr.Errors, fmt.Sprintf("parsing mtr output: %v", err))
		return tr
	}

	for i, hub := range out.Report.Hubs {
		hop := types.TracerouteHop{
			Hop:     hub.Count,
			LossPct: hub.Loss,
		}
		if hop.Hop == 0 {
			hop.Hop = i + 1
		}
		if hub.Host != "???" {
			if net.ParseIP(hub.Host) != nil {
				hop.Address = hub.Host
			} else {
				hop.Hostname = hub.Host
			}
			if hub.Loss < 100 {
				hop.ResponseTimeMs = types.Float64(hub.Avg)
			}
		}
		tr.Hops = append(tr.Hops, hop)

		if hub.Host == targetIP && hub.Loss < 100 {
			tr.TargetReached = true
		}
	}

	return tr
}
