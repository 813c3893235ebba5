package checker

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/smotra-agent/pkg/types"
)

func TestPingChecker_Kind(t *testing.T) {
	c := NewPingChecker("")
	if c.Kind() != types.CheckPing {
		t.Errorf("expected kind 'ping', got '%s'", c.Kind())
	}
	if len(c.Capabilities().Dependencies) != 0 {
		t.Error("ping must register even without fping")
	}
}

func TestPingChecker_Backend(t *testing.T) {
	c := NewPingChecker("definitely-not-fping-xyz")
	if c.Backend() != "native" {
		t.Errorf("expected native fallback, got %s", c.Backend())
	}
}

func TestParseRTTValues(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		count         int
		wantSuccesses int
		wantFailures  int
		wantAvg       *float64
		wantErrors    int
	}{
		{
			name:          "two of three",
			input:         "10.0 - 20.0",
			count:         3,
			wantSuccesses: 2,
			wantFailures:  1,
			wantAvg:       types.Float64(15),
			wantErrors:    1,
		},
		{
			name:          "all successful",
			input:         "12.45 13.22 11.80",
			count:         3,
			wantSuccesses: 3,
			wantAvg:       types.Float64(12.49),
		},
		{
			name:         "all failed",
			input:        "- - -",
			count:        3,
			wantFailures: 3,
			wantErrors:   3,
		},
		{
			name:          "truncated output",
			input:         "5.5",
			count:         3,
			wantSuccesses: 1,
			wantFailures:  2,
			wantAvg:       types.Float64(5.5),
		},
		{
			name:         "garbage value",
			input:        "abc",
			count:        1,
			wantFailures: 1,
			wantErrors:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := parseRTTValues(tt.input, tt.count)

			if res.Successes != tt.wantSuccesses {
				t.Errorf("successes: got %d, want %d", res.Successes, tt.wantSuccesses)
			}
			if res.Failures != tt.wantFailures {
				t.Errorf("failures: got %d, want %d", res.Failures, tt.wantFailures)
			}
			if len(res.Errors) != tt.wantErrors {
				t.Errorf("errors: got %v, want %d", res.Errors, tt.wantErrors)
			}
			if len(res.SuccessLatencies) != tt.wantSuccesses {
				t.Errorf("latencies: got %v", res.SuccessLatencies)
			}
			switch {
			case tt.wantAvg == nil && res.AvgResponseTimeMs != nil:
				t.Errorf("avg: got %f, want absent", *res.AvgResponseTimeMs)
			case tt.wantAvg != nil && res.AvgResponseTimeMs == nil:
				t.Errorf("avg: got absent, want %f", *tt.wantAvg)
			case tt.wantAvg != nil && !floatClose(*res.AvgResponseTimeMs, *tt.wantAvg, 0.01):
				t.Errorf("avg: got %f, want %f", *res.AvgResponseTimeMs, *tt.wantAvg)
			}
		})
	}
}

func TestParseRTTValues_ResultViews(t *testing.T) {
	r := &types.MonitoringResult{Kind: types.CheckPing, Ping: parseRTTValues("10 20 -", 3)}
	if !r.IsSuccessful() {
		t.Error("partial loss should be successful")
	}
	if rt, ok := r.ResponseTimeMs(); !ok || rt != 15 {
		t.Errorf("response time: got %v %v, want 15", rt, ok)
	}

	r = &types.MonitoringResult{Kind: types.CheckPing, Ping: parseRTTValues("- - -", 3)}
	if r.IsSuccessful() {
		t.Error("total loss should not be successful")
	}
	if _, ok := r.ResponseTimeMs(); ok {
		t.Error("total loss must have no response time")
	}
	if r.ErrorText() == "" {
		t.Error("total loss must have error text")
	}
}

func TestFindFpingLine(t *testing.T) {
	output := []byte(`8.8.8.8  : 12.45 13.22 11.80
2001:4860:4860::8888 : 5.5 - 6.2
10.0.0.99 : - - -
`)

	tests := []struct {
		ip     string
		want   string
		wantOK bool
	}{
		{"8.8.8.8", "12.45 13.22 11.80", true},
		{"2001:4860:4860::8888", "5.5 - 6.2", true},
		{"10.0.0.99", "- - -", true},
		{"1.1.1.1", "", false},
	}
	for _, tt := range tests {
		got, ok := findFpingLine(output, tt.ip)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("%s: got %q %v, want %q %v", tt.ip, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestPingChecker_UnresolvableAddress(t *testing.T) {
	c := NewPingChecker("")
	target := Target{
		EndpointID: uuid.New(),
		Address:    "does-not-exist.invalid",
		Count:      3,
		Timeout:    time.Second,
	}

	res, err := c.Check(context.Background(), target)
	if err != nil {
		t.Fatalf("resolution failure must be a result, got error: %v", err)
	}
	if res.Ping == nil || res.Ping.Successes != 0 || res.Ping.Failures != 1 {
		t.Fatalf("unexpected payload: %+v", res.Ping)
	}
	if res.Ping.AvgResponseTimeMs != nil {
		t.Error("avg must be absent")
	}
	if res.IsSuccessful() {
		t.Error("should not be successful")
	}
}

// Integration test - requires fping to be installed
func TestPingChecker_Integration(t *testing.T) {
	if _, err := exec.LookPath("fping"); err != nil {
		t.Skip("fping not installed, skipping integration test")
	}

	c := NewPingChecker("")
	target := Target{
		EndpointID: uuid.New(),
		Address:    "127.0.0.1",
		Count:      2,
		Timeout:    2 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := c.Check(ctx, target)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !res.IsSuccessful() {
		t.Errorf("localhost should be reachable: %s", res.ErrorText())
	}
	if res.Ping.ResolvedIP != "127.0.0.1" {
		t.Errorf("resolved ip: got %s", res.Ping.ResolvedIP)
	}

	rt, _ := res.ResponseTimeMs()
	t.Logf("Localhost latency: avg=%.2fms", rt)
}

// Helper function for float comparison
func floatClose(a, b, tolerance float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}
