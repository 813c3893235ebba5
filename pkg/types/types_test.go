package types

import (
	"encoding/json"
	"testing"
)

func TestMonitoringResult_DerivedViews(t *testing.T) {
	tests := []struct {
		name        string
		result      MonitoringResult
		wantSuccess bool
		wantRT      float64
		wantHasRT   bool
		wantErr     string
	}{
		{
			name: "ping partial loss",
			result: MonitoringResult{Kind: CheckPing, Ping: &PingResult{
				Successes: 2, Failures: 1,
				SuccessLatencies:  []float64{10, 20},
				AvgResponseTimeMs: Float64(15),
				Errors:            []string{"probe 3: timeout"},
			}},
			wantSuccess: true,
			wantRT:      15,
			wantHasRT:   true,
		},
		{
			name:        "ping total loss",
			result:      MonitoringResult{Kind: CheckPing, Ping: &PingResult{Failures: 3}},
			wantSuccess: false,
			wantErr:     "100% packet loss (3 probes)",
		},
		{
			name: "traceroute reached",
			result: MonitoringResult{Kind: CheckTraceroute, Traceroute: &TracerouteResult{
				Hops: []TracerouteHop{{Hop: 1}}, TargetReached: true, TotalTimeMs: 42,
			}},
			wantSuccess: true,
			wantRT:      42,
			wantHasRT:   true,
		},
		{
			name: "traceroute unreached",
			result: MonitoringResult{Kind: CheckTraceroute, Traceroute: &TracerouteResult{
				Hops: []TracerouteHop{{Hop: 1}, {Hop: 2}},
			}},
			wantErr: "target not reached after 2 hops",
		},
		{
			name:        "tcp connected",
			result:      MonitoringResult{Kind: CheckTCPConnect, TCP: &TCPResult{Connected: true, ConnectTimeMs: Float64(3)}},
			wantSuccess: true,
			wantRT:      3,
			wantHasRT:   true,
		},
		{
			name:    "udp failed",
			result:  MonitoringResult{Kind: CheckUDPConnect, UDP: &UDPResult{Error: "connection refused"}},
			wantErr: "connection refused",
		},
		{
			name:        "http ok",
			result:      MonitoringResult{Kind: CheckHTTPGet, HTTP: &HTTPResult{StatusCode: 200, Success: true, ResponseTimeMs: Float64(8)}},
			wantSuccess: true,
			wantRT:      8,
			wantHasRT:   true,
		},
		{
			name:    "plugin failed",
			result:  MonitoringResult{Kind: CheckPlugin, Plugin: &PluginResult{PluginName: "snmp", Error: "timeout"}},
			wantErr: "timeout",
		},
		{
			name:    "missing payload",
			result:  MonitoringResult{Kind: CheckHTTPGet},
			wantErr: "missing http payload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.IsSuccessful(); got != tt.wantSuccess {
				t.Errorf("IsSuccessful() = %v, want %v", got, tt.wantSuccess)
			}
			rt, ok := tt.result.ResponseTimeMs()
			if ok != tt.wantHasRT {
				t.Fatalf("ResponseTimeMs() present = %v, want %v", ok, tt.wantHasRT)
			}
			if ok && rt != tt.wantRT {
				t.Errorf("ResponseTimeMs() = %v, want %v", rt, tt.wantRT)
			}
			if got := tt.result.ErrorText(); got != tt.wantErr {
				t.Errorf("ErrorText() = %q, want %q", got, tt.wantErr)
			}
		})
	}
}

func TestPingResult_AbsentAverageIsOmitted(t *testing.T) {
	data, err := json.Marshal(PingResult{Failures: 3})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["avg_response_time_ms"]; ok {
		t.Errorf("avg_response_time_ms should be absent, got %s", data)
	}
}

func TestCheckKind_Valid(t *testing.T) {
	for _, k := range CheckKinds() {
		if !k.Valid() {
			t.Errorf("%s should be valid", k)
		}
	}
	if CheckKind("icmp_ping").Valid() {
		t.Error("icmp_ping should not be valid")
	}
}
