// Package types defines the domain types shared between the agent and the
// server it reports to.
//
// # Design Principles
//
// 1. Serialization: all types are JSON-serializable for API transport and
// for the local result cache
// 2. Immutability: a MonitoringResult is never modified after its checker
// returns it
// 3. Derived views: success, response time and error text are computed from
// the kind-specific payload, never stored twice
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CHECK KINDS
// =============================================================================

// CheckKind identifies the probe a checker performs.
type CheckKind string

const (
	CheckPing       CheckKind = "ping"
	CheckTraceroute CheckKind = "traceroute"
	CheckTCPConnect CheckKind = "tcp_connect"
	CheckUDPConnect CheckKind = "udp_connect"
	CheckHTTPGet    CheckKind = "http_get"
	CheckPlugin     CheckKind = "plugin"
)

// Valid reports whether k is a known check kind.
func (k CheckKind) Valid() bool {
	switch k {
	case CheckPing, CheckTraceroute, CheckTCPConnect, CheckUDPConnect, CheckHTTPGet, CheckPlugin:
		return true
	}
	return false
}

// CheckKinds returns every known check kind.
func CheckKinds() []CheckKind {
	return []CheckKind{CheckPing, CheckTraceroute, CheckTCPConnect, CheckUDPConnect, CheckHTTPGet, CheckPlugin}
}

// =============================================================================
// MONITORING RESULT
// =============================================================================

// MonitoringResult is the outcome of one check against one endpoint.
//
// Exactly one of the payload pointers is set, selected by Kind.
type MonitoringResult struct {
	ID         uuid.UUID `json:"id"`
	AgentID    uuid.UUID `json:"agent_id"`
	EndpointID uuid.UUID `json:"endpoint_id"`
	Address    string    `json:"address"`
	Port       *uint16   `json:"port,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Kind       CheckKind `json:"kind"`
	Timestamp  time.Time `json:"timestamp"`

	Ping       *PingResult       `json:"ping,omitempty"`
	Traceroute *TracerouteResult `json:"traceroute,omitempty"`
	TCP        *TCPResult        `json:"tcp_connect,omitempty"`
	UDP        *UDPResult        `json:"udp_connect,omitempty"`
	HTTP       *HTTPResult       `json:"http_get,omitempty"`
	Plugin     *PluginResult     `json:"plugin,omitempty"`
}

// PingResult holds ICMP echo statistics.
type PingResult struct {
	ResolvedIP       string    `json:"resolved_ip,omitempty"`
	Successes        int       `json:"successes"`
	Failures         int       `json:"failures"`
	SuccessLatencies []float64 `json:"success_latencies_ms"`
	// AvgResponseTimeMs is nil when no probe succeeded.
	AvgResponseTimeMs *float64 `json:"avg_response_time_ms,omitempty"`
	Errors            []string `json:"errors,omitempty"`
}

// TracerouteHop is one TTL step of a path trace.
type TracerouteHop struct {
	Hop            int      `json:"hop"`
	Address        string   `json:"address,omitempty"`
	Hostname       string   `json:"hostname,omitempty"`
	ResponseTimeMs *float64 `json:"response_time_ms,omitempty"`
	LossPct        float64  `json:"loss_pct"`
}

// TracerouteResult holds the hop list of a path trace.
type TracerouteResult struct {
	ResolvedIP    string          `json:"resolved_ip,omitempty"`
	Hops          []TracerouteHop `json:"hops"`
	TargetReached bool            `json:"target_reached"`
	TotalTimeMs   float64         `json:"total_time_ms"`
	Errors        []string        `json:"errors,omitempty"`
}

// TCPResult holds the outcome of a TCP connect.
type TCPResult struct {
	ResolvedIP    string   `json:"resolved_ip,omitempty"`
	Connected     bool     `json:"connected"`
	ConnectTimeMs *float64 `json:"connect_time_ms,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// UDPResult holds the outcome of a UDP probe.
type UDPResult struct {
	ResolvedIP      string   `json:"resolved_ip,omitempty"`
	ProbeSuccessful bool     `json:"probe_successful"`
	ResponseTimeMs  *float64 `json:"response_time_ms,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// HTTPResult holds the outcome of an HTTP GET.
type HTTPResult struct {
	URL               string   `json:"url"`
	StatusCode        int      `json:"status_code,omitempty"`
	ResponseTimeMs    *float64 `json:"response_time_ms,omitempty"`
	ResponseSizeBytes int64    `json:"response_size_bytes"`
	Success           bool     `json:"success"`
	Error             string   `json:"error,omitempty"`
}

// PluginResult holds the free-form outcome of a plugin check.
type PluginResult struct {
	PluginName     string            `json:"plugin_name"`
	PluginVersion  string            `json:"plugin_version"`
	Success        bool              `json:"success"`
	ResponseTimeMs *float64          `json:"response_time_ms,omitempty"`
	Error          string            `json:"error,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
}

// IsSuccessful reports the overall outcome of the check.
func (r *MonitoringResult) IsSuccessful() bool {
	switch r.Kind {
	case CheckPing:
		return r.Ping != nil && r.Ping.Successes > 0
	case CheckTraceroute:
		return r.Traceroute != nil && r.Traceroute.TargetReached
	case CheckTCPConnect:
		return r.TCP != nil && r.TCP.Connected
	case CheckUDPConnect:
		return r.UDP != nil && r.UDP.ProbeSuccessful
	case CheckHTTPGet:
		return r.HTTP != nil && r.HTTP.Success
	case CheckPlugin:
		return r.Plugin != nil && r.Plugin.Success
	}
	return false
}

// ResponseTimeMs returns the primary latency of the check, if any.
func (r *MonitoringResult) ResponseTimeMs() (float64, bool) {
	var v *float64
	switch r.Kind {
	case CheckPing:
		if r.Ping != nil {
			v = r.Ping.AvgResponseTimeMs
		}
	case CheckTraceroute:
		if r.Traceroute != nil && r.Traceroute.TargetReached {
			t := r.Traceroute.TotalTimeMs
			v = &t
		}
	case CheckTCPConnect:
		if r.TCP != nil {
			v = r.TCP.ConnectTimeMs
		}
	case CheckUDPConnect:
		if r.UDP != nil {
			v = r.UDP.ResponseTimeMs
		}
	case CheckHTTPGet:
		if r.HTTP != nil {
			v = r.HTTP.ResponseTimeMs
		}
	case CheckPlugin:
		if r.Plugin != nil {
			v = r.Plugin.ResponseTimeMs
		}
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

// ErrorText returns the primary error of the check, or "" on success.
func (r *MonitoringResult) ErrorText() string {
	switch r.Kind {
	case CheckPing:
		if r.Ping == nil {
			return "missing ping payload"
		}
		if r.Ping.Successes > 0 {
			return ""
		}
		if len(r.Ping.Errors) > 0 {
			return r.Ping.Errors[0]
		}
		return fmt.Sprintf("100%% packet loss (%d probes)", r.Ping.Failures)
	case CheckTraceroute:
		if r.Traceroute == nil {
			return "missing traceroute payload"
		}
		if r.Traceroute.TargetReached {
			return ""
		}
		if len(r.Traceroute.Errors) > 0 {
			return r.Traceroute.Errors[0]
		}
		return fmt.Sprintf("target not reached after %d hops", len(r.Traceroute.Hops))
	case CheckTCPConnect:
		if r.TCP == nil {
			return "missing tcp payload"
		}
		return r.TCP.Error
	case CheckUDPConnect:
		if r.UDP == nil {
			return "missing udp payload"
		}
		return r.UDP.Error
	case CheckHTTPGet:
		if r.HTTP == nil {
			return "missing http payload"
		}
		return r.HTTP.Error
	case CheckPlugin:
		if r.Plugin == nil {
			return "missing plugin payload"
		}
		return r.Plugin.Error
	}
	return fmt.Sprintf("unknown check kind %q", r.Kind)
}

// =============================================================================
// RESULT BATCH
// =============================================================================

// ResultBatch is a collection of results shipped together.
type ResultBatch struct {
	AgentID   uuid.UUID          `json:"agent_id"`
	BatchID   uuid.UUID          `json:"batch_id"`
	Results   []MonitoringResult `json:"results"`
	CreatedAt time.Time          `json:"created_at"`
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 {
	return &v
}

// Millis converts a duration to fractional milliseconds.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
