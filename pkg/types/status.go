package types

import (
	"time"

	"github.com/google/uuid"
)

// Connectivity reflects recent result delivery to the server.
type Connectivity string

const (
	// ConnectivityConnected - last send succeeded
	ConnectivityConnected Connectivity = "connected"
	// ConnectivityDegraded - at least one consecutive failure
	ConnectivityDegraded Connectivity = "degraded"
	// ConnectivityDisconnected - failures reached the disconnect threshold
	ConnectivityDisconnected Connectivity = "disconnected"
)

// AgentStatus is the runtime state exposed to status readers.
type AgentStatus struct {
	AgentID   uuid.UUID  `json:"agent_id"`
	IsRunning bool       `json:"is_running"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`

	ChecksPerformed  uint64 `json:"checks_performed"`
	ChecksSuccessful uint64 `json:"checks_successful"`
	ChecksFailed     uint64 `json:"checks_failed"`

	LastReportAt        *time.Time   `json:"last_report_at,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	FailedReportCount   uint64       `json:"failed_report_count"`
	DroppedResults      uint64       `json:"dropped_results"`
	LastReportError     string       `json:"last_report_error,omitempty"`
	Connectivity        Connectivity `json:"connectivity"`
	CachedResults       int          `json:"cached_results"`
}

// ServerConnected reports whether the last delivery succeeded.
func (s AgentStatus) ServerConnected() bool {
	return s.Connectivity == ConnectivityConnected
}
