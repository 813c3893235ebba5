package types

import (
	"time"

	"github.com/google/uuid"
)

// HealthStatus is the coarse self-assessment carried in a heartbeat.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

// Heartbeat is the compact liveness beacon sent independently of results.
type Heartbeat struct {
	AgentID   uuid.UUID    `json:"agent_id"`
	Timestamp time.Time    `json:"timestamp"`
	Version   string       `json:"agent_version"`
	Status    HealthStatus `json:"status"`

	// Resource usage; nil when the host metrics provider failed
	CPUUsagePercent    *float64 `json:"cpu_usage_percent,omitempty"`
	MemoryUsagePercent *float64 `json:"memory_usage_percent,omitempty"`
	MemoryUsageMB      *float64 `json:"memory_usage_mb,omitempty"`
	UptimeSeconds      *uint64  `json:"uptime_seconds,omitempty"`
	ProcessRSSMB       *float64 `json:"process_rss_mb,omitempty"`

	// Agent counters
	CachedResults int          `json:"cached_results"`
	Connectivity  Connectivity `json:"connectivity"`
}
