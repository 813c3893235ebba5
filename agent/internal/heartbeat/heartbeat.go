// Package heartbeat sends the periodic liveness beacon.
//
// The beacon runs on its own interval, separate from result delivery, so the
// server can tell an agent that is alive but has no results from one that is
// silent. Failures are logged and otherwise ignored: they never touch the
// cache or the connectivity state.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/pilot-net/smotra-agent/agent/internal/config"
	"github.com/pilot-net/smotra-agent/pkg/types"
)

// Health thresholds in percent, applied to both CPU and memory.
const (
	CriticalThreshold = 98.0
	DegradedThreshold = 90.0
)

// Classify derives the health status from a metrics snapshot. A high
// reading is reported even when the other metric is missing; healthy needs
// both CPU and memory.
func Classify(m *Metrics) types.HealthStatus {
	if m == nil || (m.CPUPercent == nil && m.MemoryPercent == nil) {
		return types.HealthUnknown
	}
	var peak float64
	for _, v := range []*float64{m.CPUPercent, m.MemoryPercent} {
		if v != nil {
			peak = max(peak, *v)
		}
	}
	switch {
	case peak >= CriticalThreshold:
		return types.HealthCritical
	case peak > DegradedThreshold:
		return types.HealthDegraded
	case m.CPUPercent == nil || m.MemoryPercent == nil:
		return types.HealthUnknown
	default:
		return types.HealthHealthy
	}
}

// Beacon posts one heartbeat. *client.Client satisfies it.
type Beacon interface {
	Heartbeat(ctx context.Context, hb types.Heartbeat) error
}

// ConfigSource provides the live configuration.
type ConfigSource interface {
	Current() *config.Config
}

// StatusReader exposes agent status. *state.Tracker satisfies it.
type StatusReader interface {
	Snapshot() types.AgentStatus
}

// Options for the sender.
type Options struct {
	Version string
	Metrics MetricsProvider
	Status  StatusReader
	Logger  *slog.Logger
	Now     func() time.Time
}

// Sender sends heartbeats on the live heartbeat interval.
type Sender struct {
	beacon  Beacon
	source  ConfigSource
	metrics MetricsProvider
	status  StatusReader
	version string
	logger  *slog.Logger
	now     func() time.Time
}

// NewSender creates a heartbeat sender.
func NewSender(beacon Beacon, source ConfigSource, opts Options) *Sender {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewSystemMetrics()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Sender{
		beacon:  beacon,
		source:  source,
		metrics: opts.Metrics,
		status:  opts.Status,
		version: opts.Version,
		logger:  opts.Logger.With("component", "heartbeat"),
		now:     opts.Now,
	}
}

// Run sends a heartbeat immediately, then on every interval until ctx is
// cancelled.
func (s *Sender) Run(ctx context.Context) error {
	interval := s.interval()
	s.logger.Info("starting heartbeat", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Send(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if next := s.interval(); next != interval {
				s.logger.Info("heartbeat interval changed", "old", interval, "new", next)
				interval = next
				ticker.Reset(interval)
			}
			s.Send(ctx)
		}
	}
}

func (s *Sender) interval() time.Duration {
	if d := s.source.Current().Server.HeartbeatInterval(); d > 0 {
		return d
	}
	return 5 * time.Minute
}

// Build assembles a heartbeat from current metrics and status.
func (s *Sender) Build(ctx context.Context) types.Heartbeat {
	hb := types.Heartbeat{
		AgentID:   s.source.Current().AgentID,
		Timestamp: s.now().UTC(),
		Version:   s.version,
	}

	m, err := s.metrics.Snapshot(ctx)
	if err != nil {
		s.logger.Warn("host metrics unavailable", "error", err)
		m = nil
	}
	hb.Status = Classify(m)
	if m != nil {
		hb.CPUUsagePercent = m.CPUPercent
		hb.MemoryUsagePercent = m.MemoryPercent
		hb.MemoryUsageMB = m.MemoryUsedMB
		hb.UptimeSeconds = m.UptimeSeconds
		hb.ProcessRSSMB = m.ProcessRSSMB
	}

	if s.status != nil {
		st := s.status.Snapshot()
		hb.CachedResults = st.CachedResults
		hb.Connectivity = st.Connectivity
	}
	return hb
}

// Send builds and sends one heartbeat. Errors are logged, not returned.
func (s *Sender) Send(ctx context.Context) {
	hb := s.Build(ctx)
	if err := s.beacon.Heartbeat(ctx, hb); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("failed to send heartbeat", "error", err)
		return
	}
	s.logger.Debug("heartbeat sent", "status", hb.Status)
}
