package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/pilot-net/smotra-agent/pkg/types"
)

// Metrics is a resource usage snapshot of the host and the agent process.
// A nil field could not be read.
type Metrics struct {
	CPUPercent    *float64
	MemoryPercent *float64
	MemoryUsedMB  *float64
	UptimeSeconds *uint64
	ProcessRSSMB  *float64
}

// MetricsProvider collects a metrics snapshot.
type MetricsProvider interface {
	Snapshot(ctx context.Context) (*Metrics, error)
}

// SystemMetrics reads host metrics through gopsutil.
type SystemMetrics struct {
	// CPUWindow is how long CPU usage is sampled for
	CPUWindow time.Duration
}

// NewSystemMetrics creates a provider sampling CPU over one second.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{CPUWindow: time.Second}
}

// Snapshot fails only when neither CPU nor memory could be read. Any
// other unreadable metric is left nil.
func (s *SystemMetrics) Snapshot(ctx context.Context) (*Metrics, error) {
	m := &Metrics{}

	cpuPct, cpuErr := cpu.PercentWithContext(ctx, s.CPUWindow, false)
	if cpuErr == nil && len(cpuPct) > 0 {
		m.CPUPercent = types.Float64(cpuPct[0])
	} else if cpuErr == nil {
		cpuErr = errors.New("no cpu samples")
	}

	vm, memErr := mem.VirtualMemoryWithContext(ctx)
	if memErr == nil {
		m.MemoryPercent = types.Float64(vm.UsedPercent)
		m.MemoryUsedMB = types.Float64(float64(vm.Used) / (1024 * 1024))
	}

	if cpuErr != nil && memErr != nil {
		return nil, fmt.Errorf("reading host metrics: cpu: %w, memory: %v", cpuErr, memErr)
	}

	if up, err := host.UptimeWithContext(ctx); err == nil {
		m.UptimeSeconds = &up
	}

	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
			m.ProcessRSSMB = types.Float64(float64(info.RSS) / (1024 * 1024))
		}
	}

	return m, nil
}
