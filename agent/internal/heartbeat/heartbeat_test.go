package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/smotra-agent/agent/internal/config"
	"github.com/pilot-net/smotra-agent/agent/internal/state"
	"github.com/pilot-net/smotra-agent/pkg/types"
)

type staticMetrics struct {
	m   *Metrics
	err error
}

func (s staticMetrics) Snapshot(context.Context) (*Metrics, error) { return s.m, s.err }

type recordingBeacon struct {
	mu   sync.Mutex
	sent []types.Heartbeat
	err  error
}

func (b *recordingBeacon) Heartbeat(_ context.Context, hb types.Heartbeat) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, hb)
	return b.err
}

func (b *recordingBeacon) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

type fixedSource struct{ cfg *config.Config }

func (f fixedSource) Current() *config.Config { return f.cfg }

func TestClassify(t *testing.T) {
	pct := types.Float64
	tests := []struct {
		name string
		m    *Metrics
		want types.HealthStatus
	}{
		{"unavailable", nil, types.HealthUnknown},
		{"nothing read", &Metrics{}, types.HealthUnknown},
		{"idle", &Metrics{CPUPercent: pct(5), MemoryPercent: pct(40)}, types.HealthHealthy},
		{"exactly ninety", &Metrics{CPUPercent: pct(90), MemoryPercent: pct(10)}, types.HealthHealthy},
		{"busy cpu", &Metrics{CPUPercent: pct(91), MemoryPercent: pct(10)}, types.HealthDegraded},
		{"tight memory", &Metrics{CPUPercent: pct(1), MemoryPercent: pct(95)}, types.HealthDegraded},
		{"cpu pinned", &Metrics{CPUPercent: pct(99.5), MemoryPercent: pct(10)}, types.HealthCritical},
		{"memory exhausted", &Metrics{CPUPercent: pct(10), MemoryPercent: pct(98)}, types.HealthCritical},
		{"cpu missing, memory low", &Metrics{MemoryPercent: pct(20)}, types.HealthUnknown},
		{"memory missing, cpu low", &Metrics{CPUPercent: pct(3)}, types.HealthUnknown},
		{"cpu missing, memory tight", &Metrics{MemoryPercent: pct(93)}, types.HealthDegraded},
		{"memory missing, cpu pinned", &Metrics{CPUPercent: pct(99)}, types.HealthCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.m))
		})
	}
}

func TestSender_Build(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.AgentID = uuid.New()

	tracker := state.NewTracker(cfg.AgentID, 3)
	tracker.SetCached(7)
	tracker.RecordSendFailure("timeout")

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	uptime := uint64(3600)
	s := NewSender(&recordingBeacon{}, fixedSource{cfg: cfg}, Options{
		Version: "1.4.0",
		Metrics: staticMetrics{m: &Metrics{
			CPUPercent:    types.Float64(12.5),
			MemoryPercent: types.Float64(93),
			MemoryUsedMB:  types.Float64(2048),
			UptimeSeconds: &uptime,
			ProcessRSSMB:  types.Float64(24),
		}},
		Status:  tracker,
		Now:     func() time.Time { return now },
	})

	hb := s.Build(context.Background())
	assert.Equal(t, cfg.AgentID, hb.AgentID)
	assert.Equal(t, now, hb.Timestamp)
	assert.Equal(t, "1.4.0", hb.Version)
	assert.Equal(t, types.HealthDegraded, hb.Status)
	require.NotNil(t, hb.CPUUsagePercent)
	assert.Equal(t, 12.5, *hb.CPUUsagePercent)
	require.NotNil(t, hb.UptimeSeconds)
	assert.Equal(t, uint64(3600), *hb.UptimeSeconds)
	require.NotNil(t, hb.ProcessRSSMB)
	assert.Equal(t, 24.0, *hb.ProcessRSSMB)
	assert.Equal(t, 7, hb.CachedResults)
	assert.Equal(t, types.ConnectivityDegraded, hb.Connectivity)
}

func TestSender_MetricsUnavailable(t *testing.T) {
	cfg := config.DefaultConfig()
	s := NewSender(&recordingBeacon{}, fixedSource{cfg: cfg}, Options{
		Metrics: staticMetrics{err: errors.New("permission denied")},
	})

	hb := s.Build(context.Background())
	assert.Equal(t, types.HealthUnknown, hb.Status)
	assert.Nil(t, hb.CPUUsagePercent)
	assert.Nil(t, hb.MemoryUsagePercent)
	assert.Nil(t, hb.UptimeSeconds)
}

func TestSender_PartialMetrics(t *testing.T) {
	cfg := config.DefaultConfig()
	s := NewSender(&recordingBeacon{}, fixedSource{cfg: cfg}, Options{
		Metrics: staticMetrics{m: &Metrics{MemoryPercent: types.Float64(35), MemoryUsedMB: types.Float64(900)}},
	})

	hb := s.Build(context.Background())
	assert.Equal(t, types.HealthUnknown, hb.Status)
	assert.Nil(t, hb.CPUUsagePercent, "an unread metric must not be reported as zero")
	require.NotNil(t, hb.MemoryUsagePercent)
	assert.Equal(t, 35.0, *hb.MemoryUsagePercent)
	assert.Nil(t, hb.UptimeSeconds)
	assert.Nil(t, hb.ProcessRSSMB)
}

func TestSender_FailureDoesNotTouchConnectivity(t *testing.T) {
	cfg := config.DefaultConfig()
	tracker := state.NewTracker(cfg.AgentID, 3)
	beacon := &recordingBeacon{err: errors.New("connection refused")}
	s := NewSender(beacon, fixedSource{cfg: cfg}, Options{
		Metrics: staticMetrics{m: &Metrics{}},
		Status:  tracker,
	})

	for i := 0; i < 5; i++ {
		s.Send(context.Background())
	}

	assert.Equal(t, 5, beacon.count())
	st := tracker.Snapshot()
	assert.Equal(t, types.ConnectivityConnected, st.Connectivity)
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestSender_RunSendsImmediatelyAndStops(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.HeartbeatIntervalSecs = 3600
	beacon := &recordingBeacon{}
	s := NewSender(beacon, fixedSource{cfg: cfg}, Options{Metrics: staticMetrics{m: &Metrics{}}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return beacon.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat did not stop")
	}
}

func TestSystemMetrics_Snapshot(t *testing.T) {
	if testing.Short() {
		t.Skip("samples host CPU")
	}
	m, err := (&SystemMetrics{CPUWindow: 100 * time.Millisecond}).Snapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, m.MemoryPercent)
	assert.GreaterOrEqual(t, *m.MemoryPercent, 0.0)
	assert.LessOrEqual(t, *m.MemoryPercent, 100.0)
	require.NotNil(t, m.ProcessRSSMB)
	assert.Greater(t, *m.ProcessRSSMB, 0.0)
}
