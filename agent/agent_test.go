package agent

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/smotra-agent/agent/internal/checker"
	"github.com/pilot-net/smotra-agent/agent/internal/client"
	"github.com/pilot-net/smotra-agent/agent/internal/config"
	"github.com/pilot-net/smotra-agent/agent/internal/heartbeat"
	"github.com/pilot-net/smotra-agent/pkg/types"
)

// fakeServer answers the registration, claim, heartbeat and report calls.
type fakeServer struct {
	registers  atomic.Int32
	heartbeats atomic.Int32

	mu      sync.Mutex
	results []types.MonitoringResult
	apiKeys []string
}

func (f *fakeServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/register"):
			f.registers.Add(1)
			var req types.RegistrationRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"status":"pending_claim","pollUrl":"/v1/agent/%s/claim-status","claimUrl":"https://smotra.net/claim","expiresAt":%q}`,
				req.AgentID, time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
		case strings.HasSuffix(r.URL.Path, "/claim-status"):
			fmt.Fprint(w, `{"status":"claimed","apiKey":"sk_test_agent"}`)
		case strings.HasSuffix(r.URL.Path, "/heartbeat"):
			f.heartbeats.Add(1)
			w.WriteHeader(http.StatusNoContent)
		case strings.HasSuffix(r.URL.Path, "/report"):
			gz, err := gzip.NewReader(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			var batch types.ResultBatch
			if err := json.NewDecoder(gz).Decode(&batch); err != nil {
				t.Errorf("decoding batch: %v", err)
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.mu.Lock()
			f.results = append(f.results, batch.Results...)
			f.apiKeys = append(f.apiKeys, r.Header.Get(client.HeaderAPIKey))
			f.mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
		default:
			http.NotFound(w, r)
		}
	}
}

func (f *fakeServer) reported() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

type okChecker struct{ calls atomic.Int32 }

func (c *okChecker) Kind() types.CheckKind { return types.CheckPing }
func (c *okChecker) Capabilities() checker.Capabilities { return checker.Capabilities{} }

func (c *okChecker) Check(_ context.Context, target checker.Target) (*types.MonitoringResult, error) {
	c.calls.Add(1)
	return &types.MonitoringResult{
		ID:         uuid.New(),
		AgentID:    target.AgentID,
		EndpointID: target.EndpointID,
		Address:    target.Address,
		Kind:       types.CheckPing,
		Timestamp:  time.Now(),
		Ping: &types.PingResult{
			Successes:         1,
			SuccessLatencies:  []float64{1.5},
			AvgResponseTimeMs: types.Float64(1.5),
		},
	}, nil
}

type staticMetrics struct{}

func (staticMetrics) Snapshot(context.Context) (*heartbeat.Metrics, error) {
	return &heartbeat.Metrics{CPUPercent: types.Float64(3), MemoryPercent: types.Float64(20)}, nil
}

// unclaimedConfig writes a config without identity or credential.
func unclaimedConfig(t *testing.T, serverURL string) (string, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.URL = serverURL
	cfg.Server.TimeoutSecs = 1
	cfg.Server.ReportIntervalSecs = 2
	cfg.Server.HeartbeatIntervalSecs = 60
	cfg.Monitoring.IntervalSecs = 1
	cfg.Storage.Backend = config.BackendMemory
	cfg.Endpoints = []config.Endpoint{
		{ID: uuid.New(), Address: "192.0.2.10", Check: types.CheckPing},
	}

	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, cfg.Save(path))
	loaded, err := config.LoadFromFile(path)
	require.NoError(t, err)
	return path, loaded
}

func newTestAgent(t *testing.T, path string, cfg *config.Config, chk checker.Checker) *Agent {
	t.Helper()
	registry := checker.NewRegistry()
	require.NoError(t, registry.Register(chk))

	a, err := New(cfg, Options{
		ConfigPath:        path,
		Metrics:           staticMetrics{},
		Registry:          registry,
		ClaimOutput:       &bytes.Buffer{},
		ClaimPollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return a
}

func TestAgent_ClaimsThenMonitors(t *testing.T) {
	fs := &fakeServer{}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	path, cfg := unclaimedConfig(t, srv.URL)
	chk := &okChecker{}
	a := newTestAgent(t, path, cfg, chk)

	require.NoError(t, a.Start(context.Background()))
	assert.ErrorIs(t, a.Start(context.Background()), ErrAlreadyRunning)

	require.Eventually(t, func() bool {
		return a.Status().IsRunning && chk.calls.Load() >= 1 && fs.heartbeats.Load() >= 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, a.Stop())

	// The final flush on shutdown delivers what was still pending.
	assert.GreaterOrEqual(t, fs.reported(), 1)
	fs.mu.Lock()
	assert.Equal(t, "sk_test_agent", fs.apiKeys[0])
	fs.mu.Unlock()

	st := a.Status()
	assert.False(t, st.IsRunning)
	assert.NotNil(t, st.StoppedAt)
	assert.Equal(t, types.ConnectivityConnected, st.Connectivity)
	assert.Equal(t, int32(1), fs.registers.Load())

	persisted, err := config.Load(path)
	require.NoError(t, err)
	assert.True(t, persisted.HasCredential())
	assert.Equal(t, "sk_test_agent", persisted.APIKeyValue())
	assert.Equal(t, a.Config().AgentID, persisted.AgentID)
	assert.Equal(t, byte(7), byte(persisted.AgentID.Version()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestAgent_RestartSkipsClaim(t *testing.T) {
	fs := &fakeServer{}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	path, cfg := unclaimedConfig(t, srv.URL)
	first := newTestAgent(t, path, cfg, &okChecker{})
	require.NoError(t, first.Start(context.Background()))
	require.Eventually(t, func() bool { return first.Status().IsRunning }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, first.Stop())
	require.Equal(t, int32(1), fs.registers.Load())

	claimed, err := config.LoadFromFile(path)
	require.NoError(t, err)
	second := newTestAgent(t, path, claimed, &okChecker{})
	require.NoError(t, second.Start(context.Background()))
	require.Eventually(t, func() bool { return second.Status().IsRunning }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, second.Stop())

	assert.Equal(t, int32(1), fs.registers.Load())
	assert.Equal(t, first.Config().AgentID, second.Config().AgentID)
}

func TestAgent_ReloadKeepsPreviousOnInvalidFile(t *testing.T) {
	fs := &fakeServer{}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	path, cfg := unclaimedConfig(t, srv.URL)
	a := newTestAgent(t, path, cfg, &okChecker{})
	assert.ErrorIs(t, a.Reload(context.Background()), ErrNotRunning)

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()
	require.Eventually(t, func() bool { return a.Status().IsRunning }, 5*time.Second, 10*time.Millisecond)

	next := a.Config()
	next.Server.RetryAttempts = 7
	next.Monitoring.MaxConcurrent = 2
	require.NoError(t, next.Save(path))
	require.NoError(t, a.Reload(context.Background()))
	assert.Equal(t, 2, a.Config().Monitoring.MaxConcurrent)

	broken := a.Config()
	broken.Monitoring.PingCount = 0
	require.NoError(t, broken.Save(path))
	require.Error(t, a.Reload(context.Background()))
	assert.Equal(t, uint32(3), a.Config().Monitoring.PingCount)
	assert.Equal(t, uint32(7), a.Config().Server.RetryAttempts)
}

func TestAgent_InvalidUnclaimedConfigNeverRegisters(t *testing.T) {
	fs := &fakeServer{}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	path, cfg := unclaimedConfig(t, srv.URL)
	cfg.Monitoring.PingCount = 0
	a := newTestAgent(t, path, cfg, &okChecker{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring.ping_count must be greater than 0")
	assert.Equal(t, int32(0), fs.registers.Load())

	onDisk, err := config.LoadFromFile(path)
	require.NoError(t, err)
	assert.False(t, onDisk.HasCredential())
}

func TestAgent_ClaimKeepsEnvOverridesOutOfFile(t *testing.T) {
	fs := &fakeServer{}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	path, cfg := unclaimedConfig(t, srv.URL)
	t.Setenv("SMOTRA_AGENT_NAME", "from-env")
	t.Setenv("SMOTRA_CACHE_DIR", filepath.Join(t.TempDir(), "env-cache"))
	cfg.ApplyEnvOverrides()

	a := newTestAgent(t, path, cfg, &okChecker{})
	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, func() bool { return a.Status().IsRunning }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, a.Stop())

	live := a.Config()
	assert.Equal(t, "from-env", live.AgentName)
	assert.Equal(t, "sk_test_agent", live.APIKeyValue())

	onDisk, err := config.LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "sk_test_agent", onDisk.APIKeyValue())
	assert.Equal(t, live.AgentID, onDisk.AgentID)
	assert.Equal(t, config.DefaultConfig().AgentName, onDisk.AgentName)
	assert.Equal(t, config.DefaultConfig().Storage.CacheDir, onDisk.Storage.CacheDir)
}

func TestNew_RequiresConfigPath(t *testing.T) {
	_, err := New(config.DefaultConfig(), Options{})
	assert.Error(t, err)

	_, err = New(nil, Options{ConfigPath: "agent.yaml"})
	assert.Error(t, err)
}
