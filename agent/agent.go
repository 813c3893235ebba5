// Package agent wires the monitoring components into a running agent.
//
// # Agent Lifecycle
//
//  1. Load configuration
//  2. Claim the agent if it holds no server credential, then persist it
//  3. Open the result cache
//  4. Start the monitoring coordinator
//  5. Start the result reporter
//  6. Start the heartbeat loop
//  7. Watch the config file for reloads
//  8. Run until shutdown signal, then flush what is left
//
// Every component reads the live configuration from one holder, so a
// reload is picked up at each component's next tick.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pilot-net/smotra-agent/agent/internal/cache"
	"github.com/pilot-net/smotra-agent/agent/internal/checker"
	"github.com/pilot-net/smotra-agent/agent/internal/claim"
	"github.com/pilot-net/smotra-agent/agent/internal/client"
	"github.com/pilot-net/smotra-agent/agent/internal/config"
	"github.com/pilot-net/smotra-agent/agent/internal/coordinator"
	"github.com/pilot-net/smotra-agent/agent/internal/heartbeat"
	"github.com/pilot-net/smotra-agent/agent/internal/reload"
	"github.com/pilot-net/smotra-agent/agent/internal/reporter"
	"github.com/pilot-net/smotra-agent/agent/internal/state"
	"github.com/pilot-net/smotra-agent/pkg/types"
)

// Version is set at build time.
var Version = "dev"

// pluginShutdownTimeout bounds plugin teardown on exit.
const pluginShutdownTimeout = 5 * time.Second

var (
	// ErrAlreadyRunning is returned by Start when the agent is running.
	ErrAlreadyRunning = errors.New("agent already running")
	// ErrNotRunning is returned by Reload before the agent is claimed.
	ErrNotRunning = errors.New("agent not running")
)

// Options for the agent.
type Options struct {
	// ConfigPath is where the config is read from, reloaded from and
	// where the claimed credential is persisted. Required.
	ConfigPath string
	Logger     *slog.Logger

	// Client overrides the server client built from the config.
	Client *client.Client
	// Metrics overrides the host metrics provider (gopsutil by default).
	Metrics heartbeat.MetricsProvider
	// Registry overrides the built-in checkers.
	Registry *checker.Registry

	// ClaimOutput receives the claim instructions (stdout by default).
	ClaimOutput io.Writer
	// ClaimPollInterval overrides server.claiming.poll_interval_secs.
	ClaimPollInterval time.Duration
}

// Agent is the main monitoring agent.
type Agent struct {
	path     string
	logger   *slog.Logger
	client   *client.Client
	metrics  heartbeat.MetricsProvider
	registry *checker.Registry
	plugins  *checker.PluginRegistry

	holder  *state.Holder
	tracker *state.Tracker
	reload  *reload.Manager

	claimOutput       io.Writer
	claimPollInterval time.Duration

	// Control
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// New creates a new agent with the given configuration. cfg may still lack
// an identity and a credential; Run claims the agent first in that case.
func New(cfg *config.Config, opts Options) (*Agent, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if opts.ConfigPath == "" {
		return nil, errors.New("config path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Agent{
		path:              opts.ConfigPath,
		logger:            logger,
		client:            opts.Client,
		metrics:           opts.Metrics,
		registry:          opts.Registry,
		plugins:           checker.NewPluginRegistry(),
		holder:            state.NewHolder(cfg),
		tracker:           state.NewTracker(cfg.AgentID, int(cfg.Server.RetryAttempts)),
		claimOutput:       opts.ClaimOutput,
		claimPollInterval: opts.ClaimPollInterval,
	}

	if a.client == nil {
		a.client = client.NewClient(client.Config{
			BaseURL:            cfg.Server.URL,
			APIKey:             cfg.APIKeyValue(),
			AgentID:            cfg.AgentID,
			ConfigVersion:      cfg.Version,
			AgentVersion:       Version,
			Timeout:            cfg.Server.Timeout(),
			InsecureSkipVerify: !cfg.Server.VerifyTLS,
		})
	}
	if a.metrics == nil {
		a.metrics = heartbeat.NewSystemMetrics()
	}
	if a.registry == nil {
		a.registry = a.defaultRegistry(cfg)
	}

	a.reload = reload.NewManager(a.path, a.holder, reload.Options{
		Logger:   logger,
		Loader:   loadConfig,
		OnReload: a.applyReload,
	})

	return a, nil
}

// defaultRegistry registers the built-in checkers. A checker whose binary
// is missing is skipped with a warning; its endpoints report failures.
func (a *Agent) defaultRegistry(cfg *config.Config) *checker.Registry {
	registry := checker.NewRegistry()

	pingChecker := checker.NewPingChecker(cfg.Monitoring.FpingPath)
	if err := registry.Register(pingChecker); err != nil {
		a.logger.Warn("failed to register ping checker", "error", err)
	} else {
		a.logger.Info("registered checker", "kind", types.CheckPing, "backend", pingChecker.Backend())
	}

	// Traceroute needs mtr; without it traceroute_on_failure is a no-op
	if err := registry.Register(checker.NewTracerouteChecker(cfg.Monitoring.MTRPath)); err != nil {
		a.logger.Warn("failed to register traceroute checker", "error", err)
	} else {
		a.logger.Info("registered checker", "kind", types.CheckTraceroute)
	}

	for _, c := range []checker.Checker{
		checker.NewTCPChecker(),
		checker.NewUDPChecker(),
		checker.NewHTTPChecker("smotra-agent/" + Version),
	} {
		if err := registry.Register(c); err != nil {
			a.logger.Warn("failed to register checker", "kind", c.Kind(), "error", err)
			continue
		}
		a.logger.Info("registered checker", "kind", c.Kind())
	}

	if err := a.plugins.Register(checker.NewSNMPPlugin()); err != nil {
		a.logger.Warn("failed to register plugin", "plugin", checker.SNMPPluginName, "error", err)
	}
	if err := registry.Register(checker.NewPluginChecker(a.plugins)); err != nil {
		a.logger.Warn("failed to register plugin checker", "error", err)
	} else {
		a.logger.Info("registered checker", "kind", types.CheckPlugin, "plugins", a.plugins.List())
	}

	a.logger.Info("checker registry ready", "checkers", registry.List())
	return registry
}

// Run starts the agent and blocks until ctx is cancelled or a component
// fails. Cancellation is a clean shutdown and returns nil.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting agent",
		"version", Version,
		"config", a.path,
		"server", a.client.BaseURL())

	// Reject a bad config before anything is sent to the server.
	if err := a.holder.Current().ValidateUnclaimed(); err != nil {
		return err
	}

	if err := a.ensureClaimed(ctx); err != nil {
		if ctx.Err() != nil {
			a.logger.Info("shutdown requested before the agent was claimed")
			return nil
		}
		return err
	}

	cfg := a.holder.Current()
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.client.SetCredentials(cfg.AgentID, cfg.APIKeyValue())
	a.client.SetConfigVersion(cfg.Version)
	a.tracker.SetAgentID(cfg.AgentID)
	a.tracker.SetDisconnectThreshold(int(cfg.Server.RetryAttempts))

	resultCache, err := cache.Open(cfg.Storage, cfg.AgentID, func() cache.Limits {
		return cache.LimitsFrom(a.holder.Current().Storage)
	}, a.logger)
	if err != nil {
		return fmt.Errorf("opening result cache: %w", err)
	}
	defer func() {
		if err := resultCache.Close(); err != nil {
			a.logger.Warn("closing result cache", "error", err)
		}
	}()

	if err := a.plugins.InitializeAll(ctx); err != nil {
		a.logger.Warn("plugin initialization failed", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pluginShutdownTimeout)
		defer cancel()
		if err := a.plugins.ShutdownAll(shutdownCtx); err != nil {
			a.logger.Warn("plugin shutdown failed", "error", err)
		}
	}()

	queue := coordinator.NewQueue()
	coord := coordinator.New(a.holder, a.registry, queue, coordinator.Options{
		Status: a.tracker,
		Logger: a.logger,
	})
	rep := reporter.New(a.client, a.holder, resultCache, queue.Out(), reporter.Options{
		Status: a.tracker,
		Logger: a.logger,
	})
	beat := heartbeat.NewSender(a.client, a.holder, heartbeat.Options{
		Version: Version,
		Metrics: a.metrics,
		Status:  a.tracker,
		Logger:  a.logger,
	})

	a.tracker.MarkStarted(time.Now())
	defer func() { a.tracker.MarkStopped(time.Now()) }()

	a.logger.Info("agent running",
		"agent_id", cfg.AgentID,
		"endpoints", len(cfg.EnabledEndpoints()),
		"interval", cfg.Monitoring.Interval(),
		"cache_backend", cfg.Storage.Backend)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Results still in flight are in the queue once Run returns;
		// closing it lets the reporter drain and stop.
		defer queue.Close()
		return coord.Run(gctx)
	})
	g.Go(func() error {
		return rep.Run(gctx)
	})
	g.Go(func() error {
		return beat.Run(gctx)
	})
	g.Go(func() error {
		return a.reload.Run(gctx)
	})

	err = g.Wait()

	st := a.tracker.Snapshot()
	a.logger.Info("agent stopped",
		"checks_performed", st.ChecksPerformed,
		"checks_failed", st.ChecksFailed,
		"cached_results", st.CachedResults,
		"dropped_results", st.DroppedResults)

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// ensureClaimed runs the claim workflow when the config holds no
// credential. An expired claim is retried with a fresh token under the
// same identity until it succeeds or ctx is cancelled.
func (a *Agent) ensureClaimed(ctx context.Context) error {
	cfg := a.holder.Current()
	if cfg.HasCredential() {
		return nil
	}

	a.logger.Info("no server credential, starting claim workflow")
	agentID := cfg.AgentID
	for {
		wcfg := claim.ConfigFrom(cfg, Version)
		wcfg.AgentID = agentID
		wcfg.Output = a.claimOutput
		wcfg.Logger = a.logger
		if a.claimPollInterval > 0 {
			wcfg.PollInterval = a.claimPollInterval
		}

		wf, err := claim.New(a.client, wcfg)
		if err != nil {
			return err
		}
		agentID = wf.AgentID()

		res, err := wf.Run(ctx)
		if errors.Is(err, claim.ErrClaimExpired) {
			a.logger.Warn("claim expired, registering again with a new token", "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("claiming agent: %w", err)
		}

		// The file is re-read so SMOTRA_* overrides stay out of it.
		onDisk, err := config.LoadFromFile(a.path)
		if err != nil {
			return fmt.Errorf("re-reading config before persisting credential: %w", err)
		}
		if err := claim.Persist(a.path, onDisk, res); err != nil {
			return err
		}

		next := cfg.Clone()
		next.ApplyClaim(res.AgentID, res.APIKey)
		a.holder.Swap(next)
		a.logger.Info("credential persisted", "agent_id", res.AgentID, "path", a.path)
		return nil
	}
}

// applyReload pushes reloaded settings into the parts that do not read
// the holder themselves.
func (a *Agent) applyReload(prev, next *config.Config) {
	a.tracker.SetDisconnectThreshold(int(next.Server.RetryAttempts))
	a.client.SetConfigVersion(next.Version)
	if prev.APIKeyValue() != next.APIKeyValue() {
		a.client.SetCredentials(next.AgentID, next.APIKeyValue())
	}

	if prev.Server.URL != next.Server.URL || prev.Server.VerifyTLS != next.Server.VerifyTLS {
		a.logger.Warn("server connection settings change on restart", "url", next.Server.URL)
	}
	if prev.Storage.Backend != next.Storage.Backend || prev.Storage.CacheDir != next.Storage.CacheDir || prev.Storage.RedisURL != next.Storage.RedisURL {
		a.logger.Warn("cache backend settings change on restart", "backend", next.Storage.Backend)
	}
}

// loadConfig is the reload loader: the file, then SMOTRA_* overrides,
// then validation.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// =============================================================================
// CONTROL
// =============================================================================

// Start runs the agent in the background.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.cancel = cancel
	a.done = done
	a.runErr = nil

	go func() {
		defer close(done)
		err := a.Run(runCtx)
		if err != nil {
			a.logger.Error("agent failed", "error", err)
		}
		a.mu.Lock()
		a.runErr = err
		a.mu.Unlock()
	}()
	return nil
}

// Stop cancels a Start and waits for shutdown to complete. It returns the
// error Run ended with.
func (a *Agent) Stop() error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	<-done

	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancel = nil
	a.done = nil
	return a.runErr
}

// Done is closed when a Start finishes. It is nil when not started.
func (a *Agent) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// Reload re-reads the config file now. The previous config stays live
// when the file is invalid.
func (a *Agent) Reload(ctx context.Context) error {
	if !a.holder.Current().HasCredential() {
		return ErrNotRunning
	}
	return a.reload.Reload(ctx, reload.Trigger{Kind: reload.TriggerManual})
}

// NotifyServerVersion asks for a reload when the server announces a
// config version newer than the live one.
func (a *Agent) NotifyServerVersion(v uint32) {
	a.reload.Notify(reload.Trigger{Kind: reload.TriggerServerVersion, Version: v})
}

// Status returns a snapshot of the agent status.
func (a *Agent) Status() types.AgentStatus {
	return a.tracker.Snapshot()
}

// Config returns a copy of the live configuration.
func (a *Agent) Config() *config.Config {
	return a.holder.Current()
}

// Checkers lists the registered check kinds.
func (a *Agent) Checkers() []types.CheckKind {
	return a.registry.List()
}
