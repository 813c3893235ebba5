// Package reload swaps the live configuration when the config file changes.
//
// # Triggers
//
//   - file_change: the config file was written (debounced)
//   - signal: the process received SIGHUP
//   - server_version: the server announced a newer config version
//   - manual: an operator asked for a reload
//
// Every trigger re-reads and re-validates the file. A valid file replaces
// the live configuration in one swap; an invalid one is reported and the
// previous configuration stays in effect.
package reload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/pilot-net/smotra-agent/agent/internal/config"
)

// DefaultDebounce is the quiet window that collapses bursts of file events.
const DefaultDebounce = 500 * time.Millisecond

// ErrAgentIDChanged rejects a reload that would change the agent identity.
var ErrAgentIDChanged = errors.New("agent_id cannot change on reload")

// TriggerKind is the cause of a reload.
type TriggerKind string

const (
	TriggerFileChange    TriggerKind = "file_change"
	TriggerSignal        TriggerKind = "signal"
	TriggerServerVersion TriggerKind = "server_version"
	TriggerManual        TriggerKind = "manual"
)

// Trigger carries the cause of a reload, never config data.
type Trigger struct {
	Kind    TriggerKind
	Path    string // file_change
	Version uint32 // server_version
}

func (t Trigger) String() string {
	switch t.Kind {
	case TriggerFileChange:
		return fmt.Sprintf("%s(%s)", t.Kind, t.Path)
	case TriggerServerVersion:
		return fmt.Sprintf("%s(%d)", t.Kind, t.Version)
	}
	return string(t.Kind)
}

// Holder is the live configuration container. *state.Holder satisfies it.
type Holder interface {
	Current() *config.Config
	Swap(next *config.Config) *config.Config
}

// Options for the manager.
type Options struct {
	Logger   *slog.Logger
	Debounce time.Duration
	// Loader reads and validates the file; config.Load by default
	Loader func(path string) (*config.Config, error)
	// OnReload runs after every successful swap
	OnReload func(prev, next *config.Config)
}

// Manager serializes reloads from every trigger source.
type Manager struct {
	path     string
	holder   Holder
	logger   *slog.Logger
	debounce time.Duration
	loader   func(string) (*config.Config, error)
	onReload func(prev, next *config.Config)

	triggers chan Trigger

	// Serializes Reload between Run and direct callers
	mu       sync.Mutex
	reloads  uint64
	failures uint64
	lastErr  error
}

// NewManager creates a manager for the config file at path.
func NewManager(path string, holder Holder, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Loader == nil {
		opts.Loader = config.Load
	}
	return &Manager{
		path:     path,
		holder:   holder,
		logger:   opts.Logger.With("component", "reload"),
		debounce: opts.Debounce,
		loader:   opts.Loader,
		onReload: opts.OnReload,
		triggers: make(chan Trigger, 16),
	}
}

// Notify queues a trigger without blocking. It returns false when the queue
// is full; the queued reloads will read the file anyway.
func (m *Manager) Notify(t Trigger) bool {
	select {
	case m.triggers <- t:
		return true
	default:
		m.logger.Debug("reload already pending, dropping trigger", "trigger", t)
		return false
	}
}

// Run watches the file and SIGHUP and processes triggers one at a time
// until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer func() {
		stopWatch()
		wg.Wait()
	}()

	watcher, err := m.startWatcher()
	if err != nil {
		m.logger.Warn("config file watching unavailable, reload on SIGHUP only", "error", err)
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.watch(watchCtx, watcher)
		}()
		m.logger.Info("watching config file", "path", m.path, "debounce", m.debounce)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("config reload manager stopped")
			return nil
		case <-hup:
			m.logger.Info("SIGHUP received, reloading config")
			m.Reload(ctx, Trigger{Kind: TriggerSignal})
		case t := <-m.triggers:
			m.Reload(ctx, t)
		}
	}
}

// Reload loads and validates the file and swaps it in. On any error the
// live configuration is left untouched and the error is returned.
func (m *Manager) Reload(_ context.Context, t Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.holder.Current()

	if t.Kind == TriggerServerVersion && t.Version <= prev.Version {
		m.logger.Debug("ignoring server version trigger, not newer",
			"announced", t.Version,
			"active", prev.Version)
		return nil
	}

	next, err := m.loader(m.path)
	if err == nil && prev.AgentID != uuid.Nil && next.AgentID != prev.AgentID {
		err = fmt.Errorf("%w: %s -> %s", ErrAgentIDChanged, prev.AgentID, next.AgentID)
	}
	if err != nil {
		m.failures++
		m.lastErr = err
		m.logger.Error("config reload failed, keeping previous config",
			"trigger", t,
			"error", err)
		return fmt.Errorf("reloading config: %w", err)
	}

	changes := Diff(prev, next)
	m.holder.Swap(next)
	m.reloads++
	m.lastErr = nil

	if changes.Empty() {
		m.logger.Info("config reloaded, no changes", "trigger", t)
	} else {
		m.logger.Info("config reloaded",
			"trigger", t,
			"changes", changes.String())
	}

	if m.onReload != nil {
		m.onReload(prev, next)
	}
	return nil
}

// Stats are reload counters.
type Stats struct {
	Reloads   uint64 `json:"reloads"`
	Failures  uint64 `json:"failures"`
	LastError string `json:"last_error,omitempty"`
}

// Stats returns reload counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Reloads: m.reloads, Failures: m.failures}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// =============================================================================
// FILE WATCHER
// =============================================================================

// startWatcher watches the parent directory: editors and atomic saves
// replace the file, which drops a watch on the file itself.
func (m *Manager) startWatcher() (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(m.path), err)
	}
	return w, nil
}

func (m *Manager) watch(ctx context.Context, w *fsnotify.Watcher) {
	defer w.Close()

	target := filepath.Clean(m.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	fire := func() {
		m.Notify(Trigger{Kind: TriggerFileChange, Path: m.path})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			m.logger.Debug("config file event", "op", ev.Op.String())
			if timer == nil {
				timer = time.AfterFunc(m.debounce, fire)
			} else {
				timer.Reset(m.debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watcher error", "error", err)
		}
	}
}
