package checker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pilot-net/smotra-agent/pkg/types"
)

// Plugin is a compiled-in check implementation selected by name from an
// endpoint's plugin field.
type Plugin interface {
	Name() string
	Version() string

	// Initialize runs once before the first check.
	Initialize(ctx context.Context) error

	// Check probes target. A returned error is recorded in the result as a
	// failed check.
	Check(ctx context.Context, target Target) (*types.PluginResult, error)

	// Shutdown releases resources at agent stop.
	Shutdown(ctx context.Context) error
}

// PluginRegistry holds the available plugins by name.
type PluginRegistry struct {
	mu          sync.RWMutex
	plugins     map[string]Plugin
	initialized map[string]bool
}

// NewPluginRegistry creates an empty plugin registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{
		plugins:     make(map[string]Plugin),
		initialized: make(map[string]bool),
	}
}

// Register adds a plugin. Names must be unique.
func (r *PluginRegistry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if name == "" {
		return errors.New("plugin name cannot be empty")
	}
	if _, exists := r.plugins[name]; exists {
		return fmt.Errorf("plugin already registered: %s", name)
	}
	r.plugins[name] = p
	return nil
}

// Get returns the plugin called name.
func (r *PluginRegistry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// List returns the registered plugin names, sorted.
func (r *PluginRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for n := range r.plugins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// InitializeAll initializes every plugin not yet initialized. A plugin that
// fails stays registered but uninitialized; its checks report the failure.
func (r *PluginRegistry) InitializeAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, p := range r.plugins {
		if r.initialized[name] {
			continue
		}
		if err := p.Initialize(ctx); err != nil {
			errs = append(errs, fmt.Errorf("initializing plugin %s: %w", name, err))
			continue
		}
		r.initialized[name] = true
	}
	return errors.Join(errs...)
}

// ShutdownAll shuts down every initialized plugin.
func (r *PluginRegistry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, p := range r.plugins {
		if !r.initialized[name] {
			continue
		}
		if err := p.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down plugin %s: %w", name, err))
		}
		delete(r.initialized, name)
	}
	return errors.Join(errs...)
}

func (r *PluginRegistry) ready(name string) (Plugin, bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok, r.initialized[name]
}

// =============================================================================
// PLUGIN CHECKER
// =============================================================================

// PluginChecker dispatches plugin endpoints to their plugin.
type PluginChecker struct {
	plugins *PluginRegistry
}

// NewPluginChecker creates a checker backed by plugins.
func NewPluginChecker(plugins *PluginRegistry) *PluginChecker {
	return &PluginChecker{plugins: plugins}
}

// Kind returns the check kind.
func (c *PluginChecker) Kind() types.CheckKind {
	return types.CheckPlugin
}

// Capabilities returns what this checker needs.
func (c *PluginChecker) Capabilities() Capabilities {
	return Capabilities{}
}

// Check runs the plugin named by the target.
func (c *PluginChecker) Check(ctx context.Context, target Target) (*types.MonitoringResult, error) {
	start := time.Now()
	result := newResult(target, types.CheckPlugin, start)

	p, ok, ready := c.plugins.ready(target.Plugin)
	if !ok {
		result.Plugin = &types.PluginResult{
			PluginName: target.Plugin,
			Error:      fmt.Sprintf("plugin %q not registered", target.Plugin),
		}
		return result, nil
	}
	if !ready {
		result.Plugin = &types.PluginResult{
			PluginName:    p.Name(),
			PluginVersion: p.Version(),
			Error:         fmt.Sprintf("plugin %q not initialized", target.Plugin),
		}
		return result, nil
	}

	pr, err := p.Check(ctx, target)
	if err != nil {
		pr = &types.PluginResult{Error: err.Error()}
	}
	if pr == nil {
		pr = &types.PluginResult{Error: "plugin returned no result"}
	}
	pr.PluginName = p.Name()
	pr.PluginVersion = p.Version()
	if pr.ResponseTimeMs == nil && pr.Success {
		pr.ResponseTimeMs = types.Float64(types.Millis(time.Since(start)))
	}
	result.Plugin = pr
	return result, nil
}
