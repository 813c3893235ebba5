// Package checker defines the probe interface and the built-in probe kinds.
//
// # Design Principles
//
// 1. Interface Segregation: one small interface, one implementation per check kind
// 2. Errors are data: a failed probe is a result, not a Go error
// 3. Capability Declaration: checkers declare the binaries they need
// 4. Graceful Degradation: missing dependencies are detected at registration, not runtime
//
// # Adding New Checkers
//
//  1. Create a new file implementing the Checker interface
//  2. Add a payload type to pkg/types and a case to the MonitoringResult views
//  3. Register the checker in the registry
//
// The coordinator dispatches by CheckKind and never needs to change.
package checker

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/smotra-agent/agent/internal/config"
	"github.com/pilot-net/smotra-agent/pkg/types"
)

// Checker is the interface all probe kinds implement.
//
// Check returns an error only when no result could be produced at all.
// Timeouts, refused connections and unresolvable names are recorded in the
// result payload.
type Checker interface {
	// Kind returns the check kind this checker handles.
	Kind() types.CheckKind

	// Capabilities returns what this checker needs.
	Capabilities() Capabilities

	// Check runs one probe cycle against target.
	Check(ctx context.Context, target Target) (*types.MonitoringResult, error)
}

// Capabilities describes a checker's requirements.
type Capabilities struct {
	// RequiresRoot indicates the checker needs elevated privileges
	RequiresRoot bool

	// Dependencies lists external binaries required (e.g., ["mtr"])
	Dependencies []string
}

// Target contains everything needed to probe one endpoint.
type Target struct {
	AgentID    uuid.UUID
	EndpointID uuid.UUID
	Address    string
	Port       *uint16
	Tags       []string

	Timeout time.Duration
	Count   int
	MaxHops int

	Plugin string
	Params map[string]string
}

// NewTarget builds a target for ep using the monitoring settings in effect.
func NewTarget(agentID uuid.UUID, ep config.Endpoint, mon config.MonitoringConfig) Target {
	return Target{
		AgentID:    agentID,
		EndpointID: ep.ID,
		Address:    ep.Address,
		Port:       ep.Port,
		Tags:       ep.Tags,
		Timeout:    mon.Timeout(),
		Count:      int(mon.PingCount),
		MaxHops:    mon.TracerouteMaxHops,
		Plugin:     ep.Plugin,
		Params:     ep.Params,
	}
}

// HostPort returns address:port, or the bare address when no port is set.
func (t Target) HostPort() string {
	if t.Port == nil {
		return t.Address
	}
	return net.JoinHostPort(t.Address, fmt.Sprint(*t.Port))
}

// newResult returns a result skeleton for target.
func newResult(target Target, kind types.CheckKind, at time.Time) *types.MonitoringResult {
	return &types.MonitoringResult{
		ID:         newResultID(),
		AgentID:    target.AgentID,
		EndpointID: target.EndpointID,
		Address:    target.Address,
		Port:       target.Port,
		Tags:       target.Tags,
		Kind:       kind,
		Timestamp:  at.UTC(),
	}
}

// newResultID returns a time-ordered id so cached results sort by creation.
func newResultID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// resolve returns an IP for address, resolving names through DNS.
func resolve(ctx context.Context, address string) (net.IP, error) {
	if ip := net.ParseIP(address); ip != nil {
		return ip, nil
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", address)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %s", address)
	}
	// Prefer IPv4; more hosts answer ICMP on it.
	for _, ip := range ips {
		if ip.To4() != nil {
			return ip, nil
		}
	}
	return ips[0], nil
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry manages available checkers.
type Registry struct {
	checkers map[types.CheckKind]Checker
	mu       sync.RWMutex
}

// NewRegistry creates a new checker registry.
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[types.CheckKind]Checker),
	}
}

// Register adds a checker to the registry.
// Returns an error if dependencies are missing or the kind is already registered.
func (r *Registry) Register(c Checker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := c.Kind()
	if _, exists := r.checkers[kind]; exists {
		return fmt.Errorf("checker already registered: %s", kind)
	}

	for _, dep := range c.Capabilities().Dependencies {
		if _, err := exec.LookPath(dep); err != nil {
			return fmt.Errorf("checker %s missing dependency: %s", kind, dep)
		}
	}

	r.checkers[kind] = c
	return nil
}

// Get returns the checker for kind.
func (r *Registry) Get(kind types.CheckKind) (Checker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.checkers[kind]
	return c, ok
}

// List returns all registered kinds, sorted.
func (r *Registry) List() []types.CheckKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]types.CheckKind, 0, len(r.checkers))
	for k := range r.checkers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// ListCapabilities returns capabilities for all registered checkers.
func (r *Registry) ListCapabilities() map[types.CheckKind]Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := make(map[types.CheckKind]Capabilities, len(r.checkers))
	for k, c := range r.checkers {
		caps[k] = c.Capabilities()
	}
	return caps
}

// FailedResult builds a failed result of kind for target when no checker
// could produce one (missing checker, checker error or panic).
func FailedResult(target Target, kind types.CheckKind, reason string) *types.MonitoringResult {
	r := newResult(target, kind, time.Now())
	switch kind {
	case types.CheckPing:
		r.Ping = &types.PingResult{Failures: 1, SuccessLatencies: []float64{}, Errors: []string{reason}}
	case types.CheckTraceroute:
		r.Traceroute = &types.TracerouteResult{Hops: []types.TracerouteHop{}, Errors: []string{reason}}
	case types.CheckTCPConnect:
		r.TCP = &types.TCPResult{Error: reason}
	case types.CheckUDPConnect:
		r.UDP = &types.UDPResult{Error: reason}
	case types.CheckHTTPGet:
		r.HTTP = &types.HTTPResult{Error: reason}
	default:
		r.Kind = types.CheckPlugin
		r.Plugin = &types.PluginResult{PluginName: target.Plugin, Error: reason}
	}
	return r
}
