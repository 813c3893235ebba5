// Package state holds the agent's shared mutable state: the live
// configuration and the runtime status.
//
// Both containers are read far more often than written and use a
// sync.RWMutex. Readers always receive copies, so a reload can never change
// a value out from under a task that is in the middle of using it; tasks
// pick up changes by reading again on their next tick.
package state

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/smotra-agent/agent/internal/config"
	"github.com/pilot-net/smotra-agent/pkg/types"
)

// =============================================================================
// LIVE CONFIGURATION
// =============================================================================

// Holder guards the live configuration.
type Holder struct {
	mu  sync.RWMutex
	cfg *config.Config
	gen uint64
}

// NewHolder creates a holder for cfg. The holder keeps its own copy.
func NewHolder(cfg *config.Config) *Holder {
	return &Holder{cfg: cfg.Clone()}
}

// Current returns a copy of the live configuration.
func (h *Holder) Current() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg.Clone()
}

// Generation increments on every swap, letting loops detect changes cheaply.
func (h *Holder) Generation() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.gen
}

// Swap replaces the live configuration and returns the previous one.
func (h *Holder) Swap(next *config.Config) *config.Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.cfg
	h.cfg = next.Clone()
	h.gen++
	return prev
}

// =============================================================================
// STATUS
// =============================================================================

// DefaultDisconnectThreshold is used when the tracker is built without one.
const DefaultDisconnectThreshold = 3

// Tracker guards the agent status.
type Tracker struct {
	mu        sync.RWMutex
	status    types.AgentStatus
	threshold int
}

// NewTracker creates a tracker. The agent starts Connected: nothing has
// failed yet.
func NewTracker(agentID uuid.UUID, disconnectThreshold int) *Tracker {
	if disconnectThreshold <= 0 {
		disconnectThreshold = DefaultDisconnectThreshold
	}
	return &Tracker{
		threshold: disconnectThreshold,
		status: types.AgentStatus{
			AgentID:      agentID,
			Connectivity: types.ConnectivityConnected,
		},
	}
}

// Snapshot returns a copy of the current status.
func (t *Tracker) Snapshot() types.AgentStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// SetAgentID updates the identity after claiming.
func (t *Tracker) SetAgentID(id uuid.UUID) {
	t.mu.Lock()
	t.status.AgentID = id
	t.mu.Unlock()
}

// SetDisconnectThreshold changes the consecutive-failure count that marks
// the agent Disconnected. Takes effect on the next recorded failure.
func (t *Tracker) SetDisconnectThreshold(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.threshold = n
	t.mu.Unlock()
}

// MarkStarted records the start of the agent lifecycle.
func (t *Tracker) MarkStarted(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.IsRunning = true
	t.status.StartedAt = &at
	t.status.StoppedAt = nil
}

// MarkStopped records the end of the agent lifecycle.
func (t *Tracker) MarkStopped(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.IsRunning = false
	t.status.StoppedAt = &at
}

// RecordCheck counts one completed check.
func (t *Tracker) RecordCheck(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.ChecksPerformed++
	if success {
		t.status.ChecksSuccessful++
	} else {
		t.status.ChecksFailed++
	}
}

// RecordSendSuccess marks a delivered batch. Any state returns to Connected.
func (t *Tracker) RecordSendSuccess(at time.Time) types.Connectivity {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.LastReportAt = &at
	t.status.ConsecutiveFailures = 0
	t.status.LastReportError = ""
	t.status.Connectivity = types.ConnectivityConnected
	return t.status.Connectivity
}

// RecordSendFailure marks a retryable delivery failure and returns the
// resulting connectivity: Degraded after the first failure, Disconnected
// once the threshold is reached.
func (t *Tracker) RecordSendFailure(reason string) types.Connectivity {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.ConsecutiveFailures++
	t.status.FailedReportCount++
	t.status.LastReportError = reason
	if t.status.ConsecutiveFailures >= t.threshold {
		t.status.Connectivity = types.ConnectivityDisconnected
	} else {
		t.status.Connectivity = types.ConnectivityDegraded
	}
	return t.status.Connectivity
}

// RecordDropped counts results discarded after a fatal delivery error.
// Connectivity is left alone: the server answered.
func (t *Tracker) RecordDropped(n int, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.DroppedResults += uint64(n)
	t.status.LastReportError = reason
}

// SetCached records the number of results waiting in the cache.
func (t *Tracker) SetCached(n int) {
	t.mu.Lock()
	t.status.CachedResults = n
	t.mu.Unlock()
}
