// Package coordinator runs the periodic monitoring cycle.
//
// # Design
//
// One loop ticks on the live monitoring interval. Every tick reads the
// current configuration, so endpoint and interval changes from a reload take
// effect on the next cycle without restarting anything.
//
// # Cycle
//
//  1. Read the live configuration and its enabled endpoints
//  2. Skip endpoints whose previous check is still running
//  3. Acquire an admission slot (at most max_concurrent checks agent-wide)
//  4. Dispatch the checker for the endpoint's kind in its own goroutine
//  5. Push the result onto the queue toward the reporter
//
// # Graceful Handling
//
// - A checker panic is recovered and becomes a failed result
// - A check that outlives the cycle keeps its slot; the endpoint is skipped until it finishes
// - On shutdown in-flight checks run to completion and their results are queued
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/pilot-net/smotra-agent/agent/internal/checker"
	"github.com/pilot-net/smotra-agent/agent/internal/config"
	"github.com/pilot-net/smotra-agent/pkg/types"
)

// ConfigSource provides the live configuration.
type ConfigSource interface {
	Current() *config.Config
}

// CheckRecorder receives the outcome of every check.
type CheckRecorder interface {
	RecordCheck(success bool)
}

// Options for the coordinator.
type Options struct {
	Status CheckRecorder
	Logger *slog.Logger
}

// Coordinator schedules checks for all enabled endpoints.
type Coordinator struct {
	source   ConfigSource
	registry *checker.Registry
	queue    *Queue
	status   CheckRecorder
	logger   *slog.Logger

	mu       sync.Mutex
	gate     *semaphore.Weighted
	gateSize int
	running  map[uuid.UUID]struct{}

	wg sync.WaitGroup

	inFlight   atomic.Int64
	peak       atomic.Int64
	cycles     atomic.Uint64
	dispatched atomic.Uint64
	skipped    atomic.Uint64
	panics     atomic.Uint64
}

// New creates a coordinator.
func New(source ConfigSource, registry *checker.Registry, queue *Queue, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		source:   source,
		registry: registry,
		queue:    queue,
		status:   opts.Status,
		logger:   logger.With("component", "coordinator"),
		running:  make(map[uuid.UUID]struct{}),
	}
}

// Run ticks until ctx is cancelled, then waits for in-flight checks.
func (c *Coordinator) Run(ctx context.Context) error {
	interval := c.source.Current().Monitoring.Interval()
	c.logger.Info("starting monitoring loop", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on start
	c.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("stopping monitoring loop, waiting for in-flight checks",
				"in_flight", c.inFlight.Load())
			c.wg.Wait()
			return nil
		case <-ticker.C:
			if next := c.source.Current().Monitoring.Interval(); next != interval {
				c.logger.Info("monitoring interval changed", "old", interval, "new", next)
				interval = next
				ticker.Reset(interval)
			}
			c.RunCycle(ctx)
		}
	}
}

// RunCycle dispatches one check per enabled endpoint. It returns once every
// check has been admitted, not when they finish.
func (c *Coordinator) RunCycle(ctx context.Context) {
	cfg := c.source.Current()
	endpoints := cfg.EnabledEndpoints()
	gate := c.gateFor(cfg.Monitoring.MaxConcurrent)

	c.cycles.Add(1)
	start := time.Now()
	dispatched := 0

	for _, ep := range endpoints {
		if !c.markRunning(ep.ID) {
			c.skipped.Add(1)
			c.logger.Debug("previous check still running, skipping",
				"endpoint_id", ep.ID,
				"address", ep.Address)
			continue
		}

		if err := gate.Acquire(ctx, 1); err != nil {
			c.clearRunning(ep.ID)
			return
		}

		dispatched++
		c.dispatched.Add(1)
		c.wg.Add(1)
		go func(ep config.Endpoint) {
			defer c.wg.Done()
			defer gate.Release(1)
			defer c.clearRunning(ep.ID)
			c.runCheck(ctx, cfg, ep)
		}(ep)
	}

	c.logger.Debug("monitoring cycle dispatched",
		"endpoints", len(endpoints),
		"dispatched", dispatched,
		"elapsed", time.Since(start))
}

// gateFor returns the admission gate for size. A new size drains the old
// gate first so the bound holds across the swap.
func (c *Coordinator) gateFor(size int) *semaphore.Weighted {
	if size <= 0 {
		size = 1
	}
	c.mu.Lock()
	if c.gate != nil && c.gateSize == size {
		g := c.gate
		c.mu.Unlock()
		return g
	}
	old := c.gateSize
	c.mu.Unlock()

	if old != 0 {
		c.logger.Info("resizing admission gate, draining in-flight checks",
			"old", old, "new", size)
		c.wg.Wait()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = semaphore.NewWeighted(int64(size))
	c.gateSize = size
	return c.gate
}

func (c *Coordinator) markRunning(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.running[id]; busy {
		return false
	}
	c.running[id] = struct{}{}
	return true
}

func (c *Coordinator) clearRunning(id uuid.UUID) {
	c.mu.Lock()
	delete(c.running, id)
	c.mu.Unlock()
}

// runCheck performs the check for ep and, for a failed ping with
// traceroute_on_failure set, a follow-up traceroute in the same slot.
func (c *Coordinator) runCheck(ctx context.Context, cfg *config.Config, ep config.Endpoint) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}

	// Checks finish even when shutdown starts mid-flight; the interval
	// bounds how long one may take.
	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Monitoring.Interval())
	defer cancel()

	target := checker.NewTarget(cfg.AgentID, ep, cfg.Monitoring)
	res := c.execute(checkCtx, ep.Check, target)
	c.deliver(res)

	if ep.Check == types.CheckPing && cfg.Monitoring.TracerouteOnFailure && !res.IsSuccessful() {
		if _, ok := c.registry.Get(types.CheckTraceroute); ok {
			c.logger.Debug("ping failed, tracing path", "endpoint_id", ep.ID, "address", ep.Address)
			c.deliver(c.execute(checkCtx, types.CheckTraceroute, target))
		}
	}
}

// execute runs one checker, turning errors and panics into failed results.
func (c *Coordinator) execute(ctx context.Context, kind types.CheckKind, target checker.Target) (res *types.MonitoringResult) {
	chk, ok := c.registry.Get(kind)
	if !ok {
		return checker.FailedResult(target, kind, fmt.Sprintf("no checker available for %s", kind))
	}

	defer func() {
		if r := recover(); r != nil {
			c.panics.Add(1)
			c.logger.Error("checker panicked",
				"kind", kind,
				"endpoint_id", target.EndpointID,
				"panic", r,
				"stack", string(debug.Stack()))
			res = checker.FailedResult(target, kind, fmt.Sprintf("checker panicked: %v", r))
		}
	}()

	res, err := chk.Check(ctx, target)
	if err != nil {
		c.logger.Warn("check failed",
			"kind", kind,
			"endpoint_id", target.EndpointID,
			"error", err)
		return checker.FailedResult(target, kind, err.Error())
	}
	if res == nil {
		return checker.FailedResult(target, kind, "checker returned no result")
	}
	return res
}

func (c *Coordinator) deliver(res *types.MonitoringResult) {
	if c.status != nil {
		c.status.RecordCheck(res.IsSuccessful())
	}
	c.logger.Debug("check complete",
		"kind", res.Kind,
		"endpoint_id", res.EndpointID,
		"success", res.IsSuccessful())
	if !c.queue.Push(res) {
		c.logger.Warn("result queue closed, dropping result", "endpoint_id", res.EndpointID)
	}
}

// Stats are coordinator counters.
type Stats struct {
	InFlight        int64  `json:"in_flight"`
	PeakInFlight    int64  `json:"peak_in_flight"`
	Cycles          uint64 `json:"cycles"`
	Dispatched      uint64 `json:"dispatched"`
	Skipped         uint64 `json:"skipped"`
	PanicsRecovered uint64 `json:"panics_recovered"`
	Queued          int    `json:"queued"`
}

// Stats returns current coordinator statistics.
func (c *Coordinator) Stats() Stats {
	return Stats{
		InFlight:        c.inFlight.Load(),
		PeakInFlight:    c.peak.Load(),
		Cycles:          c.cycles.Load(),
		Dispatched:      c.dispatched.Load(),
		Skipped:         c.skipped.Load(),
		PanicsRecovered: c.panics.Load(),
		Queued:          c.queue.Len(),
	}
}

// Wait blocks until every dispatched check has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}
