// Package reporter delivers monitoring results to the server.
//
// # Design
//
// Results arrive from the coordinator queue and are buffered in memory. On
// every report interval the reporter sends:
//  1. Cached results, oldest first, in batches of up to 500
//  2. The in-memory buffer, in batches of the same size
//
// # Resilience
//
// - Retryable failures (transport errors, timeouts, 5xx) move results into the cache
// - Fatal failures (rejected credential, malformed payload) drop the batch and flag the status
// - On shutdown the queue is drained and one final flush is attempted; what fails is cached
//
// The reporter is the only writer of the cache and of connectivity status.
package reporter

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/smotra-agent/agent/internal/cache"
	"github.com/pilot-net/smotra-agent/agent/internal/client"
	"github.com/pilot-net/smotra-agent/agent/internal/config"
	"github.com/pilot-net/smotra-agent/pkg/types"
)

// DefaultBatchSize caps results per request.
const DefaultBatchSize = 500

// DefaultShutdownTimeout bounds the queue drain and the final flush.
const DefaultShutdownTimeout = 10 * time.Second

// Outcome of one batch delivery.
type Outcome int

const (
	Delivered Outcome = iota
	Retryable
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Sender posts one batch to the server. *client.Client satisfies it.
type Sender interface {
	Report(ctx context.Context, batch types.ResultBatch) error
}

// ConfigSource provides the live configuration.
type ConfigSource interface {
	Current() *config.Config
}

// StatusRecorder receives delivery outcomes. *state.Tracker satisfies it.
type StatusRecorder interface {
	RecordSendSuccess(at time.Time) types.Connectivity
	RecordSendFailure(reason string) types.Connectivity
	RecordDropped(n int, reason string)
	SetCached(n int)
}

// Options for the reporter.
type Options struct {
	Status          StatusRecorder
	Logger          *slog.Logger
	BatchSize       int
	ShutdownTimeout time.Duration
	Now             func() time.Time
}

// Reporter batches results and ships them, falling back to the cache.
type Reporter struct {
	sender Sender
	source ConfigSource
	cache  *cache.Cache
	in     <-chan *types.MonitoringResult
	status StatusRecorder
	logger *slog.Logger

	batchSize       int
	shutdownTimeout time.Duration
	now             func() time.Time

	buffer   []*types.MonitoringResult
	bufferMu sync.Mutex

	// Serializes flushes so cache reads and deletes don't interleave
	flushMu sync.Mutex

	delivered atomic.Uint64
	cached    atomic.Uint64
	dropped   atomic.Uint64
	batches   atomic.Uint64
}

// New creates a reporter reading results from in.
func New(sender Sender, source ConfigSource, c *cache.Cache, in <-chan *types.MonitoringResult, opts Options) *Reporter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reporter{
		sender:          sender,
		source:          source,
		cache:           c,
		in:              in,
		status:          opts.Status,
		logger:          opts.Logger.With("component", "reporter"),
		batchSize:       opts.BatchSize,
		shutdownTimeout: opts.ShutdownTimeout,
		now:             opts.Now,
	}
}

// Run consumes results and flushes on the live report interval until ctx is
// cancelled, then drains the queue and flushes one last time.
func (r *Reporter) Run(ctx context.Context) error {
	interval := r.reportInterval()
	r.logger.Info("starting reporter", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	in := r.in
	for {
		select {
		case <-ctx.Done():
			r.shutdown(context.WithoutCancel(ctx))
			return nil
		case res, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			r.enqueue(res)
		case <-ticker.C:
			if next := r.reportInterval(); next != interval {
				r.logger.Info("report interval changed", "old", interval, "new", next)
				interval = next
				ticker.Reset(interval)
			}
			r.Flush(ctx)
		}
	}
}

func (r *Reporter) reportInterval() time.Duration {
	if d := r.source.Current().Server.ReportInterval(); d > 0 {
		return d
	}
	return 5 * time.Minute
}

// shutdown takes every result still coming until the queue closes, then
// flushes. The producer bounds how long the queue stays open; the timeout
// only bounds the final flush.
func (r *Reporter) shutdown(ctx context.Context) {
	if r.in != nil {
		for res := range r.in {
			r.enqueue(res)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.shutdownTimeout)
	defer cancel()

	r.logger.Info("final flush", "pending", r.Pending())
	r.Flush(ctx)
}

func (r *Reporter) enqueue(res *types.MonitoringResult) {
	r.bufferMu.Lock()
	r.buffer = append(r.buffer, res)
	r.bufferMu.Unlock()
}

// Flush sends cached results, then buffered ones. It stops sending at the
// first retryable failure and caches whatever was not delivered.
func (r *Reporter) Flush(ctx context.Context) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.bufferMu.Lock()
	pending := r.buffer
	r.buffer = nil
	r.bufferMu.Unlock()

	if _, err := r.cache.Prune(ctx); err != nil {
		r.logger.Warn("cache eviction failed", "error", err)
	}

	reachable := r.drainCache(ctx)
	if reachable {
		pending = r.sendPending(ctx, pending)
	}
	if len(pending) > 0 {
		r.store(ctx, pending)
	}

	r.updateCached(ctx)
}

// drainCache sends cached results oldest first. It returns false when the
// server could not be reached.
func (r *Reporter) drainCache(ctx context.Context) bool {
	for {
		entries, err := r.cache.Oldest(ctx, r.batchSize)
		if err != nil {
			r.logger.Error("failed to read cache", "error", err)
			return true
		}
		if len(entries) == 0 {
			return true
		}

		results := make([]*types.MonitoringResult, len(entries))
		ids := make([]uuid.UUID, len(entries))
		for i, e := range entries {
			results[i] = e.Result
			ids[i] = e.ID()
		}

		switch r.ReportBatch(ctx, results) {
		case Retryable:
			if err := r.cache.MarkAttempt(ctx, ids); err != nil {
				r.logger.Warn("failed to record delivery attempt", "error", err)
			}
			return false
		default:
			// Delivered or rejected for good; either way it leaves the cache.
			if err := r.cache.Remove(ctx, ids); err != nil {
				r.logger.Error("failed to remove cached results", "error", err)
				return true
			}
			r.logger.Debug("drained cached results", "count", len(ids))
		}
	}
}

// sendPending ships results in batches and returns the ones not sent.
func (r *Reporter) sendPending(ctx context.Context, results []*types.MonitoringResult) []*types.MonitoringResult {
	for len(results) > 0 {
		n := min(len(results), r.batchSize)
		if r.ReportBatch(ctx, results[:n]) == Retryable {
			return results
		}
		results = results[n:]
	}
	return nil
}

func (r *Reporter) store(ctx context.Context, results []*types.MonitoringResult) {
	if err := r.cache.Add(ctx, results); err != nil {
		r.dropped.Add(uint64(len(results)))
		if r.status != nil {
			r.status.RecordDropped(len(results), "cache write failed: "+err.Error())
		}
		r.logger.Error("failed to cache undelivered results, dropping",
			"count", len(results),
			"error", err)
		return
	}
	r.cached.Add(uint64(len(results)))
	r.logger.Info("cached undelivered results", "count", len(results))
}

func (r *Reporter) updateCached(ctx context.Context) {
	n, err := r.cache.Len(ctx)
	if err != nil {
		r.logger.Warn("failed to count cached results", "error", err)
		return
	}
	if r.status != nil {
		r.status.SetCached(n)
	}
}

// ReportBatch sends results as one batch and classifies the outcome.
func (r *Reporter) ReportBatch(ctx context.Context, results []*types.MonitoringResult) Outcome {
	if len(results) == 0 {
		return Delivered
	}

	batchID, err := uuid.NewV7()
	if err != nil {
		batchID = uuid.New()
	}
	batch := types.ResultBatch{
		AgentID:   r.source.Current().AgentID,
		BatchID:   batchID,
		Results:   make([]types.MonitoringResult, len(results)),
		CreatedAt: r.now().UTC(),
	}
	for i, res := range results {
		batch.Results[i] = *res
	}

	r.batches.Add(1)
	err = r.sender.Report(ctx, batch)
	if err == nil {
		r.delivered.Add(uint64(len(results)))
		if r.status != nil {
			r.status.RecordSendSuccess(r.now())
		}
		r.logger.Debug("delivered results", "count", len(results), "batch_id", batchID)
		return Delivered
	}

	if client.Classify(err) == client.Fatal {
		r.dropped.Add(uint64(len(results)))
		if r.status != nil {
			r.status.RecordDropped(len(results), err.Error())
		}
		r.logger.Error("server rejected batch, dropping",
			"count", len(results),
			"batch_id", batchID,
			"error", err)
		return Fatal
	}

	var connectivity types.Connectivity
	if r.status != nil {
		connectivity = r.status.RecordSendFailure(err.Error())
	}
	r.logger.Warn("failed to deliver results",
		"count", len(results),
		"connectivity", connectivity,
		"error", err)
	return Retryable
}

// Pending returns the number of buffered results not yet flushed.
func (r *Reporter) Pending() int {
	r.bufferMu.Lock()
	defer r.bufferMu.Unlock()
	return len(r.buffer)
}

// Stats are reporter counters.
type Stats struct {
	Pending   int    `json:"pending"`
	Delivered uint64 `json:"delivered"`
	Cached    uint64 `json:"cached"`
	Dropped   uint64 `json:"dropped"`
	Batches   uint64 `json:"batches"`
}

// Stats returns reporter statistics.
func (r *Reporter) Stats() Stats {
	return Stats{
		Pending:   r.Pending(),
		Delivered: r.delivered.Load(),
		Cached:    r.cached.Load(),
		Dropped:   r.dropped.Load(),
		Batches:   r.batches.Load(),
	}
}
