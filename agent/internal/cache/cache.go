package cache

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/smotra-agent/agent/internal/config"
	"github.com/pilot-net/smotra-agent/pkg/types"
)

// Limits bound the cache. Zero disables a limit.
type Limits struct {
	MaxEntries int
	MaxAge     time.Duration
}

// LimitsFrom reads the limits from the storage section.
func LimitsFrom(cfg config.StorageConfig) Limits {
	return Limits{MaxEntries: cfg.MaxCachedResults, MaxAge: cfg.MaxCacheAge()}
}

// Cache applies eviction on top of a Store.
type Cache struct {
	store  Store
	limits func() Limits
	now    func() time.Time
	logger *slog.Logger
}

// Options for a Cache.
type Options struct {
	// Limits is read before each eviction pass so reloads apply.
	Limits func() Limits
	Now    func() time.Time
	Logger *slog.Logger
}

// New wraps store.
func New(store Store, opts Options) *Cache {
	if opts.Limits == nil {
		opts.Limits = func() Limits { return Limits{} }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		store:  store,
		limits: opts.Limits,
		now:    opts.Now,
		logger: opts.Logger.With("component", "cache"),
	}
}

// Open creates the store selected by cfg.Backend and wraps it. limits may be
// nil, in which case cfg's limits are fixed for the cache's lifetime.
func Open(cfg config.StorageConfig, agentID uuid.UUID, limits func() Limits, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if limits == nil {
		fixed := LimitsFrom(cfg)
		limits = func() Limits { return fixed }
	}

	var (
		store Store
		err   error
	)
	switch cfg.Backend {
	case "", config.BackendSQLite:
		store, err = NewSQLiteStore(filepath.Join(cfg.CacheDir, SQLiteFile), logger)
	case config.BackendRedis:
		store, err = NewRedisStore(cfg.RedisURL, agentID, logger)
	case config.BackendMemory:
		store = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	return New(store, Options{Limits: limits, Logger: logger}), nil
}

// Add evicts by age and count, then stores results as new entries.
func (c *Cache) Add(ctx context.Context, results []*types.MonitoringResult) error {
	if len(results) == 0 {
		return nil
	}

	limits := c.limits()
	if _, err := c.evict(ctx, limits, len(results)); err != nil {
		return err
	}

	// A batch bigger than the cap keeps only its newest results.
	if limits.MaxEntries > 0 && len(results) > limits.MaxEntries {
		dropped := len(results) - limits.MaxEntries
		c.logger.Warn("batch exceeds cache capacity, dropping oldest results",
			"dropped", dropped,
			"max_cached_results", limits.MaxEntries)
		results = results[dropped:]
	}

	now := c.now()
	entries := make([]Entry, len(results))
	for i, r := range results {
		entries[i] = Entry{Result: r, EnqueuedAt: now}
	}
	if err := c.store.Append(ctx, entries); err != nil {
		return fmt.Errorf("caching results: %w", err)
	}
	return nil
}

// Prune applies both eviction policies without inserting.
func (c *Cache) Prune(ctx context.Context) (int, error) {
	return c.evict(ctx, c.limits(), 0)
}

// evict removes expired entries, then the oldest entries until incoming
// more fit under the cap.
func (c *Cache) evict(ctx context.Context, limits Limits, incoming int) (int, error) {
	removed := 0

	if limits.MaxAge > 0 {
		n, err := c.store.DeleteOlderThan(ctx, c.now().Add(-limits.MaxAge))
		if err != nil {
			return removed, err
		}
		if n > 0 {
			c.logger.Info("evicted expired cached results", "count", n, "max_age", limits.MaxAge)
		}
		removed += n
	}

	if limits.MaxEntries > 0 {
		keep := limits.MaxEntries - incoming
		if keep < 0 {
			keep = 0
		}
		n, err := c.store.TrimToNewest(ctx, keep)
		if err != nil {
			return removed, err
		}
		if n > 0 {
			c.logger.Warn("cache full, evicted oldest results",
				"count", n,
				"max_cached_results", limits.MaxEntries)
		}
		removed += n
	}

	return removed, nil
}

// Oldest returns up to n entries, oldest first.
func (c *Cache) Oldest(ctx context.Context, n int) ([]Entry, error) {
	return c.store.Oldest(ctx, n)
}

// Remove deletes delivered entries.
func (c *Cache) Remove(ctx context.Context, ids []uuid.UUID) error {
	return c.store.Delete(ctx, ids)
}

// MarkAttempt records a failed delivery attempt for entries.
func (c *Cache) MarkAttempt(ctx context.Context, ids []uuid.UUID) error {
	return c.store.MarkAttempt(ctx, ids)
}

// Len returns the number of cached entries.
func (c *Cache) Len(ctx context.Context) (int, error) {
	return c.store.Len(ctx)
}

// Close closes the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}
