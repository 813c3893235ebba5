// Package cache holds monitoring results the server has not accepted yet.
//
// # Ownership
//
// The cache is owned by the reporter. Nothing else writes to it.
//
// # Backends
//
//   - sqlite (default): a WAL-mode database file under storage.cache_dir
//   - redis: a sorted set plus hashes under smotra:cache:<agent_id>
//   - memory: process-local, lost on restart
//
// # Eviction
//
// Before every insert, entries older than max_cache_age_secs are removed,
// then the oldest entries are removed until the new batch fits under
// max_cached_results.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/smotra-agent/pkg/types"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("cache closed")

// Entry is a cached result with its bookkeeping.
type Entry struct {
	Result     *types.MonitoringResult `json:"result"`
	EnqueuedAt time.Time               `json:"enqueued_at"`
	Attempts   int                     `json:"attempts"`
}

// ID returns the id of the wrapped result.
func (e Entry) ID() uuid.UUID {
	return e.Result.ID
}

// Store is a persistence backend. Entries are kept in insertion order and
// every read returns oldest first.
type Store interface {
	// Append adds entries after all existing ones.
	Append(ctx context.Context, entries []Entry) error

	// Oldest returns up to n entries, oldest first.
	Oldest(ctx context.Context, n int) ([]Entry, error)

	// Delete removes entries by result id. Unknown ids are ignored.
	Delete(ctx context.Context, ids []uuid.UUID) error

	// Len returns the number of stored entries.
	Len(ctx context.Context) (int, error)

	// DeleteOlderThan removes entries enqueued before cutoff and returns how
	// many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// TrimToNewest removes the oldest entries until at most max remain and
	// returns how many were removed.
	TrimToNewest(ctx context.Context, max int) (int, error)

	// MarkAttempt increments the delivery attempt count of entries.
	MarkAttempt(ctx context.Context, ids []uuid.UUID) error

	Close() error
}
