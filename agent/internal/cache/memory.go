package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *MemoryStore) Oldest(_ context.Context, n int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]Entry, n)
	copy(out, s.entries[:n])
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	drop := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	s.filter(func(e Entry) bool {
		_, ok := drop[e.ID()]
		return !ok
	})
	return nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return len(s.entries), nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.filter(func(e Entry) bool { return !e.EnqueuedAt.Before(cutoff) }), nil
}

func (s *MemoryStore) TrimToNewest(_ context.Context, max int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if max < 0 {
		max = 0
	}
	excess := len(s.entries) - max
	if excess <= 0 {
		return 0, nil
	}
	s.entries = append([]Entry(nil), s.entries[excess:]...)
	return excess, nil
}

func (s *MemoryStore) MarkAttempt(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	mark := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		mark[id] = struct{}{}
	}
	for i := range s.entries {
		if _, ok := mark[s.entries[i].ID()]; ok {
			s.entries[i].Attempts++
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = nil
	return nil
}

// filter keeps entries for which keep returns true and reports how many
// were removed. Caller holds mu.
func (s *MemoryStore) filter(keep func(Entry) bool) int {
	kept := s.entries[:0]
	for _, e := range s.entries {
		if keep(e) {
			kept = append(kept, e)
		}
	}
	removed := len(s.entries) - len(kept)
	for i := len(kept); i < len(s.entries); i++ {
		s.entries[i] = Entry{}
	}
	s.entries = kept
	return removed
}
