package audit

import (
	"context"

	"github.com/aegisgate/aegisgate/internal/domain/event"
)

// MemoryStore is a ring-buffer event sink for tests and development.
type MemoryStore struct {
	cache *ring
}

// NewMemoryStore creates a MemoryStore keeping the last size events.
func NewMemoryStore(size int) *MemoryStore {
	if size <= 0 {
		size = 1000
	}
	return &MemoryStore{cache: newRing(size)}
}

// Append records events in the ring buffer.
func (s *MemoryStore) Append(_ context.Context, events ...event.SecurityEvent) error {
	for _, ev := range events {
		s.cache.add(ev)
	}
	return nil
}

// Recent returns the last n events, newest first.
func (s *MemoryStore) Recent(n int) []event.SecurityEvent {
	return s.cache.recent(n)
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Compile-time interface verification.
var _ event.Store = (*MemoryStore)(nil)
