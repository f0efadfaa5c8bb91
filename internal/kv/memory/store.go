// Package memory provides an in-memory implementation of the kv.Store port.
// Thread-safe for concurrent access. For single-process deployments and
// testing; multi-instance deployments should use the sqlite adapter.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aegisgate/aegisgate/internal/kv"
)

// entry holds either a scalar value, a counter, or a set, plus its expiry.
type entry struct {
	value     []byte
	counter   int64
	isCounter bool
	members   map[string]struct{}
	expiresAt time.Time // zero = no expiry
}

// expired reports whether the entry is past its expiry at now.
func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore implements kv.Store with a mutex-protected map.
// Expired entries are dropped lazily on access and by a background sweep
// goroutine to prevent unbounded growth.
type MemoryStore struct {
	entries map[string]*entry
	mu      sync.Mutex

	stopChan      chan struct{}
	wg            sync.WaitGroup
	once          sync.Once
	sweepInterval time.Duration

	// now is swappable in tests to simulate window boundaries.
	now func() time.Time
}

// NewStore creates a new in-memory store with the default sweep interval
// of 1 minute.
func NewStore() *MemoryStore {
	return NewStoreWithSweep(time.Minute)
}

// NewStoreWithSweep creates a new in-memory store with a custom sweep interval.
func NewStoreWithSweep(sweepInterval time.Duration) *MemoryStore {
	return &MemoryStore{
		entries:       make(map[string]*entry),
		stopChan:      make(chan struct{}),
		sweepInterval: sweepInterval,
		now:           time.Now,
	}
}

// get returns the live entry at key, dropping it if expired.
// Caller must hold s.mu.
func (s *MemoryStore) get(key string) (*entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		return nil, false
	}
	return e, true
}

// expiry converts a ttl into an absolute expiry time.
func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// Get returns the value at key, or kv.ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.get(key)
	if !ok || e.value == nil {
		return nil, kv.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set writes value at key.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	s.entries[key] = &entry{value: v, expiresAt: s.expiry(ttl)}
	return nil
}

// SetNX writes value only if key is absent (or expired).
func (s *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.get(key); ok {
		return false, nil
	}
	v := make([]byte, len(value))
	copy(v, value)
	s.entries[key] = &entry{value: v, expiresAt: s.expiry(ttl)}
	return true, nil
}

// Delete removes key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Incr atomically adds delta to the counter at key.
// The increment and the returned value happen under a single lock hold,
// so concurrent callers never observe lost updates.
func (s *MemoryStore) Incr(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.get(key)
	if !ok {
		e = &entry{isCounter: true, expiresAt: s.expiry(ttl)}
		s.entries[key] = e
	}
	e.isCounter = true
	e.counter += delta
	return e.counter, nil
}

// Expire resets the TTL of an existing key.
func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.get(key)
	if !ok {
		return kv.ErrNotFound
	}
	e.expiresAt = s.expiry(ttl)
	return nil
}

// TTL returns the remaining lifetime of key.
func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.get(key)
	if !ok {
		return 0, kv.ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(s.now()), nil
}

// SAdd adds members to the set at key, refreshing the set TTL.
func (s *MemoryStore) SAdd(_ context.Context, key string, ttl time.Duration, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.get(key)
	if !ok {
		e = &entry{members: make(map[string]struct{})}
		s.entries[key] = e
	}
	if e.members == nil {
		e.members = make(map[string]struct{})
	}
	for _, m := range members {
		e.members[m] = struct{}{}
	}
	e.expiresAt = s.expiry(ttl)
	return nil
}

// SRem removes members from the set at key.
func (s *MemoryStore) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.get(key)
	if !ok || e.members == nil {
		return nil
	}
	for _, m := range members {
		delete(e.members, m)
	}
	return nil
}

// SIsMember reports whether member is in the set at key.
func (s *MemoryStore) SIsMember(_ context.Context, key string, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.get(key)
	if !ok || e.members == nil {
		return false, nil
	}
	_, found := e.members[member]
	return found, nil
}

// SMembers returns all members of the set at key.
func (s *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.get(key)
	if !ok || e.members == nil {
		return nil, nil
	}
	out := make([]string, 0, len(e.members))
	for m := range e.members {
		out = append(out, m)
	}
	return out, nil
}

// StartSweep starts the background goroutine that removes expired entries.
// It stops when ctx is cancelled or Close() is called.
func (s *MemoryStore) StartSweep(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// sweep removes all expired entries.
func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	swept := 0
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			swept++
		}
	}
	if swept > 0 {
		slog.Debug("kv store sweep completed",
			"swept_keys", swept,
			"remaining_keys", len(s.entries))
	}
}

// Close stops the sweep goroutine and waits for it to exit.
// Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	return nil
}

// Len returns the current number of live keys.
// Useful for testing and monitoring memory usage.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// SetNow replaces the clock. Intended for tests that need to cross
// expiry or window boundaries without sleeping.
func (s *MemoryStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Compile-time interface verification.
var _ kv.Store = (*MemoryStore)(nil)
