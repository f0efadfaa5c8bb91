// Package kv defines the outbound port for the shared session/counter store.
//
// All authoritative state (sessions, token metadata, blacklist entries,
// API key records, rate limit counters, threat signals) lives in a single
// TTL-capable key-value store accessed concurrently by every service
// instance. In-process memory holds only invalidation-tolerant caches.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("key not found")

// NoExpiry is passed as ttl for entries that should not expire.
const NoExpiry time.Duration = 0

// Store is the interface to the shared TTL key-value store.
//
// Every mutating operation that participates in a race-sensitive check
// (Incr, SetNX) must be atomic in the implementation: a single store
// transaction, never a read followed by a separate write.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value at key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes value only if key is absent. Returns true if the write
	// happened. Used for check-then-insert patterns (blacklist entries).
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Incr atomically adds delta to the integer counter at key and returns
	// the post-increment value. The ttl applies only when the counter is
	// created by this call; later increments never extend it.
	Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Expire resets the TTL of an existing key. ErrNotFound if absent.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining lifetime of key. Zero means no expiry set.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// SAdd adds members to the set at key. The ttl applies when the set is
	// created; SAdd on an existing set refreshes its TTL.
	SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error

	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error

	// SIsMember reports whether member is in the set at key.
	// A missing set is an empty set, not an error.
	SIsMember(ctx context.Context, key string, member string) (bool, error)

	// SMembers returns all members of the set at key (empty if absent).
	SMembers(ctx context.Context, key string) ([]string, error)

	// Close releases resources held by the store.
	Close() error
}
