// Package ratelimit enforces per-minute, per-hour, and per-day quotas plus
// a concurrency cap per subject, over fixed window buckets in the shared
// store.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegisgate/aegisgate/internal/domain/autherr"
	"github.com/aegisgate/aegisgate/internal/kv"
)

// Window is a fixed quota window.
type Window string

const (
	WindowMinute     Window = "minute"
	WindowHour       Window = "hour"
	WindowDay        Window = "day"
	WindowConcurrent Window = "concurrent"
)

// Seconds returns the window length in seconds.
func (w Window) Seconds() int64 {
	switch w {
	case WindowMinute:
		return 60
	case WindowHour:
		return 3600
	case WindowDay:
		return 86400
	default:
		return 0
	}
}

// concurrentSafetyTTL is refreshed on every BeginConcurrent so an abandoned
// request's gauge slot self-heals without a matching EndConcurrent.
const concurrentSafetyTTL = 5 * time.Minute

// counterKey returns the store key for one (window, subject, bucket) counter.
func counterKey(w Window, subject string, bucket int64) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", w, subject, bucket)
}

// concurrentKey returns the store key for a subject's concurrency gauge.
func concurrentKey(subject string) string {
	return "ratelimit:concurrent:" + subject
}

// Limiter enforces quotas using atomic increment-then-compare against the
// shared store. Stateless in-process: concurrent callers on any instance
// contend only on the store counters.
type Limiter struct {
	store kv.Store
	// failClosed denies on store errors instead of the default allow.
	failClosed bool
	logger     *slog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// NewLimiter creates a Limiter. failClosed selects the store-error policy:
// false (the default posture) allows traffic when the store is down so an
// outage cannot become a denial of service.
func NewLimiter(store kv.Store, failClosed bool, logger *slog.Logger) *Limiter {
	return &Limiter{
		store:      store,
		failClosed: failClosed,
		logger:     logger,
		now:        time.Now,
	}
}

// Allow spends cost units against every window of the subject's limits.
// Each counter is incremented atomically and compared post-increment; if
// any window exceeds its limit, all increments made by this call are
// compensated and a RateLimitError names the exhausted window.
func (l *Limiter) Allow(ctx context.Context, subject string, limits Limits, cost int64) error {
	if cost <= 0 {
		cost = 1
	}
	now := l.now().Unix()

	checks := []struct {
		window Window
		limit  int64
	}{
		{WindowMinute, limits.PerMinute},
		{WindowHour, limits.PerHour},
		{WindowDay, limits.PerDay},
	}

	// Keys incremented so far, for compensation on rejection. Each entry
	// keeps its window TTL so a rollback that races the counter's expiry
	// recreates it with a bounded lifetime.
	spent := make([]spentCounter, 0, len(checks))

	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		secs := c.window.Seconds()
		bucket := now / secs
		key := counterKey(c.window, subject, bucket)
		ttl := time.Duration(2*secs) * time.Second

		count, err := l.store.Incr(ctx, key, cost, ttl)
		if err != nil {
			l.rollback(ctx, spent, cost)
			return l.storeFailure(c.window, err)
		}

		if count > c.limit {
			spent = append(spent, spentCounter{key: key, ttl: ttl})
			l.rollback(ctx, spent, cost)
			retry := time.Duration((bucket+1)*secs-now) * time.Second
			return &autherr.RateLimitError{Window: string(c.window), RetryAfter: retry}
		}
		spent = append(spent, spentCounter{key: key, ttl: ttl})
	}

	return nil
}

// spentCounter records one incremented window counter and its TTL.
type spentCounter struct {
	key string
	ttl time.Duration
}

// rollback compensates increments after a rejection so a denied call does
// not consume quota in the windows that had headroom.
func (l *Limiter) rollback(ctx context.Context, counters []spentCounter, cost int64) {
	for _, c := range counters {
		if _, err := l.store.Incr(ctx, c.key, -cost, c.ttl); err != nil {
			l.logger.Warn("failed to roll back rate counter", "key", c.key, "error", err)
		}
	}
}

// BeginConcurrent reserves a concurrency slot for the subject. The gauge
// carries a short safety TTL, refreshed here, so abandoned requests release
// capacity without EndConcurrent ever running.
func (l *Limiter) BeginConcurrent(ctx context.Context, subject string, limit int64) error {
	if limit <= 0 {
		return nil
	}
	key := concurrentKey(subject)

	count, err := l.store.Incr(ctx, key, 1, concurrentSafetyTTL)
	if err != nil {
		return l.storeFailure(WindowConcurrent, err)
	}
	if err := l.store.Expire(ctx, key, concurrentSafetyTTL); err != nil && err != kv.ErrNotFound {
		l.logger.Warn("failed to refresh concurrency gauge ttl", "subject", subject, "error", err)
	}

	if count > limit {
		if _, err := l.store.Incr(ctx, key, -1, concurrentSafetyTTL); err != nil {
			l.logger.Warn("failed to release concurrency slot", "subject", subject, "error", err)
		}
		return &autherr.RateLimitError{Window: string(WindowConcurrent), RetryAfter: time.Second}
	}
	return nil
}

// EndConcurrent releases a concurrency slot. Best-effort: if the gauge
// already expired the decrement is clamped at zero by deleting the key.
func (l *Limiter) EndConcurrent(ctx context.Context, subject string) {
	key := concurrentKey(subject)
	count, err := l.store.Incr(ctx, key, -1, concurrentSafetyTTL)
	if err != nil {
		l.logger.Warn("failed to release concurrency slot", "subject", subject, "error", err)
		return
	}
	if count < 0 {
		_ = l.store.Delete(ctx, key)
	}
}

// storeFailure applies the configured store-error policy: log and allow
// (fail open) or deny with ErrUnavailable (fail closed).
func (l *Limiter) storeFailure(w Window, err error) error {
	if l.failClosed {
		return fmt.Errorf("%w: rate limit %s window: %v", autherr.ErrUnavailable, w, err)
	}
	l.logger.Warn("rate limit store error, allowing request",
		"window", string(w), "error", err)
	return nil
}
