// Package activity maintains the cached count of recently-active users that
// the quota engine divides model caps by.
package activity

import (
	"context"
	"sync"
	"time"

	gateway "github.com/eugener/palantir/internal"
)

// SnapshotTTL bounds how stale the cached count may get. Per-user quota
// shares therefore shift on at most this cadence.
const SnapshotTTL = 30 * time.Second

// Source recomputes the population counts, typically from the usage store.
type Source interface {
	ActiveUserCount(ctx context.Context, now time.Time) (gateway.ActiveUserCount, error)
}

// Counter caches an active-user snapshot behind a read/write lock. Readers
// are the request hot path; at most one recomputation runs per TTL window no
// matter how many requests observe the expiry at once.
type Counter struct {
	source Source
	ttl    time.Duration

	mu         sync.RWMutex
	snapshot   gateway.ActiveUserCount
	capturedAt time.Time
}

// NewCounter creates a Counter over source. A zero ttl uses SnapshotTTL.
func NewCounter(source Source, ttl time.Duration) *Counter {
	if ttl <= 0 {
		ttl = SnapshotTTL
	}
	return &Counter{source: source, ttl: ttl}
}

// Get returns the cached snapshot, recomputing it when older than the TTL.
// Concurrent callers that all see a stale snapshot serialize on the write
// lock; only the first recomputes, the rest reuse its result.
func (c *Counter) Get(ctx context.Context, now time.Time) (gateway.ActiveUserCount, error) {
	c.mu.RLock()
	snapshot, capturedAt := c.snapshot, c.capturedAt
	c.mu.RUnlock()
	if !capturedAt.IsZero() && now.Sub(capturedAt) < c.ttl {
		return snapshot, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if !c.capturedAt.IsZero() && now.Sub(c.capturedAt) < c.ttl {
		return c.snapshot, nil
	}

	fresh, err := c.source.ActiveUserCount(ctx, now)
	if err != nil {
		return gateway.ActiveUserCount{}, err
	}
	c.snapshot = fresh
	c.capturedAt = now
	return fresh, nil
}
