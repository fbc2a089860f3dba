// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/eugener/palantir/internal"
)

// ModelStore resolves model descriptors and their rate caps.
type ModelStore interface {
	// Model returns the descriptor for (provider, name), or
	// gateway.ErrModelNotFound. Lookups are served from memory.
	Model(provider gateway.Provider, name string) (gateway.ModelDescriptor, error)
	// SeedModels upserts the given descriptors and reloads the lookup set.
	SeedModels(ctx context.Context, models []gateway.ModelDescriptor) error
}

// UsageStore manages per-user windowed usage state.
type UsageStore interface {
	// GetUsage returns the usage row for the key as seen at now: counters
	// whose bucket has rolled over read as zero. A missing row reads as all
	// zeroes.
	GetUsage(ctx context.Context, userID uint64, provider gateway.Provider, model string, now time.Time) (gateway.UsageRecord, error)

	// RecordUsage atomically increments the request counter by one and the
	// token counters by the given amounts, rolling stale buckets first, and
	// returns the post-update record. Calls for the same key serialize;
	// either every window advances or none does.
	RecordUsage(ctx context.Context, userID uint64, provider gateway.Provider, model string, inputTokens, outputTokens int, now time.Time) (gateway.UsageRecord, error)

	// ActiveUserCount returns the number of distinct users with any usage
	// in the recent-minutes and recent-days horizons.
	ActiveUserCount(ctx context.Context, now time.Time) (gateway.ActiveUserCount, error)
}

// Store combines all storage interfaces.
type Store interface {
	ModelStore
	UsageStore
	Ping(ctx context.Context) error
	Close() error
}
