// Package ratelimit decides whether a completion request fits inside the
// caller's share of a model's global rate caps.
//
// There are no static per-user quotas. Each model carries three global caps
// (requests/minute, tokens/minute, tokens/day) and every user's share is the
// cap divided by the count of recently-active users, so shares tighten under
// load and relax when traffic drains. The divisor comes from a snapshot
// cached for 30 s (see internal/activity), which bounds how abruptly shares
// move.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	gateway "github.com/eugener/palantir/internal"
)

// Resource names the exhausted cap in 429 responses. The strings are part of
// the client-visible error contract.
const (
	ResourceRequestsPerMinute = "requests per minute"
	ResourceTokensPerMinute   = "tokens per minute"
	ResourceTokensPerDay      = "tokens per day"
)

// QuotaError reports which resource a request ran out of.
type QuotaError struct {
	Resource string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("rate limit exceeded: maximum %s reached", e.Resource)
}

// ModelResolver resolves model descriptors.
type ModelResolver interface {
	Model(provider gateway.Provider, name string) (gateway.ModelDescriptor, error)
}

// UsageReader reads the caller's current windowed usage.
type UsageReader interface {
	GetUsage(ctx context.Context, userID uint64, provider gateway.Provider, model string, now time.Time) (gateway.UsageRecord, error)
}

// ActiveUsers supplies the population snapshot that divides the caps.
type ActiveUsers interface {
	Get(ctx context.Context, now time.Time) (gateway.ActiveUserCount, error)
}

// Engine checks requests against dynamic per-user shares.
type Engine struct {
	models ModelResolver
	usage  UsageReader
	active ActiveUsers
}

// NewEngine creates an Engine over the given sources.
func NewEngine(models ModelResolver, usage UsageReader, active ActiveUsers) *Engine {
	return &Engine{models: models, usage: usage, active: active}
}

// Check admits or rejects one request for (claims, provider, model) at now.
// It returns nil to admit, gateway.ErrModelNotFound for an unknown model, a
// *QuotaError naming the exhausted resource, or a wrapped source error.
//
// The comparison is strictly usage > share: a user exactly at their share is
// still admitted, so the first rejection is the request after the one that
// crossed the line. Staff claims skip every comparison; their usage is still
// recorded downstream.
func (e *Engine) Check(ctx context.Context, claims *gateway.Claims, provider gateway.Provider, model string, now time.Time) error {
	descriptor, err := e.models.Model(provider, model)
	if err != nil {
		return err
	}

	usage, err := e.usage.GetUsage(ctx, claims.UserID, provider, model, now)
	if err != nil {
		return fmt.Errorf("quota: read usage: %w", err)
	}

	active, err := e.active.Get(ctx, now)
	if err != nil {
		return fmt.Errorf("quota: active users: %w", err)
	}

	// Clamp both divisors: an empty population must not zero out the share.
	usersInMinutes := int64(max(active.UsersInRecentMinutes, 1))
	usersInDays := int64(max(active.UsersInRecentDays, 1))

	checks := [...]struct {
		used     int64
		perUser  int64
		resource string
	}{
		{usage.RequestsThisMinute, descriptor.MaxRequestsPerMinute / usersInMinutes, ResourceRequestsPerMinute},
		{usage.TokensThisMinute, descriptor.MaxTokensPerMinute / usersInMinutes, ResourceTokensPerMinute},
		{usage.TokensThisDay, descriptor.MaxTokensPerDay / usersInDays, ResourceTokensPerDay},
	}

	for _, c := range checks {
		if claims.IsStaff {
			continue
		}
		if c.used > c.perUser {
			return &QuotaError{Resource: c.resource}
		}
	}
	return nil
}
