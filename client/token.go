package client

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// TokenFetcher obtains a fresh gateway token from the control plane.
type TokenFetcher func(ctx context.Context) (string, error)

// tokenCache holds the current gateway token. Reads take the shared lock;
// fetches go through a singleflight group so a burst of concurrent callers
// performs one control-plane round trip, not one each.
type tokenCache struct {
	fetch TokenFetcher

	mu    sync.RWMutex
	token string

	group singleflight.Group
}

func newTokenCache(fetch TokenFetcher) *tokenCache {
	return &tokenCache{fetch: fetch}
}

// acquire returns the cached token, fetching one if the cache is empty.
func (tc *tokenCache) acquire(ctx context.Context) (string, error) {
	tc.mu.RLock()
	token := tc.token
	tc.mu.RUnlock()
	if token != "" {
		return token, nil
	}
	return tc.refresh(ctx)
}

// refresh fetches a new token and overwrites the cache. Concurrent refreshes
// coalesce into a single fetch; every waiter gets the same fresh token.
func (tc *tokenCache) refresh(ctx context.Context) (string, error) {
	v, err, _ := tc.group.Do("token", func() (any, error) {
		token, err := tc.fetch(ctx)
		if err != nil {
			return nil, err
		}
		tc.mu.Lock()
		tc.token = token
		tc.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
