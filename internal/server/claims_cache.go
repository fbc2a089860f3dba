package server

import (
	"crypto/sha256"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/eugener/palantir/internal"
)

const (
	// claimsCacheTTL keeps verification amortized while staying well inside
	// the token lifetime; cached entries are expiry-checked on every hit
	// anyway.
	claimsCacheTTL    = 30 * time.Second
	claimsCacheMaxLen = 100_000
)

// claimsCache memoizes validated token claims in a W-TinyLFU cache so the
// hot path does not re-verify the HMAC of the same token on every request.
// Keys are token digests, never the tokens themselves.
type claimsCache struct {
	cache *otter.Cache[[32]byte, *gateway.Claims]
}

func newClaimsCache() *claimsCache {
	c, err := otter.New(&otter.Options[[32]byte, *gateway.Claims]{
		MaximumSize:      claimsCacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[[32]byte, *gateway.Claims](claimsCacheTTL),
	})
	if err != nil {
		// Options are compile-time constants; this cannot fail at runtime.
		panic(err)
	}
	return &claimsCache{cache: c}
}

func (c *claimsCache) get(raw string) (*gateway.Claims, bool) {
	return c.cache.GetIfPresent(sha256.Sum256([]byte(raw)))
}

func (c *claimsCache) set(raw string, claims *gateway.Claims) {
	c.cache.Set(sha256.Sum256([]byte(raw)), claims)
}

func (c *claimsCache) invalidate(raw string) {
	c.cache.Invalidate(sha256.Sum256([]byte(raw)))
}
