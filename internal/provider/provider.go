// Package provider contains shared utilities for LLM provider adapters.
//
// Adapters decode each upstream's native event framing into
// gateway.StreamFrames but never rewrite the event bytes themselves: the
// payload that arrives from the upstream is the payload the client gets.
package provider

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/eugener/palantir/internal"
)

// APIError represents an error response from an upstream LLM provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

// Error returns a formatted error string including provider, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the upstream HTTP status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// IsRateLimited reports whether the upstream rejected the request with 429.
// The pipeline maps this case to a 429 toward the client instead of a 5xx.
func (e *APIError) IsRateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

// ParseAPIError reads up to 4KB from the response body and returns an APIError.
func ParseAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
}

// NewTransport builds the shared upstream HTTP transport with DNS caching.
// No client-level timeout is set: completions stream for minutes, and
// cancellation rides the request context instead.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// Registry maps providers to their streaming adapters.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	streams map[gateway.Provider]gateway.Streamer
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{streams: make(map[gateway.Provider]gateway.Streamer)}
}

// Register adds a streamer, overwriting any previous one for the same provider.
func (r *Registry) Register(s gateway.Streamer) {
	r.mu.Lock()
	r.streams[s.Provider()] = s
	r.mu.Unlock()
}

// Get returns the streamer for p, or gateway.ErrNoProviderKey when the
// provider was never configured.
func (r *Registry) Get(p gateway.Provider) (gateway.Streamer, error) {
	r.mu.RLock()
	s, ok := r.streams[p]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", gateway.ErrNoProviderKey, p)
	}
	return s, nil
}

// Len returns the number of registered streamers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}
