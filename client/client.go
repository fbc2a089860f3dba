// Package client is the Go SDK for the Palantir completion gateway. It owns
// the short-lived gateway token: the token is fetched lazily from the control
// plane, cached, and refreshed exactly once when the gateway signals expiry.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// completionPath is the gateway endpoint this client drives.
const completionPath = "/completion"

// expiredTokenHeaderName mirrors the gateway's fixed header: its presence on
// a 401 is the sole signal that the token expired and a refresh will help.
const expiredTokenHeaderName = "x-zed-llm-token-expired"

// CompletionParams is the body of the gateway's POST /completion.
// ProviderRequest is the provider-native payload, forwarded opaquely.
type CompletionParams struct {
	Provider        string          `json:"provider"`
	Model           string          `json:"model"`
	ProviderRequest json.RawMessage `json:"provider_request"`
}

// AuthError is returned when the gateway rejects the request's credentials
// and no (further) refresh is permitted.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("client: authentication failed with status %d", e.StatusCode)
}

// StatusError is returned for non-auth failure statuses from the gateway.
// The body is the gateway's error message, capped at 4KB.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("client: completion failed with status %d: %s", e.StatusCode, e.Body)
}

// Client calls the gateway on behalf of one authenticated user.
type Client struct {
	http    *http.Client
	baseURL string
	tokens  *tokenCache
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a Client for the gateway at baseURL. fetch obtains a fresh
// gateway token from the control plane; it is called lazily and on refresh.
func New(baseURL string, fetch TokenFetcher, opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{},
		baseURL: baseURL,
		tokens:  newTokenCache(fetch),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Complete posts a streaming completion and returns the response body: one
// provider-native JSON object per line. The caller must close it.
//
// If the gateway answers 401 with the token-expired header, the cached token
// is refreshed and the request retried exactly once; a second 401, or any 401
// without the header, is surfaced as an AuthError. The bounded retry keeps a
// misbehaving gateway from turning into a refresh storm.
func (c *Client) Complete(ctx context.Context, params CompletionParams) (io.ReadCloser, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("client: encode request: %w", err)
	}

	token, err := c.tokens.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: acquire token: %w", err)
	}

	didRetry := false
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionPath, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("client: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("client: do request: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			return resp.Body, nil
		}

		if resp.StatusCode == http.StatusUnauthorized &&
			resp.Header.Get(expiredTokenHeaderName) != "" && !didRetry {
			io.Copy(io.Discard, resp.Body) //nolint:errcheck
			resp.Body.Close()
			didRetry = true
			token, err = c.tokens.refresh(ctx)
			if err != nil {
				return nil, fmt.Errorf("client: refresh token: %w", err)
			}
			continue
		}

		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, &AuthError{StatusCode: resp.StatusCode}
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(msg)}
	}
}
