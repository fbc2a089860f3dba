package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func counterFetcher(n *atomic.Int64) TokenFetcher {
	return func(context.Context) (string, error) {
		return "tok-" + string(rune('a'+n.Add(1)-1)), nil
	}
}

func params() CompletionParams {
	return CompletionParams{
		Provider:        "anthropic",
		Model:           "claude-3-5-sonnet",
		ProviderRequest: json.RawMessage(`{"model":"claude-3-5-sonnet"}`),
	}
}

func TestCompleteHappyPath(t *testing.T) {
	t.Parallel()
	var fetches atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-a" {
			t.Errorf("authorization = %q", got)
		}
		w.Write([]byte("{\"e\":1}\n{\"e\":2}\n"))
	}))
	defer srv.Close()

	c := New(srv.URL, counterFetcher(&fetches))
	body, err := c.Complete(t.Context(), params())
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "{\"e\":1}\n{\"e\":2}\n" {
		t.Errorf("body = %q", data)
	}
	if fetches.Load() != 1 {
		t.Errorf("fetches = %d, want 1", fetches.Load())
	}
}

func TestCompleteRefreshesOnceOnExpiry(t *testing.T) {
	t.Parallel()
	var fetches atomic.Int64
	var requests atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.Header().Set(expiredTokenHeaderName, "true")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-b" {
			t.Errorf("retry authorization = %q", got)
		}
		w.Write([]byte("{}\n"))
	}))
	defer srv.Close()

	c := New(srv.URL, counterFetcher(&fetches))
	body, err := c.Complete(t.Context(), params())
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	body.Close()

	if requests.Load() != 2 {
		t.Errorf("requests = %d, want 2", requests.Load())
	}
	if fetches.Load() != 2 {
		t.Errorf("fetches = %d, want 2 (initial + refresh)", fetches.Load())
	}
}

func TestCompleteSecondExpirySurfaces(t *testing.T) {
	t.Parallel()
	var fetches atomic.Int64
	var requests atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.Header().Set(expiredTokenHeaderName, "true")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, counterFetcher(&fetches))
	_, err := c.Complete(t.Context(), params())

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if requests.Load() != 2 {
		t.Errorf("requests = %d, want exactly 2 (one retry)", requests.Load())
	}
}

func TestCompletePlain401DoesNotRefresh(t *testing.T) {
	t.Parallel()
	var fetches atomic.Int64
	var requests atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, counterFetcher(&fetches))
	_, err := c.Complete(t.Context(), params())

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if requests.Load() != 1 {
		t.Errorf("requests = %d, want 1 (no retry without expiry header)", requests.Load())
	}
	if fetches.Load() != 1 {
		t.Errorf("fetches = %d, want 1 (no refresh)", fetches.Load())
	}
}

func TestCompleteStatusError(t *testing.T) {
	t.Parallel()
	var fetches atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limit exceeded: maximum requests per minute reached"))
	}))
	defer srv.Close()

	c := New(srv.URL, counterFetcher(&fetches))
	_, err := c.Complete(t.Context(), params())

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if statusErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d", statusErr.StatusCode)
	}
}

func TestTokenCacheSingleFetchUnderBurst(t *testing.T) {
	t.Parallel()
	var fetches atomic.Int64
	gate := make(chan struct{})

	tc := newTokenCache(func(context.Context) (string, error) {
		fetches.Add(1)
		<-gate
		// Hold the flight open briefly so every caller joins it instead of
		// finding an empty cache after it lands.
		time.Sleep(20 * time.Millisecond)
		return "tok", nil
	})

	const callers = 16
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := tc.acquire(context.Background())
			if err != nil {
				t.Errorf("acquire: %v", err)
			}
			results[i] = tok
		}()
	}

	close(gate)
	wg.Wait()

	if fetches.Load() != 1 {
		t.Errorf("fetches = %d, want 1 for a concurrent burst", fetches.Load())
	}
	for i, tok := range results {
		if tok != "tok" {
			t.Errorf("caller %d got %q", i, tok)
		}
	}
}

func TestTokenCacheAcquireReturnsCached(t *testing.T) {
	t.Parallel()
	var fetches atomic.Int64
	tc := newTokenCache(counterFetcher(&fetches))

	first, _ := tc.acquire(context.Background())
	second, _ := tc.acquire(context.Background())
	if first != second {
		t.Errorf("acquire returned %q then %q", first, second)
	}
	if fetches.Load() != 1 {
		t.Errorf("fetches = %d, want 1", fetches.Load())
	}

	refreshed, _ := tc.refresh(context.Background())
	if refreshed == first {
		t.Error("refresh should replace the cached token")
	}
	if got, _ := tc.acquire(context.Background()); got != refreshed {
		t.Errorf("acquire after refresh = %q, want %q", got, refreshed)
	}
}
