package openai

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/provider"
)

func chunkServer(t *testing.T, check func(r *http.Request), chunks ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			io.WriteString(w, "data: "+c+"\n\n")
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
}

func TestStreamForwardsChunksAndFinalUsage(t *testing.T) {
	t.Parallel()
	chunks := []string{
		`{"id":"c1","choices":[{"delta":{"content":"hel"}}]}`,
		`{"id":"c1","choices":[{"delta":{"content":"lo"}}]}`,
		`{"id":"c1","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":34}}`,
	}
	srv := chunkServer(t, func(r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Errorf("authorization = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if !gjson.GetBytes(body, "stream").Bool() {
			t.Error("stream flag not forced on")
		}
	}, chunks...)
	defer srv.Close()

	a := New(gateway.ProviderOpenAI, srv.URL, "key", nil)
	ch, err := a.Stream(t.Context(), json.RawMessage(`{"model":"gpt-4o"}`))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var frames []gateway.StreamFrame
	for f := range ch {
		if f.Err != nil {
			t.Fatalf("stream error: %v", f.Err)
		}
		frames = append(frames, f)
	}

	// [DONE] is a transport sentinel, not an event -- it must not be forwarded.
	if len(frames) != len(chunks) {
		t.Fatalf("frames = %d, want %d", len(frames), len(chunks))
	}
	for i, f := range frames {
		if string(f.Data) != chunks[i] {
			t.Errorf("frame %d = %s", i, f.Data)
		}
	}

	// Only the final chunk carries usage.
	for i, f := range frames[:2] {
		if f.InputTokens != 0 || f.OutputTokens != 0 {
			t.Errorf("frame %d deltas = (%d, %d), want zeroes", i, f.InputTokens, f.OutputTokens)
		}
	}
	if last := frames[2]; last.InputTokens != 12 || last.OutputTokens != 34 {
		t.Errorf("final deltas = (%d, %d), want (12, 34)", last.InputTokens, last.OutputTokens)
	}
}

func TestStreamNullUsageIsZero(t *testing.T) {
	t.Parallel()
	srv := chunkServer(t, nil, `{"id":"c1","choices":[{"delta":{}}],"usage":null}`)
	defer srv.Close()

	a := New(gateway.ProviderZed, srv.URL, "key", nil)
	ch, err := a.Stream(t.Context(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	for f := range ch {
		if f.InputTokens != 0 || f.OutputTokens != 0 {
			t.Errorf("deltas = (%d, %d), want zeroes for null usage", f.InputTokens, f.OutputTokens)
		}
	}
}

func TestStreamSelfHostedIdentity(t *testing.T) {
	t.Parallel()
	a := New(gateway.ProviderZed, "http://localhost:11434/v1", "key", nil)
	if a.Provider() != gateway.ProviderZed {
		t.Errorf("provider = %s", a.Provider())
	}
}

func TestStreamUpstreamError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom"}}`))
	}))
	defer srv.Close()

	a := New(gateway.ProviderOpenAI, srv.URL, "key", nil)
	_, err := a.Stream(t.Context(), json.RawMessage(`{}`))

	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.IsRateLimited() {
		t.Error("500 must not classify as rate limited")
	}
}
