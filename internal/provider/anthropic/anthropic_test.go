package anthropic

import (
	"context"
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

const messageStart = `{"type":"message_start","message":{"id":"msg_1","model":"claude-3-5-sonnet-20240620","usage":{"input_tokens":10,"output_tokens":5}}}`

func sseServer(t *testing.T, check func(r *http.Request), events ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			name := gjson.Get(ev, "type").String()
			io.WriteString(w, "event: "+name+"\n")
			io.WriteString(w, "data: "+ev+"\n\n")
		}
	}))
}

func drain(t *testing.T, ch <-chan gateway.StreamFrame) []gateway.StreamFrame {
	t.Helper()
	var frames []gateway.StreamFrame
	for f := range ch {
		if f.Err != nil {
			t.Fatalf("stream error: %v", f.Err)
		}
		frames = append(frames, f)
	}
	return frames
}

func TestStreamExtractsUsage(t *testing.T) {
	t.Parallel()
	events := []string{
		messageStart,
		`{"type":"content_block_start","index":0}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`,
		`{"type":"message_stop"}`,
	}
	srv := sseServer(t, func(r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "key" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Error("anthropic-version header missing")
		}
		body, _ := io.ReadAll(r.Body)
		if !gjson.GetBytes(body, "stream").Bool() {
			t.Error("stream flag not forced on")
		}
	}, events...)
	defer srv.Close()

	a := New(srv.URL, "key", nil)
	ch, err := a.Stream(t.Context(), json.RawMessage(`{"model":"claude-3-5-sonnet-20240620"}`))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	frames := drain(t, ch)
	if len(frames) != len(events) {
		t.Fatalf("frames = %d, want %d", len(frames), len(events))
	}
	// Raw bytes pass through untouched, in order.
	for i, f := range frames {
		if string(f.Data) != events[i] {
			t.Errorf("frame %d = %s, want %s", i, f.Data, events[i])
		}
	}

	// message_start carries (10, 5); message_delta carries (0, 7); the rest zero.
	wantIn := []int{10, 0, 0, 0, 0}
	wantOut := []int{5, 0, 0, 7, 0}
	for i, f := range frames {
		if f.InputTokens != wantIn[i] || f.OutputTokens != wantOut[i] {
			t.Errorf("frame %d deltas = (%d, %d), want (%d, %d)",
				i, f.InputTokens, f.OutputTokens, wantIn[i], wantOut[i])
		}
	}
}

func TestStreamUsageAbsentDefaultsToZero(t *testing.T) {
	t.Parallel()
	srv := sseServer(t, nil,
		`{"type":"message_start","message":{"id":"msg_1"}}`,
		`{"type":"message_delta","delta":{}}`,
	)
	defer srv.Close()

	a := New(srv.URL, "key", nil)
	ch, err := a.Stream(t.Context(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	for _, f := range drain(t, ch) {
		if f.InputTokens != 0 || f.OutputTokens != 0 {
			t.Errorf("deltas = (%d, %d), want zeroes", f.InputTokens, f.OutputTokens)
		}
	}
}

func TestStreamUpstreamRateLimit(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	a := New(srv.URL, "key", nil)
	_, err := a.Stream(t.Context(), json.RawMessage(`{}`))

	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if !apiErr.IsRateLimited() {
		t.Errorf("IsRateLimited() = false for status %d", apiErr.StatusCode)
	}
}

func TestStreamCancellationStopsForwarding(t *testing.T) {
	t.Parallel()
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: message_start\ndata: "+messageStart+"\n\n")
		w.(http.Flusher).Flush()
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	ctx, cancel := context.WithCancel(t.Context())
	a := New(srv.URL, "key", nil)
	ch, err := a.Stream(ctx, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	if f := <-ch; f.Err != nil || len(f.Data) == 0 {
		t.Fatalf("first frame = %+v", f)
	}
	cancel()

	// The reader unblocks via the cancelled request body; the channel must
	// close (possibly after an error frame reporting the abort).
	for f := range ch {
		_ = f
	}
}
