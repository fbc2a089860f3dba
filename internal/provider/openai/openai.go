// Package openai streams completions from the OpenAI chat completions API
// and from any OpenAI-compatible endpoint, including the self-hosted one the
// gateway fronts for the "zed" provider.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/provider"
	"github.com/eugener/palantir/internal/provider/sseutil"
)

// DefaultBaseURL is the hosted OpenAI endpoint; the self-hosted provider
// always supplies its own URL.
const DefaultBaseURL = "https://api.openai.com/v1"

var _ gateway.Streamer = (*Adapter)(nil)

// Adapter streams raw OpenAI-format chunks. It serves two providers: hosted
// OpenAI and the self-hosted OpenAI-compatible deployment.
type Adapter struct {
	provider gateway.Provider
	apiURL   string
	apiKey   string
	http     *http.Client
}

// New creates an Adapter for the given provider identity. An empty apiURL
// uses DefaultBaseURL.
func New(p gateway.Provider, apiURL, apiKey string, client *http.Client) *Adapter {
	if apiURL == "" {
		apiURL = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Adapter{provider: p, apiURL: apiURL, apiKey: apiKey, http: client}
}

func (a *Adapter) Provider() gateway.Provider { return a.provider }

// Stream opens a streaming chat completion. The provider request is
// forwarded as received apart from forcing stream mode on.
func (a *Adapter) Stream(ctx context.Context, providerRequest json.RawMessage) (<-chan gateway.StreamFrame, error) {
	body, err := sjson.SetBytes(providerRequest, "stream", true)
	if err != nil {
		return nil, fmt.Errorf("%s: set stream flag: %w", a.provider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", a.provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", a.provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(string(a.provider), resp)
	}

	ch := make(chan gateway.StreamFrame, 8)
	go a.readStream(ctx, resp.Body, ch)
	return ch, nil
}

func (a *Adapter) readStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamFrame) {
	defer close(ch)
	defer body.Close()

	r := sseutil.NewReader(body)
	for {
		ev, err := r.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				ch <- gateway.StreamFrame{Err: fmt.Errorf("%s: read stream: %w", a.provider, err)}
			}
			return
		}
		if bytes.Equal(ev.Data, doneSentinel) {
			return
		}

		in, out := usageDeltas(ev.Data)
		select {
		case ch <- gateway.StreamFrame{Data: ev.Data, InputTokens: in, OutputTokens: out}:
		case <-ctx.Done():
			return
		}
	}
}

var doneSentinel = []byte("[DONE]")

// usageDeltas reads the usage object a chunk carries, if any. Upstreams
// typically attach usage only to the final chunk, so counts land once per
// stream.
func usageDeltas(data []byte) (input, output int) {
	usage := gjson.GetBytes(data, "usage")
	if !usage.Exists() || usage.Type == gjson.Null {
		return 0, 0
	}
	return int(usage.Get("prompt_tokens").Int()), int(usage.Get("completion_tokens").Int())
}
