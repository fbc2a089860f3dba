// Package anthropic streams completions from the Anthropic Messages API.
package anthropic

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

const (
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	anthropicVersion = "2023-06-01"
)

var _ gateway.Streamer = (*Adapter)(nil)

// Adapter streams raw Anthropic SSE events, teeing token usage out of
// message_start and message_delta as they pass through.
type Adapter struct {
	apiURL string
	apiKey string
	http   *http.Client
}

// New creates an Adapter. An empty apiURL uses DefaultBaseURL.
func New(apiURL, apiKey string, client *http.Client) *Adapter {
	if apiURL == "" {
		apiURL = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Adapter{apiURL: apiURL, apiKey: apiKey, http: client}
}

func (a *Adapter) Provider() gateway.Provider { return gateway.ProviderAnthropic }

// Stream opens a streaming Messages call. The provider request is forwarded
// as received apart from forcing stream mode on.
func (a *Adapter) Stream(ctx context.Context, providerRequest json.RawMessage) (<-chan gateway.StreamFrame, error) {
	body, err := sjson.SetBytes(providerRequest, "stream", true)
	if err != nil {
		return nil, fmt.Errorf("anthropic: set stream flag: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("x-api-key", a.apiKey)

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(providerName, resp)
	}

	ch := make(chan gateway.StreamFrame, 8)
	go readStream(ctx, resp.Body, ch)
	return ch, nil
}

func readStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamFrame) {
	defer close(ch)
	defer body.Close()

	r := sseutil.NewReader(body)
	for {
		ev, err := r.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				ch <- gateway.StreamFrame{Err: fmt.Errorf("anthropic: read stream: %w", err)}
			}
			return
		}

		in, out := usageDeltas(ev)
		select {
		case ch <- gateway.StreamFrame{Data: ev.Data, InputTokens: in, OutputTokens: out}:
		case <-ctx.Done():
			return
		}
	}
}

// usageDeltas extracts the token counts an event carries. Only message_start
// and message_delta report usage; everything else contributes zero.
func usageDeltas(ev sseutil.Event) (input, output int) {
	name := ev.Name
	if name == "" {
		name = gjson.GetBytes(ev.Data, "type").String()
	}
	switch name {
	case "message_start":
		usage := gjson.GetBytes(ev.Data, "message.usage")
		return int(usage.Get("input_tokens").Int()), int(usage.Get("output_tokens").Int())
	case "message_delta":
		usage := gjson.GetBytes(ev.Data, "usage")
		return int(usage.Get("input_tokens").Int()), int(usage.Get("output_tokens").Int())
	default:
		return 0, 0
	}
}
