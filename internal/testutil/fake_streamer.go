// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"encoding/json"

	gateway "github.com/eugener/palantir/internal"
)

// FakeStreamer is a configurable gateway.Streamer for testing.
type FakeStreamer struct {
	ProviderID gateway.Provider
	// Frames are replayed in order on every Stream call when StreamFn is nil.
	Frames []gateway.StreamFrame
	// StreamFn, when set, fully controls the call.
	StreamFn func(ctx context.Context, providerRequest json.RawMessage) (<-chan gateway.StreamFrame, error)
}

// Provider returns the configured provider identity.
func (f *FakeStreamer) Provider() gateway.Provider { return f.ProviderID }

// Stream delegates to StreamFn or replays the configured frames.
func (f *FakeStreamer) Stream(ctx context.Context, providerRequest json.RawMessage) (<-chan gateway.StreamFrame, error) {
	if f.StreamFn != nil {
		return f.StreamFn(ctx, providerRequest)
	}
	ch := make(chan gateway.StreamFrame, len(f.Frames))
	for _, frame := range f.Frames {
		ch <- frame
	}
	close(ch)
	return ch, nil
}
