// Package gateway defines domain types and interfaces for the Palantir LLM
// completion gateway. This package has no project imports -- it is the
// dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// --- Providers ---

// Provider identifies an upstream language model service. The constants are
// the exact wire values clients send in the "provider" field.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openAi"
	ProviderGoogle    Provider = "google"
	ProviderZed       Provider = "zed"
)

// ParseProvider maps a wire value to a Provider. ok is false for anything
// outside the closed set.
func ParseProvider(s string) (Provider, bool) {
	switch Provider(s) {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderZed:
		return Provider(s), true
	default:
		return "", false
	}
}

func (p Provider) String() string { return string(p) }

// --- Identity ---

// Plan is the subscription tier carried inside token claims.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// Claims is the decoded content of a gateway bearer token.
type Claims struct {
	UserID    uint64
	Plan      Plan
	IsStaff   bool
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ExpiredTokenHeaderName is set on 401 responses when the presented token was
// valid but past its expiry. Its presence is the client's sole signal to
// refresh the token and retry once.
const ExpiredTokenHeaderName = "x-zed-llm-token-expired"

// CountryCodeHeaderName carries the two-letter country code injected by the
// fronting proxy. Optional; consumed by the authorization policy.
const CountryCodeHeaderName = "Cf-Ipcountry"

// --- Completion request ---

// CompletionParams is the body of POST /completion. ProviderRequest is the
// provider-native payload and is forwarded upstream opaquely, except for the
// model-version pinning described on ModelDescriptor.
type CompletionParams struct {
	Provider        string          `json:"provider"`
	Model           string          `json:"model"`
	ProviderRequest json.RawMessage `json:"provider_request"`
}

// StreamFrame is one upstream event: the raw provider-native bytes to forward
// plus the token usage deltas the adapter extracted from it. A frame with a
// non-nil Err terminates the stream.
type StreamFrame struct {
	Data         []byte
	InputTokens  int
	OutputTokens int
	Err          error
}

// Streamer is the minimal per-provider adapter surface. Implementations open
// the upstream streaming endpoint and decode its native framing into
// StreamFrames without rewriting the payload bytes.
type Streamer interface {
	// Provider returns the upstream this adapter serves.
	Provider() Provider
	// Stream opens a streaming completion. The returned channel is closed
	// when the upstream stream ends; cancelling ctx aborts the upstream
	// connection.
	Stream(ctx context.Context, providerRequest json.RawMessage) (<-chan StreamFrame, error)
}

// --- Models ---

// ModelDescriptor is a known model with its global rate caps. Version, when
// set, is the dated upstream version string the server pins in outgoing
// requests in place of whatever the client asked for.
type ModelDescriptor struct {
	Provider             Provider
	Name                 string
	Version              string
	MaxRequestsPerMinute int64
	MaxTokensPerMinute   int64
	MaxTokensPerDay      int64
	// Prices are in hundredths of a cent per 1000 tokens; 0 = unpriced.
	PricePer1KInput  int64
	PricePer1KOutput int64
}

// NormalizeModelName reduces a client-supplied model string to the canonical
// family name used for quota and accounting, via longest-prefix match against
// the provider's known families. Unknown names pass through unchanged.
func NormalizeModelName(provider Provider, name string) string {
	var prefixes []string
	switch provider {
	case ProviderAnthropic:
		prefixes = anthropicModelPrefixes
	case ProviderOpenAI:
		prefixes = openAIModelPrefixes
	}

	best := ""
	for _, prefix := range prefixes {
		if len(prefix) > len(best) && len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			best = prefix
		}
	}
	if best == "" {
		return name
	}
	return best
}

var (
	anthropicModelPrefixes = []string{
		"claude-3-5-sonnet",
		"claude-3-haiku",
		"claude-3-opus",
		"claude-3-sonnet",
	}
	openAIModelPrefixes = []string{
		"gpt-3.5-turbo",
		"gpt-4-turbo-preview",
		"gpt-4o-mini",
		"gpt-4o",
		"gpt-4",
	}
)

// --- Usage ---

// UsageRecord is the windowed consumption state for one
// (user, provider, model) key. Counters are monotonic within a bucket and
// reset when the bucket rolls over.
type UsageRecord struct {
	RequestsThisMinute    int64
	TokensThisMinute      int64
	TokensThisDay         int64
	InputTokensThisMonth  int64
	OutputTokensThisMonth int64
	SpendingThisMonth     int64
}

// ActiveUserCount is the population snapshot that divides each model's global
// caps into per-user shares.
type ActiveUserCount struct {
	UsersInRecentMinutes int
	UsersInRecentDays    int
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Claims are set later by the authenticate middleware via mutation of the
// same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Claims    *Claims
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// ClaimsFromContext extracts the authenticated claims from context.
func ClaimsFromContext(ctx context.Context) *Claims {
	if m := metaFromContext(ctx); m != nil {
		return m.Claims
	}
	return nil
}

// ContextWithClaims stores the claims in the existing requestMeta if present,
// falling back to a fresh metadata value (e.g. in tests).
func ContextWithClaims(ctx context.Context, c *Claims) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Claims = c
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Claims: c})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
