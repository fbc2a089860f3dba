package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/sjson"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/provider"
	"github.com/eugener/palantir/internal/ratelimit"
	"github.com/eugener/palantir/internal/telemetry"
)

// bodyPool reuses buffers for request body reads, avoiding per-request
// allocations from json.NewDecoder (which cannot be pooled/reset).
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// maxRequestBody is the maximum allowed request body size (4 MB).
const maxRequestBody = 4 << 20

// finalizeTimeout bounds the detached accounting task. Generous: accounting
// runs after the response is gone and only contends on the usage store.
const finalizeTimeout = 10 * time.Second

var newline = []byte{'\n'}

// decodeRequestBody reads the request body via bodyPool, unmarshals JSON into
// v, and returns false (writing a 400) on error. Parse errors are logged
// server-side; clients receive a static message to avoid leaking internals.
func decodeRequestBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bodyPool.Put(buf)
	if _, err := buf.ReadFrom(r.Body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request decode error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// handleCompletion runs the full pipeline for one streaming completion:
// admission (authorize + quota), upstream dispatch, frame forwarding with
// side-channel token counting, and finalization.
func (s *server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var params gateway.CompletionParams
	if !decodeRequestBody(w, r, &params) {
		return
	}

	prov, ok := gateway.ParseProvider(params.Provider)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse("unknown provider"))
		return
	}

	claims := gateway.ClaimsFromContext(r.Context())
	model := gateway.NormalizeModelName(prov, params.Model)
	now := time.Now()

	// Authorization policy: plan gates, geography.
	countryCode := r.Header.Get(gateway.CountryCodeHeaderName)
	if err := s.deps.Authorize.AuthorizeAccessToModel(claims, countryCode, prov, model); err != nil {
		writeJSON(w, http.StatusForbidden, errorResponse(err.Error()))
		return
	}

	// Quota admission against the caller's share of the model's caps.
	if err := s.deps.Quota.Check(r.Context(), claims, prov, model, now); err != nil {
		s.writeQuotaError(w, r, err)
		return
	}

	// Pin the model version the server controls before dispatch. Clients
	// request a family; the server decides which dated release serves it.
	providerRequest := params.ProviderRequest
	if descriptor, err := s.deps.Models.Model(prov, model); err == nil && descriptor.Version != "" {
		pinned, err := sjson.SetBytes(providerRequest, "model", descriptor.Version)
		if err == nil {
			providerRequest = pinned
		}
	}

	streamer, err := s.deps.Streamers.Get(prov)
	if err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "provider not configured",
			slog.String("provider", string(prov)),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse("provider not configured"))
		return
	}

	frames, err := streamer.Stream(r.Context(), providerRequest)
	if err != nil {
		s.writeUpstreamError(w, r, prov, err)
		return
	}

	// From here on the completion exists: whatever happens next -- clean
	// end, upstream abort, client disconnect -- accounting fires exactly
	// once with the totals accumulated so far.
	cctx := &completionContext{
		server:    s,
		claims:    *claims,
		provider:  prov,
		model:     model,
		requestID: gateway.RequestIDFromContext(r.Context()),
	}
	defer cctx.finalize()

	s.streamFrames(w, r, frames, cctx)
}

// streamFrames forwards upstream frames to the client, one JSON object per
// line, flushing after each. Token deltas are summed in frame order; the
// totals at any exit are exactly the deltas of the frames observed.
func (s *server) streamFrames(w http.ResponseWriter, r *http.Request, frames <-chan gateway.StreamFrame, cctx *completionContext) {
	h := w.Header()
	h["Content-Type"] = octetStreamCT
	h["X-Accel-Buffering"] = noBufferingVal
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	for {
		select {
		case frame, open := <-frames:
			if !open {
				return
			}
			if frame.Err != nil {
				// Mid-stream upstream failure: the response has started, so
				// all we can do is truncate and account for what arrived.
				slog.LogAttrs(r.Context(), slog.LevelError, "upstream stream error",
					slog.String("provider", string(cctx.provider)),
					slog.String("error", frame.Err.Error()),
				)
				if s.deps.Metrics != nil {
					s.deps.Metrics.UpstreamErrors.WithLabelValues(string(cctx.provider)).Inc()
				}
				return
			}
			cctx.observe(frame)
			if _, err := w.Write(frame.Data); err != nil {
				return
			}
			if _, err := w.Write(newline); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			// Client disconnected. Dropping the request context cancels the
			// upstream call; finalization still fires with partial totals.
			return
		}
	}
}

// writeQuotaError maps quota-engine failures onto the HTTP surface.
func (s *server) writeQuotaError(w http.ResponseWriter, r *http.Request, err error) {
	var quotaErr *ratelimit.QuotaError
	switch {
	case errors.Is(err, gateway.ErrModelNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse("unknown model"))
	case errors.As(err, &quotaErr):
		if s.deps.Metrics != nil {
			s.deps.Metrics.RateLimitRejects.WithLabelValues(quotaErr.Resource).Inc()
		}
		slog.LogAttrs(r.Context(), slog.LevelWarn, "quota exceeded",
			slog.String("resource", quotaErr.Resource),
		)
		writeJSON(w, http.StatusTooManyRequests, errorResponse(quotaErr.Error()))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "quota check failed",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
	}
}

// writeUpstreamError maps pre-stream upstream failures. An upstream 429
// surfaces as 429 so clients back off the same way they do for quota; all
// other upstream failures are the gateway's 5xx.
func (s *server) writeUpstreamError(w http.ResponseWriter, r *http.Request, prov gateway.Provider, err error) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.UpstreamErrors.WithLabelValues(string(prov)).Inc()
	}
	slog.LogAttrs(r.Context(), slog.LevelError, "upstream request failed",
		slog.String("provider", string(prov)),
		slog.String("error", err.Error()),
	)

	var apiErr *provider.APIError
	if errors.As(err, &apiErr) && apiErr.IsRateLimited() {
		writeJSON(w, http.StatusTooManyRequests, errorResponse("upstream rate limit exceeded"))
		return
	}
	writeJSON(w, http.StatusBadGateway, errorResponse("upstream request failed"))
}

// completionContext owns one live completion: identity, the resolved target,
// and the running token totals. Finalization is bound to it with a sync.Once
// so every exit path funds accounting exactly once.
type completionContext struct {
	server    *server
	claims    gateway.Claims
	provider  gateway.Provider
	model     string
	requestID string

	inputTokens  int
	outputTokens int

	finalizeOnce sync.Once
}

// observe folds one frame's deltas into the running totals. Called only from
// the forwarding goroutine, in frame-yield order.
func (c *completionContext) observe(f gateway.StreamFrame) {
	c.inputTokens += f.InputTokens
	c.outputTokens += f.OutputTokens
}

// finalize fires post-stream accounting on a detached goroutine. It never
// blocks the response path and runs at most once per completion.
func (c *completionContext) finalize() {
	c.finalizeOnce.Do(func() {
		go c.recordUsage()
	})
}

func (c *completionContext) recordUsage() {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	s := c.server
	now := time.Now()

	record, err := s.deps.Usage.RecordUsage(ctx, c.claims.UserID, c.provider, c.model, c.inputTokens, c.outputTokens, now)
	if err != nil {
		// Invisible to the client by policy: the user-visible work already
		// finished. Log and drop.
		slog.LogAttrs(ctx, slog.LevelError, "usage recording failed",
			slog.String("request_id", c.requestID),
			slog.Uint64("user_id", c.claims.UserID),
			slog.String("provider", string(c.provider)),
			slog.String("model", c.model),
			slog.String("error", err.Error()),
		)
		return
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.TokensProcessed.WithLabelValues(string(c.provider), c.model, "input").Add(float64(c.inputTokens))
		s.deps.Metrics.TokensProcessed.WithLabelValues(string(c.provider), c.model, "output").Add(float64(c.outputTokens))
	}

	if s.deps.Events != nil {
		s.deps.Events.Report(telemetry.UsageEvent{
			Time:                  now,
			UserID:                c.claims.UserID,
			IsStaff:               c.claims.IsStaff,
			Plan:                  string(c.claims.Plan),
			Model:                 c.model,
			Provider:              string(c.provider),
			InputTokens:           uint64(c.inputTokens),
			OutputTokens:          uint64(c.outputTokens),
			RequestsThisMinute:    uint64(record.RequestsThisMinute),
			TokensThisMinute:      uint64(record.TokensThisMinute),
			TokensThisDay:         uint64(record.TokensThisDay),
			InputTokensThisMonth:  uint64(record.InputTokensThisMonth),
			OutputTokensThisMonth: uint64(record.OutputTokensThisMonth),
			SpendingThisMonth:     uint64(record.SpendingThisMonth),
		})
	}
}

// Pre-allocated header value slices for the streaming response.
var (
	octetStreamCT  = []string{"application/octet-stream"}
	noBufferingVal = []string{"no"}
)

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

// jsonCT is a pre-allocated header value slice. Direct map assignment avoids
// the []string{v} alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}
