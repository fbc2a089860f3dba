// Package server implements the HTTP transport layer for the Palantir gateway.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/provider"
	"github.com/eugener/palantir/internal/ratelimit"
	"github.com/eugener/palantir/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// TokenValidator verifies bearer tokens. Implementations must distinguish
// expiry from every other failure with token.ErrExpired.
type TokenValidator interface {
	Validate(raw string) (*gateway.Claims, error)
}

// Authorizer is the externally-provided model access policy consulted before
// admission.
type Authorizer interface {
	AuthorizeAccessToModel(claims *gateway.Claims, countryCode string, provider gateway.Provider, model string) error
}

// ModelResolver resolves descriptors for version pinning.
type ModelResolver interface {
	Model(provider gateway.Provider, name string) (gateway.ModelDescriptor, error)
}

// UsageRecorder records post-stream token consumption.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, userID uint64, provider gateway.Provider, model string, inputTokens, outputTokens int, now time.Time) (gateway.UsageRecord, error)
}

// UsageEventReporter forwards analytics rows to the warehouse. Never blocks.
type UsageEventReporter interface {
	Report(telemetry.UsageEvent)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Tokens    TokenValidator
	Authorize Authorizer
	Quota     *ratelimit.Engine
	Models    ModelResolver
	Streamers *provider.Registry
	Usage     UsageRecorder

	Events         UsageEventReporter // nil = no analytics emission
	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps, claims: newClaimsCache()}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Completion endpoint (token auth required)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/completion", s.handleCompletion)
	})

	return r
}

type server struct {
	deps   Deps
	claims *claimsCache
}
