package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/activity"
	"github.com/eugener/palantir/internal/authz"
	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/provider"
	"github.com/eugener/palantir/internal/provider/anthropic"
	"github.com/eugener/palantir/internal/provider/google"
	"github.com/eugener/palantir/internal/provider/openai"
	"github.com/eugener/palantir/internal/ratelimit"
	"github.com/eugener/palantir/internal/server"
	"github.com/eugener/palantir/internal/storage/sqlite"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/token"
	"github.com/eugener/palantir/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting palantir", "version", version, "addr", cfg.Server.Addr)

	// Open the usage store and seed the configured model set.
	store, err := sqlite.New(cfg.Database.DSN, cfg.Database.MaxConnections)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.SeedModels(ctx, cfg.ModelDescriptors()); err != nil {
		return err
	}
	slog.Info("models seeded", "count", len(cfg.Models))

	// Shared DNS cache for the upstream HTTP client.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()
	httpClient := &http.Client{Transport: provider.NewTransport(dnsResolver)}

	// Register streaming adapters for every configured provider.
	streamers := provider.NewRegistry()
	if p := cfg.Providers.Anthropic; p.Configured() {
		streamers.Register(anthropic.New(p.APIURL, p.APIKey, httpClient))
	}
	if p := cfg.Providers.OpenAI; p.Configured() {
		streamers.Register(openai.New(gateway.ProviderOpenAI, p.APIURL, p.APIKey, httpClient))
	}
	if p := cfg.Providers.Google; p.Configured() {
		streamers.Register(google.New(p.APIURL, p.APIKey, httpClient))
	}
	if p := cfg.Providers.Zed; p.Configured() {
		streamers.Register(openai.New(gateway.ProviderZed, p.APIURL, p.APIKey, httpClient))
	}
	slog.Info("providers registered", "count", streamers.Len())

	// Core services.
	codec := token.NewCodec(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)
	policy := authz.NewPolicy(cfg.Policy.ProModels, cfg.Policy.BlockedCountries)
	activeUsers := activity.NewCounter(store, 0)
	quota := ratelimit.NewEngine(store, store, activeUsers)

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("palantir/server")
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	// Analytics sink and its background flusher.
	var events server.UsageEventReporter
	var workers []worker.Worker
	if addr := cfg.Telemetry.ClickHouse.Addr; addr != "" {
		sink, err := telemetry.NewClickHouseSink(ctx, addr,
			cfg.Telemetry.ClickHouse.Database,
			cfg.Telemetry.ClickHouse.Username,
			cfg.Telemetry.ClickHouse.Password,
		)
		if err != nil {
			// The warehouse is best-effort by design; never hold up serving.
			slog.Warn("clickhouse unavailable, usage events disabled", "error", err)
		} else {
			defer sink.Close()
			reporter := worker.NewUsageEventReporter(sink, metrics)
			events = reporter
			workers = append(workers, reporter)
			slog.Info("usage event reporting enabled", "addr", addr)
		}
	}

	handler := server.New(server.Deps{
		Tokens:         codec,
		Authorize:      policy,
		Quota:          quota,
		Models:         store,
		Streamers:      streamers,
		Usage:          store,
		Events:         events,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		ReadyCheck:     store.Ping,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Start background workers.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- worker.NewRunner(workers...).Run(workerCtx)
	}()

	// Graceful shutdown.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("palantir ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Shutdown HTTP first, then workers, so in-flight completions finish
	// their detached accounting and event emission before the flusher drains.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("palantir stopped")
	return nil
}
