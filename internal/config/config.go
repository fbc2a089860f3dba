// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/eugener/palantir/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Providers ProvidersConfig `yaml:"providers"`
	Models    []ModelEntry    `yaml:"models"`
	Policy    PolicyConfig    `yaml:"policy"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds settings for the usage store.
type DatabaseConfig struct {
	DSN            string `yaml:"dsn"` // file path or ":memory:"
	MaxConnections int    `yaml:"max_connections"`
}

// AuthConfig holds token signing settings.
type AuthConfig struct {
	// TokenSecret signs gateway bearer tokens. Required.
	TokenSecret string `yaml:"token_secret"`
	// TokenTTL is the minted token lifetime. Zero uses the codec default.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// ProvidersConfig holds upstream endpoints and credentials, one entry per
// supported provider. A provider with an empty api_key is not served.
type ProvidersConfig struct {
	Anthropic ProviderEntry `yaml:"anthropic"`
	OpenAI    ProviderEntry `yaml:"open_ai"`
	Google    ProviderEntry `yaml:"google"`
	// Zed is the self-hosted OpenAI-compatible deployment; api_url is
	// required for it since there is no hosted default.
	Zed ProviderEntry `yaml:"zed"`
}

// ProviderEntry configures one upstream.
type ProviderEntry struct {
	APIURL string `yaml:"api_url"` // empty = provider default
	APIKey string `yaml:"api_key"`
}

// Configured reports whether the entry carries credentials.
func (p ProviderEntry) Configured() bool { return p.APIKey != "" }

// ModelEntry is a known model with its global caps, seeded into the store at
// startup.
type ModelEntry struct {
	Provider string `yaml:"provider"`
	Name     string `yaml:"name"`
	// Version is the dated upstream release the server pins in outgoing
	// requests. Only Anthropic entries set it today.
	Version              string `yaml:"version"`
	MaxRequestsPerMinute int64  `yaml:"max_requests_per_minute"`
	MaxTokensPerMinute   int64  `yaml:"max_tokens_per_minute"`
	MaxTokensPerDay      int64  `yaml:"max_tokens_per_day"`
	// Prices are hundredths of a cent per 1000 tokens.
	PricePer1KInput  int64 `yaml:"price_per_1k_input"`
	PricePer1KOutput int64 `yaml:"price_per_1k_output"`
}

// PolicyConfig drives the authorization hook.
type PolicyConfig struct {
	ProModels        []string `yaml:"pro_models"`
	BlockedCountries []string `yaml:"blocked_countries"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ClickHouseConfig controls the analytics sink. An empty addr disables it.
type ClickHouseConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "palantir.db",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("config: auth.token_secret is required")
	}
	p := c.Providers
	if !p.Anthropic.Configured() && !p.OpenAI.Configured() && !p.Google.Configured() && !p.Zed.Configured() {
		return fmt.Errorf("config: at least one provider api_key is required")
	}
	if p.Zed.Configured() && p.Zed.APIURL == "" {
		return fmt.Errorf("config: providers.zed.api_url is required when its api_key is set")
	}
	for _, m := range c.Models {
		if _, ok := gateway.ParseProvider(m.Provider); !ok {
			return fmt.Errorf("config: model %q has unknown provider %q", m.Name, m.Provider)
		}
	}
	return nil
}

// ModelDescriptors converts the configured model list into domain
// descriptors. Providers were validated at load time.
func (c *Config) ModelDescriptors() []gateway.ModelDescriptor {
	models := make([]gateway.ModelDescriptor, 0, len(c.Models))
	for _, m := range c.Models {
		provider, _ := gateway.ParseProvider(m.Provider)
		models = append(models, gateway.ModelDescriptor{
			Provider:             provider,
			Name:                 m.Name,
			Version:              m.Version,
			MaxRequestsPerMinute: m.MaxRequestsPerMinute,
			MaxTokensPerMinute:   m.MaxTokensPerMinute,
			MaxTokensPerDay:      m.MaxTokensPerDay,
			PricePer1KInput:      m.PricePer1KInput,
			PricePer1KOutput:     m.PricePer1KOutput,
		})
	}
	return models
}
