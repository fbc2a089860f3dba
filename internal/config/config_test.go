package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	gateway "github.com/eugener/palantir/internal"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "palantir.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
server:
  addr: ":9090"
auth:
  token_secret: sekrit
  token_ttl: 5m
database:
  dsn: ":memory:"
  max_connections: 8
providers:
  anthropic:
    api_key: ant-key
  zed:
    api_url: http://qwen.internal:8000/v1
    api_key: zed-key
models:
  - provider: anthropic
    name: claude-3-5-sonnet
    version: claude-3-5-sonnet-20240620
    max_requests_per_minute: 60
    max_tokens_per_minute: 50000
    max_tokens_per_day: 1000000
policy:
  pro_models: [claude-3-opus]
  blocked_countries: [KP]
telemetry:
  clickhouse:
    addr: ch.internal:9000
    database: events
`

func TestLoad(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	// Unset server fields keep their defaults.
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("read timeout = %v", cfg.Server.ReadTimeout)
	}
	if cfg.Auth.TokenTTL != 5*time.Minute {
		t.Errorf("token ttl = %v", cfg.Auth.TokenTTL)
	}
	if !cfg.Providers.Anthropic.Configured() || cfg.Providers.OpenAI.Configured() {
		t.Errorf("providers = %+v", cfg.Providers)
	}

	models := cfg.ModelDescriptors()
	if len(models) != 1 {
		t.Fatalf("models = %d", len(models))
	}
	if models[0].Provider != gateway.ProviderAnthropic || models[0].Version != "claude-3-5-sonnet-20240620" {
		t.Errorf("model = %+v", models[0])
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("PALANTIR_TEST_ANTHROPIC_KEY", "from-env")
	cfg, err := Load(writeConfig(t, `
auth:
  token_secret: sekrit
providers:
  anthropic:
    api_key: ${PALANTIR_TEST_ANTHROPIC_KEY}
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Providers.Anthropic.APIKey != "from-env" {
		t.Errorf("api key = %q", cfg.Providers.Anthropic.APIKey)
	}
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	t.Parallel()
	_, err := Load(writeConfig(t, `
providers:
  anthropic:
    api_key: k
`))
	if err == nil {
		t.Fatal("expected error for missing token secret")
	}
}

func TestLoadRejectsNoProviders(t *testing.T) {
	t.Parallel()
	_, err := Load(writeConfig(t, `
auth:
  token_secret: sekrit
`))
	if err == nil {
		t.Fatal("expected error when no provider is configured")
	}
}

func TestLoadRejectsZedWithoutURL(t *testing.T) {
	t.Parallel()
	_, err := Load(writeConfig(t, `
auth:
  token_secret: sekrit
providers:
  zed:
    api_key: k
`))
	if err == nil {
		t.Fatal("expected error for zed provider without api_url")
	}
}

func TestLoadRejectsUnknownModelProvider(t *testing.T) {
	t.Parallel()
	_, err := Load(writeConfig(t, `
auth:
  token_secret: sekrit
providers:
  anthropic:
    api_key: k
models:
  - provider: mistral
    name: mistral-large
`))
	if err == nil {
		t.Fatal("expected error for unknown model provider")
	}
}
