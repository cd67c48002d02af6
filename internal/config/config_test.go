package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("Load(missing) differs from defaults (-want +got):\n%s", diff)
	}
	if cfg.Server.Address() != "127.0.0.1:8090" {
		t.Fatalf("server address=%q, want 127.0.0.1:8090", cfg.Server.Address())
	}
	if cfg.Storage.Driver != StorageDriverSQLite {
		t.Fatalf("storage.driver=%q, want sqlite", cfg.Storage.Driver)
	}
	if !cfg.Capture.RedactExports {
		t.Fatal("capture.redact_exports=false, want true by default")
	}
	if cfg.Observability.OTel.ServiceName != "goldentrace" {
		t.Fatalf("observability.otel.service_name=%q, want goldentrace", cfg.Observability.OTel.ServiceName)
	}
	if cfg.Logging.SlogLevel() != slog.LevelInfo {
		t.Fatalf("logging level=%v, want info", cfg.Logging.SlogLevel())
	}
}

func TestLoadAppliesYAMLAndEnvOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "goldentrace.yaml")
	configYAML := `server:
  host: 0.0.0.0
  port: 9090
storage:
  driver: file
  path: /tmp/traces
capture:
  redact_exports: false
  write_queue_size: 32
golden:
  suite_path: goldens/nightly.yaml
  default_pass_threshold: 0.9
  parallelism: 4
agent:
  mode: command
  command: ["python3", "agent.py", "--replay"]
  timeout_ms: 1500
logging:
  level: debug
observability:
  otel:
    enabled: false
    service_name: yaml-goldentrace
    sampling_ratio: 0.25
auth:
  keys:
    - id: ci-ingest
      token: ingest-secret
      role: ingest
    - id: reviewer
      token_hash: 0f0e0d0c0b0a09080706050403020100f0e0d0c0b0a090807060504030201000
      role: viewer
      permissions: ["traces:read_raw"]
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("GOLDENTRACE_PORT", "7070")
	t.Setenv("GOLDENTRACE_REDACT_EXPORTS", "true")
	t.Setenv("GOLDENTRACE_PARALLELISM", "8")
	t.Setenv("GOLDENTRACE_OPENAI_MODEL", "gpt-test")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("GOLDENTRACE_AUTH_ENABLED", "true")
	t.Setenv("GOLDENTRACE_CORS_ALLOWED_ORIGINS", "https://ui.example.com, ,http://localhost:3000")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("server.host=%q, want yaml value", cfg.Server.Host)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("server.port=%d, want 7070 (env override)", cfg.Server.Port)
	}
	if cfg.Storage.Driver != StorageDriverFile || cfg.Storage.Path != "/tmp/traces" {
		t.Fatalf("storage=%+v, want file driver at /tmp/traces", cfg.Storage)
	}
	if !cfg.Capture.RedactExports {
		t.Fatal("capture.redact_exports=false, want env override true")
	}
	if cfg.Capture.WriteQueueSize != 32 {
		t.Fatalf("capture.write_queue_size=%d, want 32", cfg.Capture.WriteQueueSize)
	}
	if cfg.Golden.Parallelism != 8 || cfg.Golden.DefaultPassThreshold != 0.9 {
		t.Fatalf("golden=%+v, want parallelism 8 and threshold 0.9", cfg.Golden)
	}
	if diff := cmp.Diff([]string{"python3", "agent.py", "--replay"}, cfg.Agent.Command); diff != "" {
		t.Fatalf("agent.command mismatch (-want +got):\n%s", diff)
	}
	if cfg.Agent.OpenAI.Model != "gpt-test" {
		t.Fatalf("agent.openai.model=%q, want env override", cfg.Agent.OpenAI.Model)
	}
	if cfg.Logging.SlogLevel() != slog.LevelDebug {
		t.Fatalf("logging level=%v, want debug", cfg.Logging.SlogLevel())
	}
	if !cfg.Observability.OTel.Enabled || cfg.Observability.OTel.Endpoint != "collector:4318" {
		t.Fatalf("otel=%+v, want enabled by OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observability.OTel)
	}
	if cfg.Observability.OTel.ServiceName != "yaml-goldentrace" {
		t.Fatalf("otel service_name=%q, want yaml value", cfg.Observability.OTel.ServiceName)
	}
	if !cfg.Auth.Enabled || cfg.Auth.Header != "X-GoldenTrace-Key" {
		t.Fatalf("auth=%+v, want enabled by env with default header", cfg.Auth)
	}
	wantKeys := []APIKeyConfig{
		{ID: "ci-ingest", Token: "ingest-secret", Role: "ingest"},
		{ID: "reviewer", TokenHash: "0f0e0d0c0b0a09080706050403020100f0e0d0c0b0a090807060504030201000", Role: "viewer", Permissions: []string{"traces:read_raw"}},
	}
	if diff := cmp.Diff(wantKeys, cfg.Auth.Keys); diff != "" {
		t.Fatalf("auth.keys mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"https://ui.example.com", "http://localhost:3000"}, cfg.Server.CORSAllowedOrigins); diff != "" {
		t.Fatalf("cors origins mismatch (-want +got):\n%s", diff)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestLoadRejectsMalformedFiles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "invalid yaml", content: "server: [", want: "parse yaml"},
		{name: "unknown field", content: "golden:\n  owner: qa\n", want: "field owner not found"},
		{name: "multiple documents", content: "server:\n  port: 1\n---\nlogging:\n  level: debug\n", want: "multiple yaml documents are not supported"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			configPath := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			_, err := Load(configPath)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load() error=%v, want message containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadInvalidEnvReturnsError(t *testing.T) {
	t.Setenv("GOLDENTRACE_PASS_THRESHOLD", "most")

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "invalid GOLDENTRACE_PASS_THRESHOLD") {
		t.Fatalf("Load() error=%v, want GOLDENTRACE_PASS_THRESHOLD message", err)
	}
}

func TestLoadAppliesOTELSDKDisabledOverride(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_SDK_DISABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Observability.OTel.Enabled {
		t.Fatal("observability.otel.enabled=true, want false from OTEL_SDK_DISABLED=true")
	}
}

func TestLoadRejectsInvalidStandardOTELExporterEnv(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "zipkin")

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "invalid OTEL_TRACES_EXPORTER") {
		t.Fatalf("Load() error=%v, want OTEL_TRACES_EXPORTER message", err)
	}
}

func TestOpenAIAPIKeyFromEnv(t *testing.T) {
	t.Setenv("GOLDENTRACE_TEST_OPENAI_KEY", "sk-from-env")

	cfg := OpenAIAgentConfig{APIKeyEnv: "GOLDENTRACE_TEST_OPENAI_KEY"}
	if got := cfg.APIKey(); got != "sk-from-env" {
		t.Fatalf("APIKey()=%q, want sk-from-env", got)
	}
	if got := (OpenAIAgentConfig{}).APIKey(); got != "" {
		t.Fatalf("APIKey() without env name=%q, want empty", got)
	}
}

func TestValidateDefaultConfig(t *testing.T) {
	t.Parallel()

	if err := Validate(Default()); err != nil {
		t.Fatalf("Validate(default) error: %v", err)
	}
}

func TestValidateRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "redis" }, want: "storage.driver must be one of"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Driver = StorageDriverPostgres }, want: "storage.dsn is required"},
		{name: "file without path", mutate: func(c *Config) { c.Storage.Driver = StorageDriverFile; c.Storage.Path = " " }, want: "storage.path is required"},
		{name: "queue size", mutate: func(c *Config) { c.Capture.WriteQueueSize = 0 }, want: "capture.write_queue_size"},
		{name: "threshold", mutate: func(c *Config) { c.Golden.DefaultPassThreshold = 1.2 }, want: "golden.default_pass_threshold"},
		{name: "parallelism", mutate: func(c *Config) { c.Golden.Parallelism = 0 }, want: "golden.parallelism"},
		{name: "agent mode", mutate: func(c *Config) { c.Agent.Mode = "grpc" }, want: "agent.mode"},
		{name: "openai base url", mutate: func(c *Config) { c.Agent.Mode = AgentModeOpenAI; c.Agent.OpenAI.BaseURL = "localhost" }, want: "agent.openai.base_url"},
		{name: "openai model", mutate: func(c *Config) { c.Agent.Mode = AgentModeOpenAI; c.Agent.OpenAI.Model = "" }, want: "agent.openai.model"},
		{name: "log level", mutate: func(c *Config) { c.Logging.Level = "verbose" }, want: "logging.level"},
		{name: "otel sampling", mutate: func(c *Config) { c.Observability.OTel.Enabled = true; c.Observability.OTel.SamplingRatio = 2 }, want: "sampling_ratio"},
		{name: "otel signals", mutate: func(c *Config) {
			c.Observability.OTel.Enabled = true
			c.Observability.OTel.TracesEnabled = false
			c.Observability.OTel.MetricsEnabled = false
		}, want: "traces_enabled and/or metrics_enabled"},
		{name: "auth header", mutate: func(c *Config) { c.Auth.Header = " " }, want: "auth.header"},
		{name: "auth without keys", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.keys must contain"},
		{name: "auth key id", mutate: func(c *Config) {
			c.Auth.Enabled = true
			c.Auth.Keys = []APIKeyConfig{{Token: "t"}}
		}, want: "auth.keys[0].id"},
		{name: "auth duplicate id", mutate: func(c *Config) {
			c.Auth.Enabled = true
			c.Auth.Keys = []APIKeyConfig{{ID: "ci", Token: "a"}, {ID: "ci", Token: "b"}}
		}, want: "duplicated"},
		{name: "auth missing token", mutate: func(c *Config) {
			c.Auth.Enabled = true
			c.Auth.Keys = []APIKeyConfig{{ID: "ci"}}
		}, want: "token or token_hash"},
		{name: "auth bad hash", mutate: func(c *Config) {
			c.Auth.Enabled = true
			c.Auth.Keys = []APIKeyConfig{{ID: "ci", TokenHash: "abc"}}
		}, want: "hex sha256"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() error=%v, want message containing %q", err, tt.want)
			}
		})
	}
}

func TestValidateAcceptsEveryStorageDriver(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{StorageDriverSQLite, StorageDriverPostgres, StorageDriverFile, StorageDriverMemory} {
		cfg := Default()
		cfg.Storage.Driver = driver
		cfg.Storage.DSN = "postgres://localhost/goldentrace"
		if err := Validate(cfg); err != nil {
			t.Fatalf("Validate(driver=%s) error: %v", driver, err)
		}
	}
}
