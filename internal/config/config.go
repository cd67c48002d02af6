package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Capture       CaptureConfig       `yaml:"capture"`
	Golden        GoldenConfig        `yaml:"golden"`
	Agent         AgentConfig         `yaml:"agent"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// CORSAllowedOrigins lists browser origins allowed to call the API.
	// Empty disables CORS headers; "*" allows any origin.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

const (
	StorageDriverSQLite   = "sqlite"
	StorageDriverPostgres = "postgres"
	StorageDriverFile     = "file"
	StorageDriverMemory   = "memory"
)

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type CaptureConfig struct {
	RedactExports  bool `yaml:"redact_exports"`
	WriteQueueSize int  `yaml:"write_queue_size"`
}

type GoldenConfig struct {
	SuitePath            string  `yaml:"suite_path"`
	DefaultPassThreshold float64 `yaml:"default_pass_threshold"`
	Parallelism          int     `yaml:"parallelism"`
}

const (
	AgentModeCommand = "command"
	AgentModeOpenAI  = "openai"
)

type AgentConfig struct {
	Mode      string            `yaml:"mode"`
	Command   []string          `yaml:"command"`
	TimeoutMS int               `yaml:"timeout_ms"`
	OpenAI    OpenAIAgentConfig `yaml:"openai"`
}

type OpenAIAgentConfig struct {
	BaseURL      string `yaml:"base_url"`
	Model        string `yaml:"model"`
	APIKeyEnv    string `yaml:"api_key_env"`
	SystemPrompt string `yaml:"system_prompt"`
}

// APIKey resolves the key from the environment variable named by APIKeyEnv.
func (c OpenAIAgentConfig) APIKey() string {
	name := strings.TrimSpace(c.APIKeyEnv)
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel maps Level onto slog. Unknown values are rejected by Validate.
func (c LoggingConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.Level))); err != nil {
		return slog.LevelInfo
	}
	return level
}

type AuthConfig struct {
	Enabled bool           `yaml:"enabled"`
	Header  string         `yaml:"header"`
	Keys    []APIKeyConfig `yaml:"keys"`
}

type APIKeyConfig struct {
	ID          string   `yaml:"id"`
	Token       string   `yaml:"token"`
	TokenHash   string   `yaml:"token_hash"`
	Role        string   `yaml:"role"`
	Permissions []string `yaml:"permissions"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const defaultAuthHeader = "X-GoldenTrace-Key"

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "goldentrace"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8090,
		},
		Storage: StorageConfig{
			Driver: StorageDriverSQLite,
			Path:   "./data/goldentrace.db",
		},
		Capture: CaptureConfig{
			RedactExports:  true,
			WriteQueueSize: 256,
		},
		Golden: GoldenConfig{
			SuitePath:            "./goldens/suite.yaml",
			DefaultPassThreshold: 1.0,
			Parallelism:          1,
		},
		Agent: AgentConfig{
			Mode:      AgentModeCommand,
			TimeoutMS: 60000,
			OpenAI: OpenAIAgentConfig{
				BaseURL:   "https://api.openai.com/v1",
				Model:     "gpt-4o-mini",
				APIKeyEnv: "OPENAI_API_KEY",
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
		Auth: AuthConfig{
			Enabled: false,
			Header:  defaultAuthHeader,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	switch strings.TrimSpace(cfg.Storage.Driver) {
	case StorageDriverSQLite:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case StorageDriverFile:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=file")
		}
	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	case StorageDriverMemory:
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres, file, memory (got %q)", cfg.Storage.Driver)
	}

	if cfg.Capture.WriteQueueSize <= 0 {
		return fmt.Errorf("capture.write_queue_size must be > 0 (got %d)", cfg.Capture.WriteQueueSize)
	}

	if cfg.Golden.DefaultPassThreshold < 0 || cfg.Golden.DefaultPassThreshold > 1 {
		return fmt.Errorf("golden.default_pass_threshold must be between 0 and 1 (got %f)", cfg.Golden.DefaultPassThreshold)
	}
	if cfg.Golden.Parallelism <= 0 {
		return fmt.Errorf("golden.parallelism must be > 0 (got %d)", cfg.Golden.Parallelism)
	}

	if err := validateAgent(cfg.Agent); err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.Logging.Level))); err != nil {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", cfg.Logging.Level)
	}

	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	if err := validateAuth(cfg.Auth); err != nil {
		return err
	}

	return nil
}

func validateAuth(cfg AuthConfig) error {
	if strings.TrimSpace(cfg.Header) == "" {
		return errors.New("auth.header must not be empty")
	}
	if !cfg.Enabled {
		return nil
	}
	if len(cfg.Keys) == 0 {
		return errors.New("auth.keys must contain at least one key when auth.enabled=true")
	}
	seen := make(map[string]struct{}, len(cfg.Keys))
	for idx, key := range cfg.Keys {
		id := strings.TrimSpace(key.ID)
		if id == "" {
			return fmt.Errorf("auth.keys[%d].id is required", idx)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("auth.keys[%d].id %q is duplicated", idx, id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(key.Token) == "" && strings.TrimSpace(key.TokenHash) == "" {
			return fmt.Errorf("auth.keys[%d] requires token or token_hash", idx)
		}
		if hash := strings.TrimSpace(key.TokenHash); hash != "" && !isHexSHA256(hash) {
			return fmt.Errorf("auth.keys[%d].token_hash must be a hex sha256 digest", idx)
		}
	}
	return nil
}

func isHexSHA256(value string) bool {
	if len(value) != 64 {
		return false
	}
	for _, r := range strings.ToLower(value) {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func validateAgent(cfg AgentConfig) error {
	if cfg.TimeoutMS < 0 {
		return fmt.Errorf("agent.timeout_ms must be >= 0 (got %d)", cfg.TimeoutMS)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case AgentModeCommand:
		// An empty command is allowed here; golden run reports it when used.
		for idx, arg := range cfg.Command {
			if idx == 0 && strings.TrimSpace(arg) == "" {
				return errors.New("agent.command[0] must not be empty")
			}
		}
	case AgentModeOpenAI:
		if strings.TrimSpace(cfg.OpenAI.Model) == "" {
			return errors.New("agent.openai.model is required when agent.mode=openai")
		}
		baseURL := strings.TrimSpace(cfg.OpenAI.BaseURL)
		if baseURL == "" {
			return errors.New("agent.openai.base_url is required when agent.mode=openai")
		}
		parsed, err := url.Parse(baseURL)
		if err != nil {
			return fmt.Errorf("parse agent.openai.base_url: %w", err)
		}
		if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
			return fmt.Errorf("agent.openai.base_url must include scheme and host (got %q)", cfg.OpenAI.BaseURL)
		}
	default:
		return fmt.Errorf("agent.mode must be one of command, openai (got %q)", cfg.Mode)
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("GOLDENTRACE_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("GOLDENTRACE_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid GOLDENTRACE_PORT: %w", err)
		}
		cfg.Server.Port = v
	}

	if storageDriver := os.Getenv("GOLDENTRACE_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if storagePath := os.Getenv("GOLDENTRACE_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := os.Getenv("GOLDENTRACE_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}

	if redactExports := os.Getenv("GOLDENTRACE_REDACT_EXPORTS"); redactExports != "" {
		v, err := strconv.ParseBool(redactExports)
		if err != nil {
			return fmt.Errorf("invalid GOLDENTRACE_REDACT_EXPORTS: %w", err)
		}
		cfg.Capture.RedactExports = v
	}

	if suitePath := os.Getenv("GOLDENTRACE_SUITE_PATH"); suitePath != "" {
		cfg.Golden.SuitePath = suitePath
	}
	if threshold := os.Getenv("GOLDENTRACE_PASS_THRESHOLD"); threshold != "" {
		v, err := strconv.ParseFloat(threshold, 64)
		if err != nil {
			return fmt.Errorf("invalid GOLDENTRACE_PASS_THRESHOLD: %w", err)
		}
		cfg.Golden.DefaultPassThreshold = v
	}
	if parallelism := os.Getenv("GOLDENTRACE_PARALLELISM"); parallelism != "" {
		v, err := strconv.Atoi(parallelism)
		if err != nil {
			return fmt.Errorf("invalid GOLDENTRACE_PARALLELISM: %w", err)
		}
		cfg.Golden.Parallelism = v
	}

	if mode := os.Getenv("GOLDENTRACE_AGENT_MODE"); mode != "" {
		cfg.Agent.Mode = mode
	}
	if timeout := os.Getenv("GOLDENTRACE_AGENT_TIMEOUT_MS"); timeout != "" {
		v, err := strconv.Atoi(timeout)
		if err != nil {
			return fmt.Errorf("invalid GOLDENTRACE_AGENT_TIMEOUT_MS: %w", err)
		}
		cfg.Agent.TimeoutMS = v
	}
	if baseURL := os.Getenv("GOLDENTRACE_OPENAI_BASE_URL"); baseURL != "" {
		cfg.Agent.OpenAI.BaseURL = baseURL
	}
	if model := os.Getenv("GOLDENTRACE_OPENAI_MODEL"); model != "" {
		cfg.Agent.OpenAI.Model = model
	}

	if level := os.Getenv("GOLDENTRACE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if authEnabled := os.Getenv("GOLDENTRACE_AUTH_ENABLED"); authEnabled != "" {
		v, err := strconv.ParseBool(authEnabled)
		if err != nil {
			return fmt.Errorf("invalid GOLDENTRACE_AUTH_ENABLED: %w", err)
		}
		cfg.Auth.Enabled = v
	}
	if authHeader := os.Getenv("GOLDENTRACE_AUTH_HEADER"); authHeader != "" {
		cfg.Auth.Header = authHeader
	}
	if origins := os.Getenv("GOLDENTRACE_CORS_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.CORSAllowedOrigins = nil
		for _, origin := range strings.Split(origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.Server.CORSAllowedOrigins = append(cfg.Server.CORSAllowedOrigins, origin)
			}
		}
	}

	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}

	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
