package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/goldentrace/internal/agentfn"
	"github.com/ongoingai/goldentrace/internal/auth"
	"github.com/ongoingai/goldentrace/internal/config"
	"github.com/ongoingai/goldentrace/internal/golden"
	"github.com/ongoingai/goldentrace/internal/observability"
	"github.com/ongoingai/goldentrace/internal/trace"
)

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

// normalizeTextJSONFormat validates command output format flags with shared semantics.
func normalizeTextJSONFormat(command, rawValue, defaultValue string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawValue))
	if normalized == "" {
		normalized = strings.TrimSpace(defaultValue)
	}
	switch normalized {
	case "text", "json":
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid %s format %q: expected text or json", strings.TrimSpace(command), rawValue)
	}
}

// loadAndValidateConfig resolves config and reports which stage failed.
func loadAndValidateConfig(configPath string) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

func loadConfigOrReport(configPath string, errOut io.Writer) (config.Config, bool) {
	cfg, stage, err := loadAndValidateConfig(configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return config.Config{}, false
	}
	return cfg, true
}

func newLogger(out io.Writer, cfg config.LoggingConfig) *slog.Logger {
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	return slog.New(observability.NewCaptureLogHandler(handler))
}

func openTraceStore(cfg config.Config) (trace.TraceStore, error) {
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case config.StorageDriverSQLite:
		return trace.NewSQLiteStore(cfg.Storage.Path)
	case config.StorageDriverPostgres:
		return trace.NewPostgresStore(cfg.Storage.DSN)
	case config.StorageDriverFile:
		return trace.NewFileStore(cfg.Storage.Path)
	case config.StorageDriverMemory:
		return trace.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

func closeTraceStore(store trace.TraceStore) error {
	if store == nil {
		return nil
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func closeTraceStoreWithWarning(store trace.TraceStore, errOut io.Writer) {
	if err := closeTraceStore(store); err != nil {
		fmt.Fprintf(errOut, "warning: failed to close trace store: %v\n", err)
	}
}

// openConfiguredStore loads config and opens its trace store, reporting
// failures to errOut. The caller closes the store.
func openConfiguredStore(configPath string, errOut io.Writer) (config.Config, trace.TraceStore, bool) {
	cfg, ok := loadConfigOrReport(configPath, errOut)
	if !ok {
		return config.Config{}, nil, false
	}
	store, err := openTraceStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to open %s trace store: %v\n", cfg.Storage.Driver, err)
		return config.Config{}, nil, false
	}
	return cfg, store, true
}

func newAuthorizer(cfg config.AuthConfig) (*auth.Authorizer, error) {
	keys := make([]auth.KeyConfig, 0, len(cfg.Keys))
	for _, key := range cfg.Keys {
		keys = append(keys, auth.KeyConfig{
			ID:          key.ID,
			Token:       key.Token,
			TokenHash:   key.TokenHash,
			Role:        key.Role,
			Permissions: key.Permissions,
		})
	}
	return auth.NewAuthorizer(auth.Options{
		Enabled: cfg.Enabled,
		Header:  cfg.Header,
		Keys:    keys,
	})
}

// auditLogger logs denied API requests without the presented key.
func auditLogger(logger *slog.Logger) auth.AuditRecorder {
	return func(r *http.Request, event auth.AuditEvent) {
		logger.WarnContext(
			r.Context(),
			"api request denied",
			"reason", event.Reason,
			"status", event.StatusCode,
			"method", event.Method,
			"path", event.Path,
			"action", event.Resource+":"+event.Action,
			"required_permission", string(event.RequiredPermission),
			"key_id", event.KeyID,
		)
	}
}

var errAgentNotConfigured = errors.New("agent.command is empty; set agent.command or agent.mode=openai")

// buildAgentFunc resolves the configured system under test.
func buildAgentFunc(cfg config.AgentConfig) (golden.AgentFunc, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case config.AgentModeCommand:
		if len(cfg.Command) == 0 {
			return nil, errAgentNotConfigured
		}
		return agentfn.Command(cfg.Command, timeout)
	case config.AgentModeOpenAI:
		return agentfn.OpenAI(agentfn.OpenAIConfig{
			BaseURL:      cfg.OpenAI.BaseURL,
			APIKey:       cfg.OpenAI.APIKey(),
			Model:        cfg.OpenAI.Model,
			SystemPrompt: cfg.OpenAI.SystemPrompt,
			Timeout:      timeout,
		})
	default:
		return nil, fmt.Errorf("unsupported agent.mode %q", cfg.Mode)
	}
}

func writeJSONOutput(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// stringListFlag collects a repeatable string flag.
type stringListFlag []string

func (f *stringListFlag) String() string {
	return strings.Join(*f, ",")
}

func (f *stringListFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}

// overridesFlag collects repeatable SPAN=VALUE replay overrides. VALUE is
// parsed as JSON; anything that is not valid JSON is taken as a string.
type overridesFlag map[string]trace.Value

func (f overridesFlag) String() string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	return strings.Join(names, ",")
}

func (f overridesFlag) Set(raw string) error {
	name, value, ok := strings.Cut(raw, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("override %q must be SPAN=VALUE", raw)
	}
	var parsed trace.Value
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = trace.String(value)
	}
	f[name] = parsed
	return nil
}

func formatSuccess(success *bool) string {
	if success == nil {
		return "-"
	}
	if *success {
		return "yes"
	}
	return "no"
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}
