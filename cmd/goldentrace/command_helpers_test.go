package main

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ongoingai/goldentrace/internal/auth"
	"github.com/ongoingai/goldentrace/internal/config"
	"github.com/ongoingai/goldentrace/internal/trace"
)

func TestNormalizeTextJSONFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "default", raw: "", want: "text"},
		{name: "json mixed case", raw: " JSON ", want: "json"},
		{name: "text", raw: "text", want: "text"},
		{name: "invalid", raw: "yaml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := normalizeTextJSONFormat("traces list", tt.raw, "text")
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), "invalid traces list format") {
					t.Fatalf("err=%v, want invalid format error", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("normalizeTextJSONFormat(%q)=%q,%v, want %q", tt.raw, got, err, tt.want)
			}
		})
	}
}

func TestOverridesFlagParsesJSONWithStringFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		span    string
		want    trace.Value
		wantErr bool
	}{
		{raw: `lookup={"order":42}`, span: "lookup", want: trace.Map(map[string]trace.Value{"order": trace.Int(42)})},
		{raw: "count=3", span: "count", want: trace.Int(3)},
		{raw: "flag=true", span: "flag", want: trace.Bool(true)},
		{raw: "empty=null", span: "empty", want: trace.Null()},
		{raw: "reply=hello world", span: "reply", want: trace.String("hello world")},
		{raw: "eq=a=b", span: "eq", want: trace.String("a=b")},
		{raw: "blank=", span: "blank", want: trace.String("")},
		{raw: "no-separator", wantErr: true},
		{raw: " =1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()

			f := overridesFlag{}
			err := f.Set(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Set(%q) succeeded, want error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("Set(%q) error: %v", tt.raw, err)
			}
			got, ok := f[tt.span]
			if !ok || !got.Equal(tt.want) {
				t.Fatalf("override[%q]=%s, want %s", tt.span, got, tt.want)
			}
		})
	}
}

func TestOpenTraceStoreByDriver(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		storage config.StorageConfig
		wantErr string
	}{
		{name: "memory", storage: config.StorageConfig{Driver: config.StorageDriverMemory}},
		{name: "file", storage: config.StorageConfig{Driver: config.StorageDriverFile, Path: filepath.Join(t.TempDir(), "traces")}},
		{name: "sqlite", storage: config.StorageConfig{Driver: config.StorageDriverSQLite, Path: filepath.Join(t.TempDir(), "traces.db")}},
		{name: "unsupported", storage: config.StorageConfig{Driver: "mongodb"}, wantErr: "unsupported storage.driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.Default()
			cfg.Storage = tt.storage
			store, err := openTraceStore(cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err=%v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("openTraceStore() error: %v", err)
			}
			t.Cleanup(func() {
				if err := closeTraceStore(store); err != nil {
					t.Errorf("closeTraceStore() error: %v", err)
				}
			})

			ctx := t.Context()
			tr := buildTestTrace(t, "trace-"+tt.name, "support-bot", "task", "done")
			if err := store.Save(ctx, tr); err != nil {
				t.Fatalf("Save() error: %v", err)
			}
			loaded, found, err := store.Load(ctx, tr.TraceID)
			if err != nil || !found || loaded.ContentHash() != tr.ContentHash() {
				t.Fatalf("Load() found=%v err=%v, want saved trace back", found, err)
			}
		})
	}
}

func TestBuildAgentFunc(t *testing.T) {
	t.Parallel()

	if _, err := buildAgentFunc(config.AgentConfig{Mode: config.AgentModeCommand}); !errors.Is(err, errAgentNotConfigured) {
		t.Fatalf("empty command err=%v, want errAgentNotConfigured", err)
	}
	if _, err := buildAgentFunc(config.AgentConfig{Mode: "grpc"}); err == nil || !strings.Contains(err.Error(), "unsupported agent.mode") {
		t.Fatalf("unknown mode err=%v, want unsupported agent.mode", err)
	}

	agent, err := buildAgentFunc(config.AgentConfig{Mode: config.AgentModeCommand, Command: []string{"sh", "-c", "cat >/dev/null; echo '  pong  '"}})
	if err != nil {
		t.Fatalf("command agent error: %v", err)
	}
	got, err := agent(t.Context(), buildTestTrace(t, "trace-agent", "support-bot", "ping", "pong").Record())
	if err != nil || got != "pong" {
		t.Fatalf("agent()=%q,%v, want trimmed pong", got, err)
	}

	openAIAgent, err := buildAgentFunc(config.AgentConfig{
		Mode:   config.AgentModeOpenAI,
		OpenAI: config.OpenAIAgentConfig{BaseURL: "http://127.0.0.1:1/v1", Model: "gpt-4o-mini"},
	})
	if err != nil || openAIAgent == nil {
		t.Fatalf("openai agent=%v err=%v, want constructed agent", openAIAgent != nil, err)
	}
}

func TestNewAuthorizerFromConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Auth
	authorizer, err := newAuthorizer(cfg)
	if err != nil || authorizer.Enabled() {
		t.Fatalf("default auth enabled=%v err=%v, want disabled", authorizer.Enabled(), err)
	}

	cfg.Enabled = true
	cfg.Header = "X-Team-Key"
	cfg.Keys = []config.APIKeyConfig{{ID: "ci", TokenHash: auth.HashToken("ci-secret"), Role: "ingest"}}
	authorizer, err = newAuthorizer(cfg)
	if err != nil {
		t.Fatalf("newAuthorizer() error: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/traces", nil)
	req.Header.Set("X-Team-Key", "ci-secret")
	identity, err := authorizer.Authenticate(req)
	if err != nil || identity.KeyID != "ci" || !identity.HasPermission(auth.PermissionTracesWrite) {
		t.Fatalf("identity=%+v err=%v, want ci key with write access", identity, err)
	}

	cfg.Keys = []config.APIKeyConfig{{ID: "ci", Token: "x", Permissions: []string{"goldens:run"}}}
	if _, err := newAuthorizer(cfg); err == nil || !strings.Contains(err.Error(), "unknown permission") {
		t.Fatalf("err=%v, want unknown permission", err)
	}
}

func TestAuditLoggerOmitsToken(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	req := httptest.NewRequest(http.MethodDelete, "/api/traces/t-1", nil)
	req.Header.Set(auth.DefaultHeaderName, "viewer-secret")
	auditLogger(logger)(req, auth.AuditEvent{
		Reason:             "permission_denied",
		StatusCode:         http.StatusForbidden,
		Method:             http.MethodDelete,
		Path:               "/api/traces/t-1",
		Resource:           "traces",
		Action:             "delete",
		RequiredPermission: auth.PermissionTracesDelete,
		KeyID:              "reviewer",
	})

	got := logs.String()
	for _, want := range []string{`"msg":"api request denied"`, `"reason":"permission_denied"`, `"key_id":"reviewer"`, `"action":"traces:delete"`} {
		if !strings.Contains(got, want) {
			t.Fatalf("logs=%s, want %s", got, want)
		}
	}
	if strings.Contains(got, "viewer-secret") {
		t.Fatalf("logs=%s, want token omitted", got)
	}
}
