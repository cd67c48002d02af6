package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/goldentrace/internal/auth"
	"github.com/ongoingai/goldentrace/internal/replay"
	"github.com/ongoingai/goldentrace/internal/trace"
)

// TraceExporter receives every ingested trace, typically an OpenTelemetry runtime.
type TraceExporter interface {
	ExportTrace(ctx context.Context, t *trace.Trace) error
}

type RouterOptions struct {
	AppVersion    string
	Store         trace.TraceStore
	StorageDriver string
	StoragePath   string
	// Writer queues ingested traces. Without one, ingest saves synchronously.
	Writer   *trace.Writer
	Replayer *replay.Engine
	Exporter TraceExporter
	Logger   *slog.Logger
	// Authorizer gates /api routes. Nil or disabled leaves the API open.
	Authorizer    *auth.Authorizer
	AuditRecorder auth.AuditRecorder
	// AllowedOrigins lists browser origins that receive CORS headers.
	AllowedOrigins []string
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	replayer := options.Replayer
	if replayer == nil {
		replayer = replay.New(replay.WithLogger(logger))
	}

	var diagnostics WriterDiagnosticsReader
	if options.Writer != nil {
		diagnostics = options.Writer
	}

	mux := http.NewServeMux()
	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		StoragePath:   options.StoragePath,
		Store:         options.Store,
		Writer:        diagnostics,
	}))
	mux.Handle("/api/traces", TracesHandler(options.Store, IngestOptions{
		Writer:   options.Writer,
		Exporter: options.Exporter,
		Logger:   logger,
	}))
	mux.Handle("/api/traces/", TraceDetailHandler(options.Store, replayer))
	mux.Handle("/api/diff", DiffHandler(options.Store, replayer))
	mux.Handle("/api/diagnostics/trace-pipeline", WriterDiagnosticsHandler(diagnostics))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "goldentrace",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return withCORS(options.AllowedOrigins, options.Authorizer.HeaderName(), auth.Middleware(options.Authorizer, options.AuditRecorder, mux))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, method := range methods {
		if r.Method == method {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(append(methods, http.MethodOptions), ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

// withCORS answers preflights and sets CORS headers only for allowed origins.
// A "*" entry allows any origin.
func withCORS(allowedOrigins []string, authHeader string, next http.Handler) http.Handler {
	allowAny := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			allowAny = true
			continue
		}
		if origin != "" {
			allowed[origin] = struct{}{}
		}
	}
	allowHeaders := "Content-Type, Authorization"
	if authHeader != "" {
		allowHeaders += ", " + authHeader
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Add("Vary", "Origin")
			if _, ok := allowed[origin]; ok || allowAny {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
