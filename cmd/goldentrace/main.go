package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ongoingai/goldentrace/internal/api"
	"github.com/ongoingai/goldentrace/internal/config"
	"github.com/ongoingai/goldentrace/internal/observability"
	"github.com/ongoingai/goldentrace/internal/replay"
	"github.com/ongoingai/goldentrace/internal/trace"
	"github.com/ongoingai/goldentrace/internal/version"
)

const defaultConfigPath = "goldentrace.yaml"

const traceWriterShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	return runWithIO(args, os.Stdout, os.Stderr)
}

func runWithIO(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Fprintln(out, version.String())
		return 0
	case "serve":
		return runServe(args[1:], out, errOut)
	case "config":
		return runConfig(args[1:], out, errOut)
	case "traces":
		return runTraces(args[1:], out, errOut)
	case "replay":
		return runReplay(args[1:], out, errOut)
	case "diff":
		return runDiff(args[1:], out, errOut)
	case "golden":
		return runGolden(args[1:], out, errOut)
	case "help", "--help", "-h":
		printUsage(out)
		return 0
	default:
		printUsage(errOut)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runServe(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "serve does not accept positional arguments")
		return 2
	}

	cfg, ok := loadConfigOrReport(*configPath, errOut)
	if !ok {
		return 1
	}

	logger := newLogger(out, cfg.Logging)
	otelRuntime, otelErr := observability.Setup(
		context.Background(),
		cfg.Observability.OTel,
		version.String(),
		logger,
		observability.WithExportRedaction(cfg.Capture.RedactExports),
	)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	traceStore, err := openTraceStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize %s storage: %v\n", cfg.Storage.Driver, err)
		return 1
	}
	defer func() {
		if err := closeTraceStore(traceStore); err != nil {
			logger.Error("failed to close trace storage", "error", err)
		}
	}()

	authorizer, err := newAuthorizer(cfg.Auth)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize api auth: %v\n", err)
		return 1
	}

	traceWriter := trace.NewWriter(traceStore, cfg.Capture.WriteQueueSize, logger)
	attachTraceWriterHooks(logger, traceWriter, otelRuntime)
	traceWriter.Start(context.Background())
	defer shutdownTraceWriter(logger, traceWriter, traceWriterShutdownTimeout)

	routerOptions := api.RouterOptions{
		AppVersion:    version.String(),
		Store:         traceStore,
		StorageDriver: cfg.Storage.Driver,
		StoragePath:   cfg.Storage.Path,
		Writer:        traceWriter,
		Replayer: replay.New(
			replay.WithLogger(logger),
			replay.WithDivergenceHook(otelRuntime.RecordReplayDivergence),
		),
		Logger:         logger,
		Authorizer:     authorizer,
		AuditRecorder:  auditLogger(logger),
		AllowedOrigins: cfg.Server.CORSAllowedOrigins,
	}
	if otelRuntime.Enabled() {
		routerOptions.Exporter = otelRuntime
	}
	server := newAPIServer(cfg, logger, otelRuntime, api.NewRouter(routerOptions))

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"storage_driver", cfg.Storage.Driver,
		"write_queue_size", cfg.Capture.WriteQueueSize,
		"redact_exports", cfg.Capture.RedactExports,
		"auth_enabled", authorizer.Enabled(),
		"config_path", *configPath,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("goldentrace stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("goldentrace server failed", "error", err)
			return 1
		}
		return 0
	}
}

// newAPIServer layers request logging outside the OTel handler so logged
// lines carry the server span.
func newAPIServer(cfg config.Config, logger *slog.Logger, otelRuntime *observability.Runtime, handler http.Handler) *http.Server {
	handler = otelRuntime.SpanEnrichmentMiddleware(handler)
	handler = api.LoggingMiddleware(logger, handler)
	handler = otelRuntime.WrapHTTPHandler(handler)
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

func attachTraceWriterHooks(logger *slog.Logger, writer *trace.Writer, otelRuntime *observability.Runtime) {
	if writer == nil {
		return
	}
	if otelRuntime.Enabled() {
		writer.SetMetrics(otelRuntime.WriterMetrics())
	}
	if logger == nil {
		return
	}
	// The writer logs the failed flush; each dropped trace gets its own line
	// so it can be resubmitted by trace id and matched by content hash.
	writer.SetWriteFailureHandler(func(failure trace.WriteFailure) {
		for _, drop := range failure.Dropped {
			logger.Warn(
				"dropped trace record",
				"trace_id", drop.TraceID,
				"agent_id", drop.AgentID,
				"content_hash", drop.ContentHash,
				"operation", strings.TrimSpace(failure.Operation),
				"error_class", drop.ErrorClass,
			)
		}
	})
}

func shutdownTraceWriter(logger *slog.Logger, writer *trace.Writer, timeout time.Duration) {
	if writer == nil {
		return
	}

	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := writer.Shutdown(shutdownCtx); err != nil {
		if logger != nil {
			logger.Error(
				"failed to flush pending traces before shutdown",
				"error", err,
				"timeout", timeout.String(),
			)
		}
		return
	}

	if logger != nil {
		logger.Info("flushed pending traces before shutdown", "duration_ms", time.Since(start).Milliseconds())
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  goldentrace version")
	fmt.Fprintln(out, "  goldentrace config validate [--config path/to/goldentrace.yaml]")
	fmt.Fprintln(out, "  goldentrace serve [--config path/to/goldentrace.yaml]")
	fmt.Fprintln(out, "  goldentrace traces list [--config PATH] [--agent ID] [--limit N] [--format text|json]")
	fmt.Fprintln(out, "  goldentrace traces show [--config PATH] [--redact] [--format text|json] TRACE_ID")
	fmt.Fprintln(out, "  goldentrace traces delete [--config PATH] TRACE_ID")
	fmt.Fprintln(out, "  goldentrace traces import [--config PATH] FILE|- [FILE...]")
	fmt.Fprintln(out, "  goldentrace replay [--config PATH] [--override SPAN=JSON]... [--redact] [--format text|json] TRACE_ID")
	fmt.Fprintln(out, "  goldentrace diff [--config PATH] [--redact] [--format text|json] TRACE_A TRACE_B")
	fmt.Fprintln(out, "  goldentrace golden mark [--config PATH] [--suite PATH] [--name NAME] [--expected TEXT] [--tolerance F] [--label L]... [--source production|synthetic] TRACE_ID")
	fmt.Fprintln(out, "  goldentrace golden run [--config PATH] [--suite PATH] [--parallel N] [--format text|json]")
	fmt.Fprintln(out, "  goldentrace golden curate [--config PATH] [--suite PATH] --max N [--strategy diverse|first] [--out PATH]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  goldentrace config validate [--config path/to/goldentrace.yaml]")
}
