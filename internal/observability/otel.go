package observability

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ongoingai/goldentrace/internal/config"
	"github.com/ongoingai/goldentrace/internal/golden"
	"github.com/ongoingai/goldentrace/internal/replay"
	"github.com/ongoingai/goldentrace/internal/trace"
)

const (
	instrumentationName = "ongoingai.goldentrace"
)

// Runtime exposes OpenTelemetry HTTP wrappers, trace export and goldentrace
// metric hooks. A nil or disabled Runtime turns every method into a no-op.
type Runtime struct {
	enabled       bool
	redactExports bool

	traceQueueDroppedCounter metric.Int64Counter
	traceWriteFailedCounter  metric.Int64Counter
	suiteRunCounter          metric.Int64Counter
	goldenResultCounter      metric.Int64Counter
	replayDivergenceCounter  metric.Int64Counter
	suitePassRate            metric.Float64Histogram

	shutdownFns []func(context.Context) error
}

type SetupOption func(*setupOptions)

type setupOptions struct {
	redactExports bool
}

// WithExportRedaction scrubs credentials and emails from every exported span.
func WithExportRedaction(enabled bool) SetupOption {
	return func(o *setupOptions) { o.redactExports = enabled }
}

// Setup initializes OpenTelemetry providers and runtime hooks.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger, opts ...SetupOption) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var options setupOptions
	for _, opt := range opts {
		opt(&options)
	}

	runtime := &Runtime{redactExports: options.redactExports}
	if !cfg.Enabled {
		return runtime, nil
	}

	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond
	otlpEndpoint, inferredInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := cfg.Insecure
	if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
		// An explicit scheme wins over the insecure toggle.
		insecure = inferredInsecure
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if cfg.TracesEnabled {
		traceExporterOptions := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
		}
		var traceExporter sdktrace.SpanExporter
		traceExporter, err = otlptracehttp.New(ctx, traceExporterOptions...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}
		if options.redactExports {
			traceExporter = newRedactingExporter(traceExporter)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
	}

	if cfg.MetricsEnabled {
		metricExporterOptions := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(otlpEndpoint),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if insecure {
			metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}

		reader := sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(metricInterval),
			sdkmetric.WithTimeout(exportTimeout),
		)
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})
	runtime.initInstruments(otel.Meter(instrumentationName), logger)

	runtime.enabled = true
	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", otlpEndpoint,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_sampling_ratio", cfg.SamplingRatio,
			"otel_redact_exports", options.redactExports,
		)
	}

	return runtime, nil
}

func (r *Runtime) initInstruments(meter metric.Meter, logger *slog.Logger) {
	warn := func(name string, err error) {
		if err != nil && logger != nil {
			logger.Warn("failed to create opentelemetry instrument", "metric", name, "error", err)
		}
	}

	var err error
	r.traceQueueDroppedCounter, err = meter.Int64Counter(
		"goldentrace.trace.queue_dropped_total",
		metric.WithDescription("Count of traces dropped because the async trace queue was full."),
	)
	warn("goldentrace.trace.queue_dropped_total", err)

	r.traceWriteFailedCounter, err = meter.Int64Counter(
		"goldentrace.trace.write_failed_total",
		metric.WithDescription("Count of traces dropped after storage write failures."),
	)
	warn("goldentrace.trace.write_failed_total", err)

	r.suiteRunCounter, err = meter.Int64Counter(
		"goldentrace.golden.suite_runs_total",
		metric.WithDescription("Count of golden suite runs by CI outcome."),
	)
	warn("goldentrace.golden.suite_runs_total", err)

	r.goldenResultCounter, err = meter.Int64Counter(
		"goldentrace.golden.results_total",
		metric.WithDescription("Count of individual golden trace results by outcome."),
	)
	warn("goldentrace.golden.results_total", err)

	r.suitePassRate, err = meter.Float64Histogram(
		"goldentrace.golden.suite_pass_rate",
		metric.WithDescription("Pass rate of each golden suite run."),
	)
	warn("goldentrace.golden.suite_pass_rate", err)

	r.replayDivergenceCounter, err = meter.Int64Counter(
		"goldentrace.replay.divergences_total",
		metric.WithDescription("Count of replay divergences by kind."),
	)
	warn("goldentrace.replay.divergences_total", err)
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// WrapHTTPHandler wraps an inbound HTTP handler with OpenTelemetry spans.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(
		next,
		"goldentrace.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return serverSpanName(req.Method, req.URL.Path)
		}),
	)
}

// SpanEnrichmentMiddleware marks 5xx responses as span errors and tags the route.
func (r *Runtime) SpanEnrichmentMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusCapturingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, req)

		span := oteltrace.SpanFromContext(req.Context())
		if span == nil || !span.IsRecording() {
			return
		}

		statusCode := recorder.StatusCode()
		if statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("http %d", statusCode))
		}
		span.SetAttributes(attribute.String("goldentrace.route", routePatternForPath(req.URL.Path)))
	})
}

// WrapHTTPTransport wraps an outbound HTTP transport with OpenTelemetry spans.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(
		base,
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return clientSpanName(req.Method, req.URL.Path)
		}),
	)
}

// RecordTraceDrop counts a trace the writer will not store. Queue-full drops
// and write failures go to separate counters, both keyed by agent_id.
func (r *Runtime) RecordTraceDrop(drop trace.DroppedTrace) {
	if !r.Enabled() {
		return
	}
	agentAttr := attribute.String("agent_id", drop.AgentID)
	if drop.Reason == trace.DropQueueFull {
		if r.traceQueueDroppedCounter != nil {
			r.traceQueueDroppedCounter.Add(context.Background(), 1, metric.WithAttributes(agentAttr))
		}
		return
	}
	if r.traceWriteFailedCounter != nil {
		r.traceWriteFailedCounter.Add(
			context.Background(),
			1,
			metric.WithAttributes(agentAttr, attribute.String("error_class", strings.TrimSpace(drop.ErrorClass))),
		)
	}
}

// WriterMetrics adapts the runtime counters to trace.Writer hooks.
func (r *Runtime) WriterMetrics() trace.WriterMetrics {
	return trace.WriterMetrics{OnDrop: r.RecordTraceDrop}
}

// RecordSuiteRun records the outcome of a golden suite run.
func (r *Runtime) RecordSuiteRun(ctx context.Context, result golden.SuiteResult) {
	if !r.Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	suiteAttr := attribute.String("suite", result.Suite)
	if r.suiteRunCounter != nil {
		r.suiteRunCounter.Add(ctx, 1, metric.WithAttributes(suiteAttr, attribute.Bool("ci_passed", result.CIPassed)))
	}
	if r.suitePassRate != nil {
		r.suitePassRate.Record(ctx, result.PassRate, metric.WithAttributes(suiteAttr))
	}
	if r.goldenResultCounter != nil {
		if result.Passed > 0 {
			r.goldenResultCounter.Add(ctx, int64(result.Passed), metric.WithAttributes(suiteAttr, attribute.String("outcome", "passed")))
		}
		if result.Failed > 0 {
			r.goldenResultCounter.Add(ctx, int64(result.Failed), metric.WithAttributes(suiteAttr, attribute.String("outcome", "failed")))
		}
	}
}

// RecordReplayDivergence counts one replay divergence.
func (r *Runtime) RecordReplayDivergence(record replay.DiffRecord) {
	if !r.Enabled() || r.replayDivergenceCounter == nil {
		return
	}
	r.replayDivergenceCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(record.Kind))))
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

func routePatternForPath(path string) string {
	switch {
	case path == "/api/health":
		return "/api/health"
	case path == "/api/diff":
		return "/api/diff"
	case path == "/api/traces":
		return "/api/traces"
	case strings.HasPrefix(path, "/api/traces/") && strings.HasSuffix(path, "/replay"):
		return "/api/traces/{id}/replay"
	case strings.HasPrefix(path, "/api/traces/"):
		return "/api/traces/{id}"
	case path == "/api" || strings.HasPrefix(path, "/api/"):
		return "/api/*"
	default:
		return "/other"
	}
}

func serverSpanName(method, path string) string {
	return normalizedMethod(method) + " " + routePatternForPath(path)
}

func clientSpanName(method, path string) string {
	method = normalizedMethod(method)
	path = strings.TrimSpace(path)
	if path == "" {
		path = "/"
	}
	return "agent " + method + " " + path
}

func normalizedMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusCapturingResponseWriter) Unwrap() http.ResponseWriter {
	if w == nil {
		return nil
	}
	return w.ResponseWriter
}

func (w *statusCapturingResponseWriter) Header() http.Header {
	return w.ResponseWriter.Header()
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusCapturingResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusCapturingResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

func (w *statusCapturingResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusCapturingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}

func (w *statusCapturingResponseWriter) ReadFrom(r io.Reader) (int64, error) {
	readerFrom, ok := w.ResponseWriter.(io.ReaderFrom)
	if !ok {
		return io.Copy(w.ResponseWriter, r)
	}
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return readerFrom.ReadFrom(r)
}
