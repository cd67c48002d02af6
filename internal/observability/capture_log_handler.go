package observability

import (
	"context"
	"log/slog"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ongoingai/goldentrace/internal/trace"
)

// captureLogHandler annotates records logged during an agent run. A
// recording OpenTelemetry span adds otel.trace_id and otel.span_id; a capture
// in the context adds a "capture" group with its trace id, agent id and the
// innermost open span.
type captureLogHandler struct {
	inner slog.Handler
}

// NewCaptureLogHandler wraps inner, or slog.Default().Handler() when nil.
func NewCaptureLogHandler(inner slog.Handler) slog.Handler {
	if inner == nil {
		inner = slog.Default().Handler()
	}
	return &captureLogHandler{inner: inner}
}

func (h *captureLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *captureLogHandler) Handle(ctx context.Context, record slog.Record) error {
	record.AddAttrs(contextAttrs(ctx)...)
	return h.inner.Handle(ctx, record)
}

func (h *captureLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &captureLogHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *captureLogHandler) WithGroup(name string) slog.Handler {
	return &captureLogHandler{inner: h.inner.WithGroup(name)}
}

func contextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if span := oteltrace.SpanFromContext(ctx); span.IsRecording() {
		if sc := span.SpanContext(); sc.IsValid() {
			attrs = append(attrs, slog.Group("otel",
				slog.String("trace_id", sc.TraceID().String()),
				slog.String("span_id", sc.SpanID().String()),
			))
		}
	}

	capture := trace.CaptureFromContext(ctx)
	if capture == nil {
		return attrs
	}
	fields := []any{
		slog.String("trace_id", capture.TraceID()),
		slog.String("agent_id", capture.Trace().AgentID),
	}
	if span, ok := capture.Current(); ok {
		fields = append(fields,
			slog.String("span", span.Name),
			slog.String("span_kind", string(span.Kind)),
			slog.Int("depth", capture.Depth()),
		)
	}
	return append(attrs, slog.Group("capture", fields...))
}
