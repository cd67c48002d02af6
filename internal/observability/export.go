package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ongoingai/goldentrace/internal/trace"
)

// ExportTrace replays a captured trace into OpenTelemetry spans. Recorded
// timestamps and the parent tree are preserved under a synthetic task span.
// Payloads and attributes are redacted first when export redaction is on.
func (r *Runtime) ExportTrace(ctx context.Context, t *trace.Trace) error {
	if !r.Enabled() || t == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if r.redactExports {
		redacted, err := trace.FromRecord(t.Record(trace.Redacted()))
		if err != nil {
			return fmt.Errorf("redact trace %s for export: %w", t.TraceID, err)
		}
		t = redacted
	}
	exportSpans(ctx, otel.Tracer(instrumentationName), t)
	return nil
}

func exportSpans(ctx context.Context, tracer oteltrace.Tracer, t *trace.Trace) {
	traceEnd := maxTime(t.EndTime, t.StartTime)

	rootAttrs := []attribute.KeyValue{
		attribute.String("goldentrace.trace_id", t.TraceID),
		attribute.String("goldentrace.agent_id", t.AgentID),
		attribute.String("goldentrace.task_input", t.TaskInput),
		attribute.String("goldentrace.task_output", t.TaskOutput),
		attribute.String("goldentrace.content_hash", t.ContentHash()),
		attribute.Float64("goldentrace.total_cost_usd", t.TotalCostUSD()),
		attribute.Int("goldentrace.span_count", len(t.Spans)),
	}
	if t.Success != nil {
		rootAttrs = append(rootAttrs, attribute.Bool("goldentrace.success", *t.Success))
	}
	rootCtx, root := tracer.Start(ctx, "agent_task "+t.AgentID,
		oteltrace.WithTimestamp(t.StartTime),
		oteltrace.WithAttributes(rootAttrs...),
	)
	if t.Success != nil && !*t.Success {
		root.SetStatus(codes.Error, "task failed")
	}

	parents := make(map[string]context.Context, len(t.Spans))
	for _, node := range t.TreeOrder() {
		span := node.Span
		parentCtx := rootCtx
		if pc, ok := parents[span.ParentID]; ok && span.ParentID != span.SpanID {
			parentCtx = pc
		}
		spanCtx, otelSpan := tracer.Start(parentCtx, span.Name,
			oteltrace.WithTimestamp(span.StartTime),
			oteltrace.WithSpanKind(otelSpanKind(span.Kind)),
			oteltrace.WithAttributes(spanAttributes(span)...),
		)
		if span.Status != trace.SpanStatusOK {
			description := string(span.Status)
			if span.Error != "" {
				description += ": " + span.Error
			}
			otelSpan.SetStatus(codes.Error, description)
		}
		parents[span.SpanID] = spanCtx

		end := traceEnd
		if span.Finished() {
			end = span.EndTime
		}
		if end.Before(span.StartTime) {
			end = span.StartTime
		}
		otelSpan.End(oteltrace.WithTimestamp(end))
	}

	root.End(oteltrace.WithTimestamp(traceEnd))
}

func spanAttributes(span *trace.Span) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("goldentrace.span_id", span.SpanID),
		attribute.String("goldentrace.span.kind", string(span.Kind)),
		attribute.String("goldentrace.span.status", string(span.Status)),
		attribute.Float64("goldentrace.span.cost_usd", span.CostUSD),
		attribute.String("goldentrace.span.input", span.InputData.String()),
		attribute.String("goldentrace.span.output", span.OutputData.String()),
	}
	for key, value := range span.Attributes {
		name := "goldentrace.attr." + key
		switch value.Kind() {
		case trace.KindBool:
			b, _ := value.AsBool()
			attrs = append(attrs, attribute.Bool(name, b))
		case trace.KindNumber:
			n, _ := value.AsNumber()
			attrs = append(attrs, attribute.Float64(name, n))
		case trace.KindString:
			s, _ := value.AsString()
			attrs = append(attrs, attribute.String(name, s))
		default:
			attrs = append(attrs, attribute.String(name, value.String()))
		}
	}
	return attrs
}

func otelSpanKind(kind trace.SpanKind) oteltrace.SpanKind {
	switch kind {
	case trace.SpanKindToolCall, trace.SpanKindLLMInference, trace.SpanKindDelegation:
		return oteltrace.SpanKindClient
	default:
		return oteltrace.SpanKindInternal
	}
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
