package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ongoingai/goldentrace/internal/redact"
)

// redactingExporter runs every outgoing span through redact.Redact: names,
// string and string-slice attributes, events, links and the status
// description. Spans with nothing to redact are forwarded as is.
type redactingExporter struct {
	next sdktrace.SpanExporter
}

func newRedactingExporter(next sdktrace.SpanExporter) sdktrace.SpanExporter {
	return &redactingExporter{next: next}
}

func (e *redactingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	var out []sdktrace.ReadOnlySpan
	for i, span := range spans {
		cleaned, changed := redactSpan(span)
		if !changed {
			continue
		}
		if out == nil {
			out = append([]sdktrace.ReadOnlySpan(nil), spans...)
		}
		out[i] = cleaned
	}
	if out == nil {
		out = spans
	}
	return e.next.ExportSpans(ctx, out)
}

func (e *redactingExporter) Shutdown(ctx context.Context) error {
	return e.next.Shutdown(ctx)
}

func redactSpan(span sdktrace.ReadOnlySpan) (sdktrace.ReadOnlySpan, bool) {
	stub := tracetest.SpanStubFromReadOnlySpan(span)
	changed := false
	text := func(s string) string {
		cleaned := redact.Redact(s)
		if cleaned != s {
			changed = true
		}
		return cleaned
	}
	attrs := func(in []attribute.KeyValue) []attribute.KeyValue {
		out, ok := redactAttributes(in)
		if ok {
			changed = true
		}
		return out
	}

	stub.Name = text(stub.Name)
	stub.Attributes = attrs(stub.Attributes)
	if len(stub.Events) > 0 {
		events := make([]sdktrace.Event, len(stub.Events))
		for i, event := range stub.Events {
			event.Name = text(event.Name)
			event.Attributes = attrs(event.Attributes)
			events[i] = event
		}
		stub.Events = events
	}
	if len(stub.Links) > 0 {
		links := make([]sdktrace.Link, len(stub.Links))
		for i, link := range stub.Links {
			link.Attributes = attrs(link.Attributes)
			links[i] = link
		}
		stub.Links = links
	}
	stub.Status.Description = text(stub.Status.Description)

	if !changed {
		return span, false
	}
	return stub.Snapshot(), true
}

// redactAttributes copies attrs only when a value changes.
func redactAttributes(attrs []attribute.KeyValue) ([]attribute.KeyValue, bool) {
	var out []attribute.KeyValue
	for i, kv := range attrs {
		cleaned, changed := redactAttribute(kv)
		if !changed {
			continue
		}
		if out == nil {
			out = append([]attribute.KeyValue(nil), attrs...)
		}
		out[i] = cleaned
	}
	if out == nil {
		return attrs, false
	}
	return out, true
}

func redactAttribute(kv attribute.KeyValue) (attribute.KeyValue, bool) {
	switch kv.Value.Type() {
	case attribute.STRING:
		value := kv.Value.AsString()
		cleaned := redact.Redact(value)
		if cleaned == value {
			return kv, false
		}
		return kv.Key.String(cleaned), true
	case attribute.STRINGSLICE:
		values := kv.Value.AsStringSlice()
		changed := false
		for i, value := range values {
			if cleaned := redact.Redact(value); cleaned != value {
				values[i] = cleaned
				changed = true
			}
		}
		if !changed {
			return kv, false
		}
		return kv.Key.StringSlice(values), true
	default:
		return kv, false
	}
}
