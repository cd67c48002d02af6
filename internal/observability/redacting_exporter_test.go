package observability

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ongoingai/goldentrace/internal/redact"
)

type spanSink struct {
	mu       sync.Mutex
	batches  [][]sdktrace.ReadOnlySpan
	shutdown bool
}

func (s *spanSink) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, spans)
	return nil
}

func (s *spanSink) Shutdown(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	return nil
}

func (s *spanSink) spans() []sdktrace.ReadOnlySpan {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sdktrace.ReadOnlySpan
	for _, batch := range s.batches {
		out = append(out, batch...)
	}
	return out
}

func TestRedactingExporterScrubsExportedAgentTrace(t *testing.T) {
	t.Parallel()

	sink := &spanSink{}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(newRedactingExporter(sink)))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	// Export without the record-level redaction so only the exporter scrubs.
	tr := exportFixture(t)
	exportSpans(context.Background(), tp.Tracer("test"), tr)

	byName := make(map[string]map[string]string)
	for _, span := range sink.spans() {
		byName[span.Name()] = spanAttrMap(span)
	}
	root, ok := byName["agent_task support-bot"]
	if !ok {
		t.Fatalf("exported spans=%v, want agent_task root", byName)
	}
	if got := root["goldentrace.task_input"]; got != "refund for "+redact.EmailSentinel {
		t.Fatalf("task_input=%q, want email redacted", got)
	}
	if got := root["goldentrace.content_hash"]; got != tr.ContentHash() {
		t.Fatalf("content_hash=%q, want %q", got, tr.ContentHash())
	}
	if got := byName["lookup_order"]["goldentrace.span.input"]; got != `"api_key=`+redact.Sentinel+`"` {
		t.Fatalf("lookup_order input=%q, want api key redacted", got)
	}
	if got := byName["plan"]["goldentrace.span.input"]; got != `"route the request"` {
		t.Fatalf("plan input=%q, want untouched", got)
	}
}

func TestRedactingExporterRewritesEverySurface(t *testing.T) {
	t.Parallel()

	spanContext := oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID: oteltrace.TraceID{7},
		SpanID:  oteltrace.SpanID{7},
	})
	stub := tracetest.SpanStub{
		Name:        "notify carol@example.com",
		SpanContext: spanContext,
		Attributes: []attribute.KeyValue{
			attribute.StringSlice("goldentrace.attr.recipients", []string{"carol@example.com", "ops"}),
			attribute.Int("goldentrace.span_count", 3),
			attribute.String("goldentrace.agent_id", "support-bot"),
		},
		Events: []sdktrace.Event{{
			Name:       "retry with token=abcdef123456",
			Time:       time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
			Attributes: []attribute.KeyValue{attribute.String("goldentrace.span.output", "Bearer abcdefgh12345678")},
		}},
		Links: []sdktrace.Link{{
			SpanContext: spanContext,
			Attributes:  []attribute.KeyValue{attribute.String("goldentrace.replay.source", "sk_live_abcdef123456")},
		}},
		Status: sdktrace.Status{Code: codes.Error, Description: "smtp password=hunter2 rejected"},
	}
	original := stub.Snapshot()

	sink := &spanSink{}
	if err := newRedactingExporter(sink).ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{original}); err != nil {
		t.Fatalf("ExportSpans() error: %v", err)
	}
	got := sink.spans()[0]

	if got.Name() != "notify "+redact.EmailSentinel {
		t.Fatalf("name=%q, want email redacted", got.Name())
	}
	wantAttrs := map[string]string{
		"goldentrace.attr.recipients": `["` + redact.EmailSentinel + `","ops"]`,
		"goldentrace.span_count":      "3",
		"goldentrace.agent_id":        "support-bot",
	}
	if diff := cmp.Diff(wantAttrs, spanAttrMap(got)); diff != "" {
		t.Fatalf("attributes mismatch (-want +got):\n%s", diff)
	}
	event := got.Events()[0]
	if event.Name != "retry with token="+redact.Sentinel || event.Attributes[0].Value.AsString() != "Bearer "+redact.Sentinel {
		t.Fatalf("event=%+v, want name and attribute redacted", event)
	}
	if link := got.Links()[0]; link.Attributes[0].Value.AsString() != redact.Sentinel {
		t.Fatalf("link attributes=%v, want provider key redacted", link.Attributes)
	}
	if status := got.Status(); status.Code != codes.Error || status.Description != "smtp password="+redact.Sentinel+" rejected" {
		t.Fatalf("status=%+v, want error with password redacted", status)
	}

	// The source span is left as it was.
	if original.Name() != "notify carol@example.com" || original.Attributes()[0].Value.AsStringSlice()[0] != "carol@example.com" {
		t.Fatalf("original span mutated: name=%q attrs=%v", original.Name(), original.Attributes())
	}
}

func TestRedactingExporterForwardsCleanBatchAsIs(t *testing.T) {
	t.Parallel()

	clean := tracetest.SpanStub{
		Name:       "golden.run nightly",
		Attributes: []attribute.KeyValue{attribute.String("goldentrace.agent_id", "support-bot")},
	}.Snapshot()
	batch := []sdktrace.ReadOnlySpan{clean}

	sink := &spanSink{}
	exporter := newRedactingExporter(sink)
	if err := exporter.ExportSpans(context.Background(), batch); err != nil {
		t.Fatalf("ExportSpans() error: %v", err)
	}
	if len(sink.batches) != 1 || &sink.batches[0][0] != &batch[0] {
		t.Fatal("clean batch was copied, want the caller's slice forwarded")
	}
	if err := exporter.Shutdown(context.Background()); err != nil || !sink.shutdown {
		t.Fatalf("Shutdown() err=%v forwarded=%v, want delegated", err, sink.shutdown)
	}
}
