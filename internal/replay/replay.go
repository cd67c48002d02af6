// Package replay walks recorded traces without re-running any tool or model,
// and diffs two traces span by span.
package replay

import (
	"fmt"
	"log/slog"

	"github.com/ongoingai/goldentrace/internal/trace"
)

type DiffKind string

const (
	DiffMissingSpan    DiffKind = "MISSING_SPAN"
	DiffExtraSpan      DiffKind = "EXTRA_SPAN"
	DiffOutputMismatch DiffKind = "OUTPUT_MISMATCH"
	DiffStatusChange   DiffKind = "STATUS_CHANGE"

	// Reserved. Neither Replay nor Diff emits these.
	DiffCostDivergence      DiffKind = "COST_DIVERGENCE"
	DiffCallOrderDivergence DiffKind = "CALL_ORDER_DIVERGENCE"
)

// DiffRecord describes one divergence. Position is the span index in the
// trace the record refers to.
type DiffRecord struct {
	Kind        DiffKind    `json:"kind"`
	Position    int         `json:"position"`
	SpanName    string      `json:"span_name"`
	Expected    trace.Value `json:"expected"`
	Actual      trace.Value `json:"actual"`
	Description string      `json:"description"`
}

// Step is the replay of one recorded span. Output is the override when one
// was supplied, otherwise the recorded output.
type Step struct {
	Position   int            `json:"position"`
	SpanID     string         `json:"span_id"`
	SpanName   string         `json:"span_name"`
	Kind       trace.SpanKind `json:"kind"`
	Executed   bool           `json:"executed"`
	Overridden bool           `json:"overridden"`
	Diverged   bool           `json:"diverged"`
	Output     trace.Value    `json:"output"`
}

type Result struct {
	TraceID         string       `json:"trace_id"`
	Steps           []Step       `json:"steps"`
	StepsExecuted   int          `json:"steps_executed"`
	StepsTotal      int          `json:"steps_total"`
	Success         bool         `json:"success"`
	Divergences     []DiffRecord `json:"divergences"`
	DivergencePoint string       `json:"divergence_point,omitempty"`
}

func (r *Result) HasDivergence() bool {
	return len(r.Divergences) > 0
}

// Redact scrubs credentials and emails from step outputs and divergence
// payloads in place.
func (r *Result) Redact() {
	for i := range r.Steps {
		r.Steps[i].Output = trace.RedactValue(r.Steps[i].Output)
	}
	for i := range r.Divergences {
		r.Divergences[i] = r.Divergences[i].Redacted()
	}
}

// Redacted returns a copy of d with scrubbed payloads.
func (d DiffRecord) Redacted() DiffRecord {
	d.Expected = trace.RedactValue(d.Expected)
	d.Actual = trace.RedactValue(d.Actual)
	return d
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithDivergenceHook registers a callback invoked for every divergence Replay finds.
func WithDivergenceHook(fn func(DiffRecord)) Option {
	return func(e *Engine) {
		e.onDivergence = fn
	}
}

// Engine holds no per-call state and is safe for concurrent use.
type Engine struct {
	logger       *slog.Logger
	onDivergence func(DiffRecord)
}

func New(opts ...Option) *Engine {
	e := &Engine{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Replay walks t's spans in recorded order. A span diverges when its
// recorded status is ERROR or TIMEOUT, or when overrides holds a value for
// its name that differs from the recorded output. A span can yield both.
func (e *Engine) Replay(t *trace.Trace, overrides map[string]trace.Value) *Result {
	result := &Result{
		StepsTotal: 0,
		Success:    true,
	}
	if t == nil {
		return result
	}
	result.TraceID = t.TraceID
	result.StepsTotal = len(t.Spans)
	result.Steps = make([]Step, 0, len(t.Spans))

	for i, span := range t.Spans {
		step := Step{
			Position: i,
			SpanID:   span.SpanID,
			SpanName: span.Name,
			Kind:     span.Kind,
			Executed: true,
			Output:   span.OutputData,
		}

		var found []DiffRecord
		if span.Status == trace.SpanStatusError || span.Status == trace.SpanStatusTimeout {
			found = append(found, DiffRecord{
				Kind:        DiffStatusChange,
				Position:    i,
				SpanName:    span.Name,
				Expected:    trace.String(string(trace.SpanStatusOK)),
				Actual:      trace.String(string(span.Status)),
				Description: statusDescription(span),
			})
		}
		if override, ok := overrides[span.Name]; ok {
			step.Output = override
			step.Overridden = true
			if !override.Equal(span.OutputData) {
				found = append(found, DiffRecord{
					Kind:        DiffOutputMismatch,
					Position:    i,
					SpanName:    span.Name,
					Expected:    span.OutputData,
					Actual:      override,
					Description: fmt.Sprintf("span %q output override differs from recorded output", span.Name),
				})
			}
		}

		if len(found) > 0 {
			step.Diverged = true
			if result.DivergencePoint == "" {
				result.DivergencePoint = span.Name
			}
			result.Divergences = append(result.Divergences, found...)
			for _, record := range found {
				if e.onDivergence != nil {
					e.onDivergence(record)
				}
			}
		}
		result.Steps = append(result.Steps, step)
		result.StepsExecuted++
	}

	result.Success = !result.HasDivergence()
	e.logger.Debug("trace replayed",
		"trace_id", t.TraceID,
		"steps", result.StepsTotal,
		"divergences", len(result.Divergences),
		"divergence_point", result.DivergencePoint,
	)
	return result
}

func statusDescription(span *trace.Span) string {
	if span.Error == "" {
		return fmt.Sprintf("span %q recorded status %s", span.Name, span.Status)
	}
	return fmt.Sprintf("span %q recorded status %s: %s", span.Name, span.Status, span.Error)
}

// Diff compares a and b position by position. Spans present only in a are
// MISSING_SPAN, only in b EXTRA_SPAN. When names at the same position
// differ, a's span is reported missing and b's span extra. Same-named spans
// with unequal outputs are OUTPUT_MISMATCH. Diff of a trace with itself is empty.
func (e *Engine) Diff(a, b *trace.Trace) []DiffRecord {
	var left, right []*trace.Span
	if a != nil {
		left = a.Spans
	}
	if b != nil {
		right = b.Spans
	}

	records := make([]DiffRecord, 0)
	shared := min(len(left), len(right))
	for i := 0; i < shared; i++ {
		sa, sb := left[i], right[i]
		if sa.Name != sb.Name {
			records = append(records, missingRecord(i, sa), extraRecord(i, sb))
			continue
		}
		if !sa.OutputData.Equal(sb.OutputData) {
			records = append(records, DiffRecord{
				Kind:        DiffOutputMismatch,
				Position:    i,
				SpanName:    sa.Name,
				Expected:    sa.OutputData,
				Actual:      sb.OutputData,
				Description: fmt.Sprintf("span %q output differs at position %d", sa.Name, i),
			})
		}
	}
	for i := shared; i < len(left); i++ {
		records = append(records, missingRecord(i, left[i]))
	}
	for i := shared; i < len(right); i++ {
		records = append(records, extraRecord(i, right[i]))
	}

	if len(records) > 0 {
		var aID, bID string
		if a != nil {
			aID = a.TraceID
		}
		if b != nil {
			bID = b.TraceID
		}
		e.logger.Debug("traces differ", "trace_a", aID, "trace_b", bID, "records", len(records))
	}
	return records
}

func missingRecord(position int, span *trace.Span) DiffRecord {
	return DiffRecord{
		Kind:        DiffMissingSpan,
		Position:    position,
		SpanName:    span.Name,
		Expected:    span.OutputData,
		Description: fmt.Sprintf("span %q at position %d is missing from the second trace", span.Name, position),
	}
}

func extraRecord(position int, span *trace.Span) DiffRecord {
	return DiffRecord{
		Kind:        DiffExtraSpan,
		Position:    position,
		SpanName:    span.Name,
		Actual:      span.OutputData,
		Description: fmt.Sprintf("span %q at position %d is not in the first trace", span.Name, position),
	}
}
