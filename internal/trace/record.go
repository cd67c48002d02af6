package trace

import (
	"errors"
	"fmt"
	"time"

	"github.com/ongoingai/goldentrace/internal/redact"
)

var ErrInvalidRecord = errors.New("invalid trace record")

// Record is the serialized form of a Trace. Redacted and plain records share
// the same shape.
type Record struct {
	TraceID    string       `json:"trace_id" yaml:"trace_id"`
	AgentID    string       `json:"agent_id" yaml:"agent_id"`
	TaskInput  string       `json:"task_input" yaml:"task_input"`
	TaskOutput string       `json:"task_output" yaml:"task_output"`
	Success    *bool        `json:"success" yaml:"success"`
	StartTime  time.Time    `json:"start_time" yaml:"start_time"`
	EndTime    *time.Time   `json:"end_time" yaml:"end_time"`
	Spans      []SpanRecord `json:"spans" yaml:"spans"`
}

type SpanRecord struct {
	SpanID     string           `json:"span_id" yaml:"span_id"`
	ParentID   *string          `json:"parent_id" yaml:"parent_id"`
	Kind       SpanKind         `json:"kind" yaml:"kind"`
	Name       string           `json:"name" yaml:"name"`
	StartTime  time.Time        `json:"start_time" yaml:"start_time"`
	EndTime    *time.Time       `json:"end_time" yaml:"end_time"`
	Status     SpanStatus       `json:"status" yaml:"status"`
	InputData  Value            `json:"input_data" yaml:"input_data"`
	OutputData Value            `json:"output_data" yaml:"output_data"`
	CostUSD    float64          `json:"cost_usd" yaml:"cost_usd"`
	Error      string           `json:"error" yaml:"error"`
	Attributes map[string]Value `json:"attributes" yaml:"attributes"`
}

type RecordOption func(*recordOptions)

type recordOptions struct {
	rewrite func(string) string
}

// Redacted makes Record scrub every free-text field and payload string.
func Redacted() RecordOption {
	return func(o *recordOptions) {
		o.rewrite = redact.Redact
	}
}

// RedactValue scrubs every string inside v.
func RedactValue(v Value) Value {
	return v.Transform(redact.Redact)
}

// Record serializes t. The trace itself is never modified.
func (t *Trace) Record(opts ...RecordOption) Record {
	var options recordOptions
	for _, opt := range opts {
		opt(&options)
	}
	rewrite := options.rewrite
	if rewrite == nil {
		rewrite = func(s string) string { return s }
	}

	rec := Record{
		TraceID:    t.TraceID,
		AgentID:    t.AgentID,
		TaskInput:  rewrite(t.TaskInput),
		TaskOutput: rewrite(t.TaskOutput),
		StartTime:  t.StartTime.UTC(),
		EndTime:    timePtr(t.EndTime),
		Spans:      make([]SpanRecord, 0, len(t.Spans)),
	}
	if t.Success != nil {
		success := *t.Success
		rec.Success = &success
	}

	for _, span := range t.Spans {
		sr := SpanRecord{
			SpanID:     span.SpanID,
			Kind:       span.Kind,
			Name:       span.Name,
			StartTime:  span.StartTime.UTC(),
			EndTime:    timePtr(span.EndTime),
			Status:     span.Status,
			InputData:  span.InputData.Transform(rewrite),
			OutputData: span.OutputData.Transform(rewrite),
			CostUSD:    span.CostUSD,
			Error:      rewrite(span.Error),
		}
		if span.ParentID != "" {
			parent := span.ParentID
			sr.ParentID = &parent
		}
		if len(span.Attributes) > 0 {
			sr.Attributes = make(map[string]Value, len(span.Attributes))
			for key, value := range span.Attributes {
				sr.Attributes[key] = value.Transform(rewrite)
			}
		}
		rec.Spans = append(rec.Spans, sr)
	}
	return rec
}

// FromRecord rebuilds a Trace from its serialized form.
func FromRecord(rec Record) (*Trace, error) {
	if rec.TraceID == "" {
		return nil, fmt.Errorf("%w: trace_id is required", ErrInvalidRecord)
	}

	t := &Trace{
		TraceID:    rec.TraceID,
		AgentID:    rec.AgentID,
		TaskInput:  rec.TaskInput,
		TaskOutput: rec.TaskOutput,
		StartTime:  rec.StartTime.UTC(),
		Spans:      make([]*Span, 0, len(rec.Spans)),
	}
	if rec.EndTime != nil {
		t.EndTime = rec.EndTime.UTC()
	}
	if rec.Success != nil {
		success := *rec.Success
		t.Success = &success
	}

	seen := make(map[string]struct{}, len(rec.Spans))
	for i, sr := range rec.Spans {
		if sr.SpanID == "" {
			return nil, fmt.Errorf("%w: span %d has no span_id", ErrInvalidRecord, i)
		}
		if _, dup := seen[sr.SpanID]; dup {
			return nil, fmt.Errorf("%w: duplicate span_id %q", ErrInvalidRecord, sr.SpanID)
		}
		seen[sr.SpanID] = struct{}{}

		kind, err := ParseSpanKind(string(sr.Kind))
		if err != nil {
			return nil, fmt.Errorf("%w: span %q: %w", ErrInvalidRecord, sr.SpanID, err)
		}
		status, err := ParseSpanStatus(string(sr.Status))
		if err != nil {
			return nil, fmt.Errorf("%w: span %q: %w", ErrInvalidRecord, sr.SpanID, err)
		}
		if sr.CostUSD < 0 {
			return nil, fmt.Errorf("%w: span %q has negative cost", ErrInvalidRecord, sr.SpanID)
		}

		span := &Span{
			SpanID:     sr.SpanID,
			TraceID:    rec.TraceID,
			Kind:       kind,
			Name:       sr.Name,
			StartTime:  sr.StartTime.UTC(),
			Status:     status,
			InputData:  sr.InputData,
			OutputData: sr.OutputData,
			CostUSD:    sr.CostUSD,
			Error:      sr.Error,
		}
		if sr.ParentID != nil {
			span.ParentID = *sr.ParentID
		}
		if sr.EndTime != nil {
			end := sr.EndTime.UTC()
			if end.Before(span.StartTime) {
				return nil, fmt.Errorf("%w: span %q ends before it starts", ErrInvalidRecord, sr.SpanID)
			}
			span.EndTime = end
		}
		if len(sr.Attributes) > 0 {
			span.Attributes = make(map[string]Value, len(sr.Attributes))
			for key, value := range sr.Attributes {
				span.Attributes[key] = value
			}
		}
		t.Spans = append(t.Spans, span)
	}
	return t, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}
