package trace

import (
	"errors"
	"fmt"
	"time"
)

type SpanKind string

const (
	SpanKindAgentTask    SpanKind = "AGENT_TASK"
	SpanKindToolCall     SpanKind = "TOOL_CALL"
	SpanKindLLMInference SpanKind = "LLM_INFERENCE"
	SpanKindDelegation   SpanKind = "DELEGATION"
	SpanKindPolicyCheck  SpanKind = "POLICY_CHECK"
	SpanKindInternal     SpanKind = "INTERNAL"
)

type SpanStatus string

const (
	SpanStatusOK      SpanStatus = "OK"
	SpanStatusError   SpanStatus = "ERROR"
	SpanStatusTimeout SpanStatus = "TIMEOUT"
)

var (
	ErrUnknownSpanKind     = errors.New("unknown span kind")
	ErrUnknownSpanStatus   = errors.New("unknown span status")
	ErrSpanAlreadyFinished = errors.New("span already finished")
)

func ParseSpanKind(raw string) (SpanKind, error) {
	switch kind := SpanKind(raw); kind {
	case SpanKindAgentTask, SpanKindToolCall, SpanKindLLMInference, SpanKindDelegation, SpanKindPolicyCheck, SpanKindInternal:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSpanKind, raw)
	}
}

func ParseSpanStatus(raw string) (SpanStatus, error) {
	switch status := SpanStatus(raw); status {
	case "":
		return SpanStatusOK, nil
	case SpanStatusOK, SpanStatusError, SpanStatusTimeout:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSpanStatus, raw)
	}
}

// Span is one timed unit of work inside a Trace. ParentID is a lookup key
// into the owning trace's spans, never a pointer.
type Span struct {
	SpanID     string
	TraceID    string
	ParentID   string
	Kind       SpanKind
	Name       string
	StartTime  time.Time
	EndTime    time.Time
	Status     SpanStatus
	InputData  Value
	OutputData Value
	CostUSD    float64
	Error      string
	Attributes map[string]Value
}

// SpanResult carries the data a span is finished with. A non-empty Error
// marks the span ERROR unless Status says TIMEOUT.
type SpanResult struct {
	Output  Value
	CostUSD float64
	Error   string
	Status  SpanStatus
}

func (s *Span) Finished() bool {
	return !s.EndTime.IsZero()
}

// Duration is derived from the start and end times; zero until finished.
func (s *Span) Duration() time.Duration {
	if !s.Finished() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// Finish closes the span. Finishing a span twice is a programming error and panics.
func (s *Span) Finish(end time.Time, result SpanResult) {
	if s.Finished() {
		panic(fmt.Errorf("%w: span %q (%s)", ErrSpanAlreadyFinished, s.Name, s.SpanID))
	}
	if end.Before(s.StartTime) {
		end = s.StartTime
	}
	if end.IsZero() {
		// A zero end time would read as "still open".
		end = time.Unix(0, 1).UTC()
	}

	status := result.Status
	if status == "" {
		status = SpanStatusOK
		if result.Error != "" {
			status = SpanStatusError
		}
	}
	if status == SpanStatusOK {
		result.Error = ""
	}

	cost := result.CostUSD
	if cost <= 0 {
		cost = 0
	}

	s.EndTime = end
	s.Status = status
	s.OutputData = result.Output
	s.CostUSD = cost
	s.Error = result.Error
}

func (s *Span) SetAttribute(key string, value Value) error {
	if !value.IsScalar() {
		return fmt.Errorf("attribute %q must be a scalar, got %s", key, value.Kind())
	}
	if s.Attributes == nil {
		s.Attributes = make(map[string]Value)
	}
	s.Attributes[key] = value
	return nil
}

func (s *Span) clone() *Span {
	out := *s
	if s.Attributes != nil {
		out.Attributes = make(map[string]Value, len(s.Attributes))
		for k, v := range s.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out
}

// Trace is the full record of one agent task execution. It owns its spans;
// Spans is append-only and ordered by start.
type Trace struct {
	TraceID    string
	AgentID    string
	TaskInput  string
	TaskOutput string
	Success    *bool
	StartTime  time.Time
	EndTime    time.Time
	Spans      []*Span
}

func New(traceID, agentID, taskInput string, start time.Time) *Trace {
	return &Trace{
		TraceID:   traceID,
		AgentID:   agentID,
		TaskInput: taskInput,
		StartTime: start,
	}
}

func (t *Trace) Finished() bool {
	return !t.EndTime.IsZero()
}

func (t *Trace) Duration() time.Duration {
	if !t.Finished() {
		return 0
	}
	return t.EndTime.Sub(t.StartTime)
}

// Finish records the task outcome.
func (t *Trace) Finish(end time.Time, output string, success bool) {
	if end.Before(t.StartTime) {
		end = t.StartTime
	}
	t.EndTime = end
	t.TaskOutput = output
	t.Success = &success
}

// TotalCostUSD sums the cost of every span.
func (t *Trace) TotalCostUSD() float64 {
	total := 0.0
	for _, span := range t.Spans {
		total += span.CostUSD
	}
	return total
}

func (t *Trace) Span(spanID string) (*Span, bool) {
	for _, span := range t.Spans {
		if span.SpanID == spanID {
			return span, true
		}
	}
	return nil, false
}

// RootSpans returns spans whose parent is absent, does not resolve inside
// this trace, or is the span itself. Several roots are allowed.
func (t *Trace) RootSpans() []*Span {
	ids := make(map[string]struct{}, len(t.Spans))
	for _, span := range t.Spans {
		ids[span.SpanID] = struct{}{}
	}

	roots := make([]*Span, 0, 1)
	for _, span := range t.Spans {
		if span.ParentID == "" || span.ParentID == span.SpanID {
			roots = append(roots, span)
			continue
		}
		if _, ok := ids[span.ParentID]; !ok {
			roots = append(roots, span)
		}
	}
	return roots
}

// ChildrenOf returns the spans whose parent is spanID, in recorded order.
func (t *Trace) ChildrenOf(spanID string) []*Span {
	var children []*Span
	for _, span := range t.Spans {
		if span.ParentID == spanID && span.SpanID != spanID {
			children = append(children, span)
		}
	}
	return children
}

// Clone returns a deep copy that shares no mutable state with t.
func (t *Trace) Clone() *Trace {
	if t == nil {
		return nil
	}
	out := *t
	if t.Success != nil {
		success := *t.Success
		out.Success = &success
	}
	out.Spans = make([]*Span, len(t.Spans))
	for i, span := range t.Spans {
		out.Spans[i] = span.clone()
	}
	return &out
}
