package trace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNoOpenSpan    = errors.New("no open span")
	ErrCaptureClosed = errors.New("capture session closed")
)

type CompletionStatus string

const (
	CompletionOK     CompletionStatus = "ok"
	CompletionFailed CompletionStatus = "failed"
)

// Completion is the explicit outcome of closing a capture session.
type Completion struct {
	Status CompletionStatus
	Cause  error
}

type CaptureOption func(*Capture)

// WithTraceID sets the trace id. An empty id falls back to a generated UUIDv7.
func WithTraceID(id string) CaptureOption {
	return func(c *Capture) {
		c.traceID = id
	}
}

func WithClock(now func() time.Time) CaptureOption {
	return func(c *Capture) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) CaptureOption {
	return func(c *Capture) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithOnClose registers a callback that receives the finished trace once.
func WithOnClose(fn func(*Trace, Completion)) CaptureOption {
	return func(c *Capture) {
		c.onClose = fn
	}
}

// Capture records one agent task as a Trace. Spans started while another
// span is open become its children. A Capture is not safe for concurrent use.
type Capture struct {
	trace   *Trace
	stack   []*Span
	success bool
	closed  bool
	result  Completion

	traceID string
	now     func() time.Time
	logger  *slog.Logger
	onClose func(*Trace, Completion)
}

func NewCapture(agentID, taskInput string, opts ...CaptureOption) *Capture {
	c := &Capture{
		success: true,
		now:     time.Now,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.traceID == "" {
		c.traceID = NewID()
	}
	c.trace = New(c.traceID, agentID, taskInput, c.now().UTC())
	return c
}

// NewID returns a time-ordered UUIDv7 string.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Trace returns the trace being recorded. It is complete once Close returns.
func (c *Capture) Trace() *Trace {
	return c.trace
}

func (c *Capture) TraceID() string {
	return c.trace.TraceID
}

// Current returns the innermost open span.
func (c *Capture) Current() (*Span, bool) {
	if len(c.stack) == 0 {
		return nil, false
	}
	return c.stack[len(c.stack)-1], true
}

func (c *Capture) Depth() int {
	return len(c.stack)
}

// StartSpan opens a span under the innermost open span.
func (c *Capture) StartSpan(name string, kind SpanKind, input Value) *Span {
	if c.closed {
		panic(fmt.Errorf("%w: start span %q on trace %s", ErrCaptureClosed, name, c.trace.TraceID))
	}
	span := &Span{
		SpanID:    NewID(),
		TraceID:   c.trace.TraceID,
		Kind:      kind,
		Name:      name,
		StartTime: c.now().UTC(),
		Status:    SpanStatusOK,
		InputData: input,
	}
	if parent, ok := c.Current(); ok {
		span.ParentID = parent.SpanID
	}
	c.stack = append(c.stack, span)
	c.trace.Spans = append(c.trace.Spans, span)
	return span
}

// EndSpan finishes the innermost open span. Calling it with nothing open panics.
func (c *Capture) EndSpan(result SpanResult) *Span {
	span, ok := c.Current()
	if !ok {
		panic(fmt.Errorf("%w: trace %s", ErrNoOpenSpan, c.trace.TraceID))
	}
	c.stack = c.stack[:len(c.stack)-1]
	span.Finish(c.now().UTC(), result)
	return span
}

// SetAttribute annotates the innermost open span.
func (c *Capture) SetAttribute(key string, value Value) error {
	span, ok := c.Current()
	if !ok {
		return fmt.Errorf("set attribute %q: %w", key, ErrNoOpenSpan)
	}
	return span.SetAttribute(key, value)
}

func (c *Capture) SetOutput(output string) {
	c.trace.TaskOutput = output
}

// SetSuccess sets the success flag recorded on a clean Close. Defaults to true.
func (c *Capture) SetSuccess(success bool) {
	c.success = success
}

// Close force-finishes every open span, innermost first, and finishes the
// trace. A non-nil cause marks open spans ERROR and the trace unsuccessful.
// Only the first call has any effect.
func (c *Capture) Close(cause error) Completion {
	if c.closed {
		return c.result
	}
	c.closed = true

	result := SpanResult{}
	if cause != nil {
		result = SpanResult{Error: cause.Error(), Status: SpanStatusError}
	}
	for len(c.stack) > 0 {
		span := c.stack[len(c.stack)-1]
		c.stack = c.stack[:len(c.stack)-1]
		partial := result
		partial.Output = span.OutputData
		span.Finish(c.now().UTC(), partial)
	}

	success := c.success && cause == nil
	c.trace.Finish(c.now().UTC(), c.trace.TaskOutput, success)

	c.result = Completion{Status: CompletionOK, Cause: cause}
	if cause != nil {
		c.result.Status = CompletionFailed
		c.logger.Warn("trace capture closed with failure", "trace_id", c.trace.TraceID, "spans", len(c.trace.Spans), "error", cause)
	} else {
		c.logger.Debug("trace capture closed", "trace_id", c.trace.TraceID, "spans", len(c.trace.Spans))
	}
	if c.onClose != nil {
		c.onClose(c.trace, c.result)
	}
	return c.result
}

// Run records fn as one agent task. The trace is always finished; fn's
// error is returned unchanged and a panic is re-raised after the trace is
// marked failed.
func Run(agentID, taskInput string, fn func(*Capture) error, opts ...CaptureOption) (*Trace, error) {
	c := NewCapture(agentID, taskInput, opts...)
	defer func() {
		if recovered := recover(); recovered != nil {
			c.Close(fmt.Errorf("panic: %v", recovered))
			panic(recovered)
		}
	}()

	err := fn(c)
	c.Close(err)
	return c.trace, err
}

type captureKey struct{}

func WithCapture(ctx context.Context, c *Capture) context.Context {
	return context.WithValue(ctx, captureKey{}, c)
}

// CaptureFromContext returns the session stored by WithCapture, or nil.
func CaptureFromContext(ctx context.Context) *Capture {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(captureKey{}).(*Capture)
	return c
}
