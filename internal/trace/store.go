package trace

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var ErrInvalidTraceID = errors.New("invalid trace id")

// TraceStore persists traces keyed by trace id. Save overwrites an existing
// record atomically, Load reports absence with ok=false, and ListTraces
// returns traces in first-insert order, optionally filtered by agent.
type TraceStore interface {
	Save(ctx context.Context, trace *Trace) error
	Load(ctx context.Context, traceID string) (*Trace, bool, error)
	ListTraces(ctx context.Context, agentID string) ([]*Trace, error)
	Delete(ctx context.Context, traceID string) (bool, error)
}

// BatchSaver is implemented by stores that can persist several traces in
// one round trip. The Writer uses it when available.
type BatchSaver interface {
	SaveBatch(ctx context.Context, traces []*Trace) error
}

// TraceQuerier is implemented by stores that can count and page traces
// without decoding every stored record. ListTracesLimit keeps ListTraces
// ordering; a limit <= 0 means no limit.
type TraceQuerier interface {
	CountTraces(ctx context.Context, agentID string) (int, error)
	ListTracesLimit(ctx context.Context, agentID string, limit int) ([]*Trace, error)
}

// CountTraces counts stored traces for agentID ("" for all), falling back
// to a full listing for stores that are not a TraceQuerier.
func CountTraces(ctx context.Context, store TraceStore, agentID string) (int, error) {
	if querier, ok := store.(TraceQuerier); ok {
		return querier.CountTraces(ctx, agentID)
	}
	items, err := store.ListTraces(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// ListTracesLimit returns at most limit traces in storage order.
func ListTracesLimit(ctx context.Context, store TraceStore, agentID string, limit int) ([]*Trace, error) {
	if querier, ok := store.(TraceQuerier); ok {
		return querier.ListTracesLimit(ctx, agentID, limit)
	}
	items, err := store.ListTraces(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

var traceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// ValidateTraceID rejects ids that cannot be used as a storage key on every
// backend, including file names.
func ValidateTraceID(id string) error {
	if !traceIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidTraceID, id)
	}
	return nil
}

func validateForSave(t *Trace) error {
	if t == nil {
		return errors.New("trace is nil")
	}
	return ValidateTraceID(t.TraceID)
}
