package trace

import (
	"context"
	"sync"
)

// MemoryStore keeps traces in process memory. Stored values are copies, so
// callers can keep mutating their own trace after Save.
type MemoryStore struct {
	mu     sync.RWMutex
	order  []string
	traces map[string]*Trace
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{traces: make(map[string]*Trace)}
}

func (s *MemoryStore) Save(ctx context.Context, t *Trace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateForSave(t); err != nil {
		return err
	}
	stored := t.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.traces[t.TraceID]; !exists {
		s.order = append(s.order, t.TraceID)
	}
	s.traces[t.TraceID] = stored
	return nil
}

func (s *MemoryStore) SaveBatch(ctx context.Context, traces []*Trace) error {
	for _, t := range traces {
		if err := s.Save(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, traceID string) (*Trace, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.traces[traceID]
	if !ok {
		return nil, false, nil
	}
	return t.Clone(), true, nil
}

func (s *MemoryStore) ListTraces(ctx context.Context, agentID string) ([]*Trace, error) {
	return s.ListTracesLimit(ctx, agentID, 0)
}

func (s *MemoryStore) ListTracesLimit(ctx context.Context, agentID string, limit int) ([]*Trace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Trace, 0, len(s.order))
	for _, id := range s.order {
		if limit > 0 && len(out) == limit {
			break
		}
		t := s.traces[id]
		if agentID != "" && t.AgentID != agentID {
			continue
		}
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *MemoryStore) CountTraces(ctx context.Context, agentID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if agentID == "" {
		return len(s.order), nil
	}
	count := 0
	for _, id := range s.order {
		if s.traces[id].AgentID == agentID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Delete(ctx context.Context, traceID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.traces[traceID]; !ok {
		return false, nil
	}
	delete(s.traces, traceID)
	for i, id := range s.order {
		if id == traceID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}
