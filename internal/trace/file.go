package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const fileStoreExt = ".json"

// FileStore persists each trace as {dir}/{trace_id}.json. Writes go through
// a temp file and rename so readers never observe a partial record.
type FileStore struct {
	dir string
	now func() time.Time

	// writeMu serializes the read-modify-write that preserves stored_at.
	writeMu sync.Mutex
}

type fileEnvelope struct {
	StoredAt time.Time `json:"stored_at"`
	Record   Record    `json:"record"`
}

func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("file store directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create trace directory %q: %w", dir, err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(traceID string) string {
	return filepath.Join(s.dir, traceID+fileStoreExt)
}

func (s *FileStore) Save(ctx context.Context, t *Trace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateForSave(t); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	storedAt := s.now().UTC()
	existing, err := s.readEnvelope(t.TraceID)
	if err != nil {
		return err
	}
	if existing != nil {
		storedAt = existing.StoredAt
	}

	data, err := json.MarshalIndent(fileEnvelope{StoredAt: storedAt, Record: t.Record()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trace %s: %w", t.TraceID, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+t.TraceID+"-*")
	if err != nil {
		return fmt.Errorf("create temp file for trace %s: %w", t.TraceID, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write trace %s: %w", t.TraceID, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync trace %s: %w", t.TraceID, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close trace %s: %w", t.TraceID, err)
	}
	if err := os.Rename(tmpName, s.path(t.TraceID)); err != nil {
		cleanup()
		return fmt.Errorf("rename trace %s: %w", t.TraceID, err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, traceID string) (*Trace, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if ValidateTraceID(traceID) != nil {
		return nil, false, nil
	}
	env, err := s.readEnvelope(traceID)
	if err != nil || env == nil {
		return nil, false, err
	}
	t, err := FromRecord(env.Record)
	if err != nil {
		return nil, false, fmt.Errorf("decode trace %s: %w", traceID, err)
	}
	return t, true, nil
}

func (s *FileStore) ListTraces(ctx context.Context, agentID string) ([]*Trace, error) {
	return s.ListTracesLimit(ctx, agentID, 0)
}

// ListTracesLimit orders by the light file headers first and only decodes
// the full records it returns.
func (s *FileStore) ListTracesLimit(ctx context.Context, agentID string, limit int) ([]*Trace, error) {
	headers, err := s.scanHeaders(ctx, agentID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(headers, func(i, j int) bool {
		if !headers[i].StoredAt.Equal(headers[j].StoredAt) {
			return headers[i].StoredAt.Before(headers[j].StoredAt)
		}
		return headers[i].traceID < headers[j].traceID
	})

	out := make([]*Trace, 0, len(headers))
	for _, header := range headers {
		if limit > 0 && len(out) == limit {
			break
		}
		env, err := s.readEnvelope(header.traceID)
		if err != nil {
			return nil, err
		}
		if env == nil {
			// Deleted since the scan.
			continue
		}
		t, err := FromRecord(env.Record)
		if err != nil {
			return nil, fmt.Errorf("decode trace %s: %w", header.traceID, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// CountTraces counts trace files; an agent filter reads only file headers.
func (s *FileStore) CountTraces(ctx context.Context, agentID string) (int, error) {
	if agentID == "" {
		ids, err := s.traceIDs(ctx)
		return len(ids), err
	}
	headers, err := s.scanHeaders(ctx, agentID)
	return len(headers), err
}

// fileHeader is the part of a trace file needed to filter and order it.
type fileHeader struct {
	traceID  string
	StoredAt time.Time `json:"stored_at"`
	Record   struct {
		AgentID string `json:"agent_id"`
	} `json:"record"`
}

func (s *FileStore) traceIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read trace directory %q: %w", s.dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileStoreExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, fileStoreExt))
	}
	return ids, nil
}

func (s *FileStore) scanHeaders(ctx context.Context, agentID string) ([]fileHeader, error) {
	ids, err := s.traceIDs(ctx)
	if err != nil {
		return nil, err
	}
	headers := make([]fileHeader, 0, len(ids))
	for _, traceID := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(s.path(traceID))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read trace %s: %w", traceID, err)
		}
		var header fileHeader
		if err := json.Unmarshal(data, &header); err != nil {
			return nil, fmt.Errorf("decode trace file %s: %w", traceID, err)
		}
		if agentID != "" && header.Record.AgentID != agentID {
			continue
		}
		header.traceID = traceID
		headers = append(headers, header)
	}
	return headers, nil
}

func (s *FileStore) Delete(ctx context.Context, traceID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ValidateTraceID(traceID) != nil {
		return false, nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := os.Remove(s.path(traceID))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete trace %s: %w", traceID, err)
	}
	return true, nil
}

func (s *FileStore) readEnvelope(traceID string) (*fileEnvelope, error) {
	data, err := os.ReadFile(s.path(traceID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trace %s: %w", traceID, err)
	}
	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode trace file %s: %w", traceID, err)
	}
	return &env, nil
}
