package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/goldentrace/migrations"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	now  func() time.Time
	// SQLite allows only one writer at a time; serialize writes to avoid SQLITE_BUSY
	// contention when callers save concurrently.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
		now:  time.Now,
	}

	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sqliteUpsert = `
INSERT INTO traces (
    trace_id,
    agent_id,
    content_hash,
    success,
    span_count,
    total_cost_usd,
    start_time,
    end_time,
    record,
    stored_at,
    updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (trace_id) DO UPDATE SET
    agent_id = excluded.agent_id,
    content_hash = excluded.content_hash,
    success = excluded.success,
    span_count = excluded.span_count,
    total_cost_usd = excluded.total_cost_usd,
    start_time = excluded.start_time,
    end_time = excluded.end_time,
    record = excluded.record,
    updated_at = excluded.updated_at`

func (s *SQLiteStore) Save(ctx context.Context, t *Trace) error {
	if err := validateForSave(t); err != nil {
		return err
	}
	row, err := newTraceRow(t)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, sqliteUpsert, s.upsertArgs(row)...)
		return err
	})
	if err != nil {
		return fmt.Errorf("save trace %q: %w", row.TraceID, err)
	}
	return nil
}

func (s *SQLiteStore) SaveBatch(ctx context.Context, traces []*Trace) error {
	if len(traces) == 0 {
		return nil
	}
	rows := make([]traceRow, 0, len(traces))
	for _, t := range traces {
		if t == nil {
			continue
		}
		if err := validateForSave(t); err != nil {
			return err
		}
		row, err := newTraceRow(t)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite batch transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, sqliteUpsert)
		if err != nil {
			return fmt.Errorf("prepare sqlite batch upsert: %w", err)
		}
		defer stmt.Close()

		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx, s.upsertArgs(row)...); err != nil {
				return fmt.Errorf("save trace %q in batch: %w", row.TraceID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite batch transaction: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) upsertArgs(row traceRow) []any {
	now := s.now().UTC().Format(time.RFC3339Nano)
	var success any
	if row.Success != nil {
		success = *row.Success
	}
	var endTime any
	if row.EndTime != nil {
		endTime = row.EndTime.Format(time.RFC3339Nano)
	}
	return []any{
		row.TraceID,
		row.AgentID,
		row.ContentHash,
		success,
		row.SpanCount,
		row.TotalCostUSD,
		row.StartTime.Format(time.RFC3339Nano),
		endTime,
		string(row.Record),
		now,
		now,
	}
}

func (s *SQLiteStore) Load(ctx context.Context, traceID string) (*Trace, bool, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM traces WHERE trace_id = ? LIMIT 1`, traceID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load trace %q: %w", traceID, err)
	}
	t, err := decodeTraceRecord(traceID, []byte(body))
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

func (s *SQLiteStore) ListTraces(ctx context.Context, agentID string) ([]*Trace, error) {
	return s.ListTracesLimit(ctx, agentID, 0)
}

func (s *SQLiteStore) ListTracesLimit(ctx context.Context, agentID string, limit int) ([]*Trace, error) {
	query := `SELECT trace_id, record FROM traces`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	out := make([]*Trace, 0)
	for rows.Next() {
		var traceID, body string
		if err := rows.Scan(&traceID, &body); err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		t, err := decodeTraceRecord(traceID, []byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) CountTraces(ctx context.Context, agentID string) (int, error) {
	query := `SELECT COUNT(*) FROM traces`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count traces: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, traceID string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var affected int64
	err := retrySQLiteBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM traces WHERE trace_id = ?`, traceID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete trace %q: %w", traceID, err)
	}
	return affected > 0, nil
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention so concurrent saves are not lost.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}
