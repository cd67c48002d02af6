package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/goldentrace/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN: dsn,
		db:  db,
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const postgresUpsert = `
INSERT INTO traces (
    trace_id,
    agent_id,
    content_hash,
    success,
    span_count,
    total_cost_usd,
    start_time,
    end_time,
    record
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
ON CONFLICT (trace_id) DO UPDATE SET
    agent_id = EXCLUDED.agent_id,
    content_hash = EXCLUDED.content_hash,
    success = EXCLUDED.success,
    span_count = EXCLUDED.span_count,
    total_cost_usd = EXCLUDED.total_cost_usd,
    start_time = EXCLUDED.start_time,
    end_time = EXCLUDED.end_time,
    record = EXCLUDED.record,
    updated_at = NOW()`

func postgresUpsertArgs(row traceRow) []any {
	var success any
	if row.Success != nil {
		success = *row.Success
	}
	var endTime any
	if row.EndTime != nil {
		endTime = *row.EndTime
	}
	return []any{
		row.TraceID,
		row.AgentID,
		row.ContentHash,
		success,
		row.SpanCount,
		row.TotalCostUSD,
		row.StartTime,
		endTime,
		string(row.Record),
	}
}

func (s *PostgresStore) Save(ctx context.Context, t *Trace) error {
	if err := validateForSave(t); err != nil {
		return err
	}
	row, err := newTraceRow(t)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, postgresUpsert, postgresUpsertArgs(row)...); err != nil {
		return fmt.Errorf("save trace %q: %w", row.TraceID, err)
	}
	return nil
}

func (s *PostgresStore) SaveBatch(ctx context.Context, traces []*Trace) error {
	if len(traces) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres batch transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, postgresUpsert)
	if err != nil {
		return fmt.Errorf("prepare postgres batch upsert: %w", err)
	}
	defer stmt.Close()

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
		if _, err := stmt.ExecContext(ctx, postgresUpsertArgs(row)...); err != nil {
			return fmt.Errorf("save trace %q in batch: %w", row.TraceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres batch transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, traceID string) (*Trace, bool, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM traces WHERE trace_id = $1 LIMIT 1`, traceID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load trace %q: %w", traceID, err)
	}
	t, err := decodeTraceRecord(traceID, body)
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

func (s *PostgresStore) ListTraces(ctx context.Context, agentID string) ([]*Trace, error) {
	return s.ListTracesLimit(ctx, agentID, 0)
}

func (s *PostgresStore) ListTracesLimit(ctx context.Context, agentID string, limit int) ([]*Trace, error) {
	query := `SELECT trace_id, record FROM traces`
	var args []any
	if agentID != "" {
		args = append(args, agentID)
		query += fmt.Sprintf(` WHERE agent_id = $%d`, len(args))
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	out := make([]*Trace, 0)
	for rows.Next() {
		var (
			traceID string
			body    []byte
		)
		if err := rows.Scan(&traceID, &body); err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		t, err := decodeTraceRecord(traceID, body)
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

func (s *PostgresStore) CountTraces(ctx context.Context, agentID string) (int, error) {
	query := `SELECT COUNT(*) FROM traces`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = $1`
		args = append(args, agentID)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count traces: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Delete(ctx context.Context, traceID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM traces WHERE trace_id = $1`, traceID)
	if err != nil {
		return false, fmt.Errorf("delete trace %q: %w", traceID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete trace %q: %w", traceID, err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) configure() error {
	if s.db == nil {
		return fmt.Errorf("postgres database is not initialized")
	}

	s.db.SetMaxOpenConns(20)
	s.db.SetMaxIdleConns(10)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}
