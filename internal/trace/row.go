package trace

import (
	"encoding/json"
	"fmt"
	"time"
)

// traceRow is the column projection shared by the SQL stores. The full
// trace lives in record; the other columns exist for filtering and listing.
type traceRow struct {
	TraceID      string
	AgentID      string
	ContentHash  string
	Success      *bool
	SpanCount    int
	TotalCostUSD float64
	StartTime    time.Time
	EndTime      *time.Time
	Record       []byte
}

func newTraceRow(t *Trace) (traceRow, error) {
	rec := t.Record()
	body, err := json.Marshal(rec)
	if err != nil {
		return traceRow{}, fmt.Errorf("marshal trace %s: %w", t.TraceID, err)
	}
	return traceRow{
		TraceID:      t.TraceID,
		AgentID:      t.AgentID,
		ContentHash:  t.ContentHash(),
		Success:      rec.Success,
		SpanCount:    len(t.Spans),
		TotalCostUSD: t.TotalCostUSD(),
		StartTime:    rec.StartTime,
		EndTime:      rec.EndTime,
		Record:       body,
	}, nil
}

func decodeTraceRecord(traceID string, body []byte) (*Trace, error) {
	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode trace %s: %w", traceID, err)
	}
	t, err := FromRecord(rec)
	if err != nil {
		return nil, fmt.Errorf("decode trace %s: %w", traceID, err)
	}
	return t, nil
}
