package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ongoingai/goldentrace/internal/auth"
	"github.com/ongoingai/goldentrace/internal/replay"
	"github.com/ongoingai/goldentrace/internal/trace"
)

const (
	traceIngestBodyLimit = 8 << 20
	replayBodyLimit      = 1 << 20
	maxListLimit         = 1000
)

type tracesResponse struct {
	Items []traceSummary `json:"items"`
	Total int            `json:"total"`
}

type traceSummary struct {
	TraceID      string     `json:"trace_id"`
	AgentID      string     `json:"agent_id"`
	TaskInput    string     `json:"task_input"`
	TaskOutput   string     `json:"task_output"`
	Success      *bool      `json:"success"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	DurationMS   int64      `json:"duration_ms"`
	SpanCount    int        `json:"span_count"`
	TotalCostUSD float64    `json:"total_cost_usd"`
	ContentHash  string     `json:"content_hash"`
}

type ingestResponse struct {
	TraceID     string `json:"trace_id"`
	ContentHash string `json:"content_hash"`
	Queued      bool   `json:"queued"`
}

type replayRequest struct {
	Overrides map[string]trace.Value `json:"overrides"`
}

type diffResponse struct {
	A         string              `json:"a"`
	B         string              `json:"b"`
	Identical bool                `json:"identical"`
	Diffs     []replay.DiffRecord `json:"diffs"`
}

type tracePathRoute struct {
	ID     string
	Action string
}

// IngestOptions controls how POST /api/traces persists traces.
type IngestOptions struct {
	Writer   *trace.Writer
	Exporter TraceExporter
	Logger   *slog.Logger
}

func TracesHandler(store trace.TraceStore, ingest IngestOptions) http.Handler {
	logger := ingest.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet, http.MethodPost) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}
		if r.Method == http.MethodPost {
			handleIngestTrace(w, r, store, ingest, logger)
			return
		}

		query := r.URL.Query()
		limit, err := parseIntQuery(query.Get("limit"), "limit", 0, maxListLimit)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		redacted, err := redactQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		agentID := strings.TrimSpace(query.Get("agent_id"))
		total, err := trace.CountTraces(r.Context(), store, agentID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to count traces")
			return
		}
		items, err := trace.ListTracesLimit(r.Context(), store, agentID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list traces")
			return
		}

		summaries := make([]traceSummary, 0, len(items))
		for _, item := range items {
			summaries = append(summaries, summarizeTrace(item, redacted))
		}
		writeJSON(w, http.StatusOK, tracesResponse{Items: summaries, Total: total})
	})
}

func handleIngestTrace(w http.ResponseWriter, r *http.Request, store trace.TraceStore, ingest IngestOptions, logger *slog.Logger) {
	var rec trace.Record
	if err := decodeJSONBody(w, r, traceIngestBodyLimit, &rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	item, err := trace.FromRecord(rec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := trace.ValidateTraceID(item.TraceID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	queued := false
	if ingest.Writer != nil {
		if !ingest.Writer.Enqueue(item) {
			writeError(w, http.StatusServiceUnavailable, "trace queue is full")
			return
		}
		queued = true
	} else if err := store.Save(r.Context(), item); err != nil {
		logger.Error("trace ingest failed", "trace_id", item.TraceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save trace")
		return
	}

	if ingest.Exporter != nil {
		if err := ingest.Exporter.ExportTrace(r.Context(), item); err != nil {
			logger.Warn("trace export failed", "trace_id", item.TraceID, "error", err)
		}
	}

	status := http.StatusCreated
	if queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, ingestResponse{
		TraceID:     item.TraceID,
		ContentHash: item.ContentHash(),
		Queued:      queued,
	})
}

func TraceDetailHandler(store trace.TraceStore, replayer *replay.Engine) http.Handler {
	if replayer == nil {
		replayer = replay.New()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}

		route, ok := parseTracePathRoute(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}
		redacted, err := redactQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		switch route.Action {
		case "":
			if !requireMethod(w, r, http.MethodGet, http.MethodDelete) {
				return
			}
			if r.Method == http.MethodDelete {
				handleDeleteTrace(w, r, store, route.ID)
				return
			}
			item, ok := loadTrace(w, r, store, route.ID)
			if !ok {
				return
			}
			writeJSON(w, http.StatusOK, recordFor(item, redacted))
		case "replay":
			if !requireMethod(w, r, http.MethodPost) {
				return
			}
			handleTraceReplay(w, r, store, replayer, route.ID, redacted)
		default:
			http.NotFound(w, r)
		}
	})
}

func handleDeleteTrace(w http.ResponseWriter, r *http.Request, store trace.TraceStore, id string) {
	deleted, err := store.Delete(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete trace")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleTraceReplay(w http.ResponseWriter, r *http.Request, store trace.TraceStore, replayer *replay.Engine, id string, redacted bool) {
	var body replayRequest
	if r.ContentLength != 0 {
		if err := decodeJSONBody(w, r, replayBodyLimit, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	item, ok := loadTrace(w, r, store, id)
	if !ok {
		return
	}

	result := replayer.Replay(item, body.Overrides)
	if redacted {
		result.Redact()
	}
	writeJSON(w, http.StatusOK, result)
}

func DiffHandler(store trace.TraceStore, replayer *replay.Engine) http.Handler {
	if replayer == nil {
		replayer = replay.New()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}

		query := r.URL.Query()
		idA := strings.TrimSpace(query.Get("a"))
		idB := strings.TrimSpace(query.Get("b"))
		if idA == "" || idB == "" {
			writeError(w, http.StatusBadRequest, "a and b trace ids are required")
			return
		}
		redacted, err := redactQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		a, ok := loadTrace(w, r, store, idA)
		if !ok {
			return
		}
		b, ok := loadTrace(w, r, store, idB)
		if !ok {
			return
		}

		diffs := replayer.Diff(a, b)
		if redacted {
			for i := range diffs {
				diffs[i] = diffs[i].Redacted()
			}
		}
		writeJSON(w, http.StatusOK, diffResponse{
			A:         idA,
			B:         idB,
			Identical: len(diffs) == 0,
			Diffs:     diffs,
		})
	})
}

func summarizeTrace(item *trace.Trace, redacted bool) traceSummary {
	rec := recordFor(item, redacted)
	return traceSummary{
		TraceID:      rec.TraceID,
		AgentID:      rec.AgentID,
		TaskInput:    rec.TaskInput,
		TaskOutput:   rec.TaskOutput,
		Success:      rec.Success,
		StartTime:    rec.StartTime,
		EndTime:      rec.EndTime,
		DurationMS:   item.Duration().Milliseconds(),
		SpanCount:    len(item.Spans),
		TotalCostUSD: item.TotalCostUSD(),
		ContentHash:  item.ContentHash(),
	}
}

func recordFor(item *trace.Trace, redacted bool) trace.Record {
	if redacted {
		return item.Record(trace.Redacted())
	}
	return item.Record()
}

func loadTrace(w http.ResponseWriter, r *http.Request, store trace.TraceStore, id string) (*trace.Trace, bool) {
	if err := trace.ValidateTraceID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	item, found, err := store.Load(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read trace")
		return nil, false
	}
	if !found || item == nil {
		writeError(w, http.StatusNotFound, "trace not found")
		return nil, false
	}
	return item, true
}

func parseTracePathRoute(path string) (tracePathRoute, bool) {
	prefix := "/api/traces/"
	if !strings.HasPrefix(path, prefix) {
		return tracePathRoute{}, false
	}
	suffix := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if suffix == "" {
		return tracePathRoute{}, false
	}
	parts := strings.Split(suffix, "/")
	if len(parts) > 2 {
		return tracePathRoute{}, false
	}
	if strings.TrimSpace(parts[0]) == "" {
		return tracePathRoute{}, false
	}
	route := tracePathRoute{
		ID: parts[0],
	}
	if len(parts) == 2 {
		route.Action = strings.TrimSpace(parts[1])
		if route.Action == "" {
			return tracePathRoute{}, false
		}
	}
	return route, true
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return fmt.Errorf("request body exceeds %d bytes", limit)
		}
		return fmt.Errorf("invalid json body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single json object")
	}
	return nil
}

func parseIntQuery(raw, name string, min, max int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if parsed < min {
		return 0, fmt.Errorf("%s must be >= %d", name, min)
	}
	if max != 0 && parsed > max {
		return 0, fmt.Errorf("%s must be <= %d", name, max)
	}
	return parsed, nil
}

// redactQuery reads ?redact=. Keys without raw read access are always
// redacted whatever the query says.
func redactQuery(r *http.Request) (bool, error) {
	redacted, err := parseBoolQuery(r.URL.Query().Get("redact"), "redact")
	if err != nil {
		return false, err
	}
	return redacted || auth.MustRedact(r.Context()), nil
}

func parseBoolQuery(raw, name string) (bool, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return false, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", name)
	}
	return parsed, nil
}
