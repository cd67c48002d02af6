package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/goldentrace/internal/trace"
)

const writerDiagnosticsSchemaVersion = "goldentrace.writer-diagnostics.v1"

// WriterDiagnosticsReader is satisfied by *trace.Writer.
type WriterDiagnosticsReader interface {
	Diagnostics() trace.WriterDiagnostics
}

type writerDiagnosticsResponse struct {
	SchemaVersion string                  `json:"schema_version"`
	GeneratedAt   time.Time               `json:"generated_at"`
	AgentID       string                  `json:"agent_id,omitempty"`
	Writer        trace.WriterDiagnostics `json:"writer"`
	// DroppingAgents orders agents by dropped traces, most first.
	DroppingAgents []string `json:"dropping_agents,omitempty"`
}

// WriterDiagnosticsHandler serves per-agent ingest counters and the recent
// drop log. ?agent_id= narrows both to one agent.
func WriterDiagnosticsHandler(reader WriterDiagnosticsReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if reader == nil {
			writeError(w, http.StatusServiceUnavailable, "trace writer diagnostics unavailable")
			return
		}

		diag := reader.Diagnostics()
		agentID := strings.TrimSpace(r.URL.Query().Get("agent_id"))
		if agentID != "" {
			diag = diag.ForAgent(agentID)
		}
		writeJSON(w, http.StatusOK, writerDiagnosticsResponse{
			SchemaVersion:  writerDiagnosticsSchemaVersion,
			GeneratedAt:    time.Now().UTC(),
			AgentID:        agentID,
			Writer:         diag,
			DroppingAgents: diag.DroppedAgents(),
		})
	})
}
