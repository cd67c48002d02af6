package api

import (
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ongoingai/goldentrace/internal/trace"
)

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	StoragePath   string
	Store         trace.TraceStore
	Writer        WriterDiagnosticsReader
}

type healthResponse struct {
	Status    string        `json:"status"`
	Version   string        `json:"version"`
	UptimeSec int64         `json:"uptime_sec"`
	Storage   storageHealth `json:"storage"`
	Writer    *writerHealth `json:"writer,omitempty"`
}

type storageHealth struct {
	Driver     string `json:"driver"`
	TraceCount int    `json:"trace_count"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	Error      string `json:"error,omitempty"`
}

type writerHealth struct {
	QueueDepth     int      `json:"queue_depth"`
	QueueCapacity  int      `json:"queue_capacity"`
	DroppedTotal   int64    `json:"dropped_total"`
	DroppingAgents []string `json:"dropping_agents,omitempty"`
}

// HealthHandler reports "degraded" when the store cannot be counted or the
// write queue is full. Both still answer 200 so probes can read the body.
func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		status := "ok"
		storage := storageHealth{
			Driver:    options.StorageDriver,
			SizeBytes: storageSize(options.StorageDriver, options.StoragePath),
		}
		if options.Store != nil {
			count, err := trace.CountTraces(r.Context(), options.Store, "")
			if err != nil {
				status = "degraded"
				storage.Error = "trace count unavailable"
			}
			storage.TraceCount = count
		}

		var writer *writerHealth
		if options.Writer != nil {
			diag := options.Writer.Diagnostics()
			writer = &writerHealth{
				QueueDepth:     diag.QueueDepth,
				QueueCapacity:  diag.QueueCapacity,
				DroppedTotal:   diag.Totals.Dropped(),
				DroppingAgents: diag.DroppedAgents(),
			}
			if diag.QueueCapacity > 0 && diag.QueueDepth >= diag.QueueCapacity {
				status = "degraded"
			}
		}

		writeJSON(w, http.StatusOK, healthResponse{
			Status:    status,
			Version:   options.Version,
			UptimeSec: int64(time.Since(options.StartedAt).Seconds()),
			Storage:   storage,
			Writer:    writer,
		})
	})
}

// storageSize is the on-disk footprint of the sqlite database or the file
// store's directory. Other drivers report 0.
func storageSize(driver, path string) int64 {
	if path == "" {
		return 0
	}
	switch strings.ToLower(driver) {
	case "sqlite":
		if info, err := os.Stat(path); err == nil {
			return info.Size()
		}
	case "file":
		var total int64
		_ = filepath.WalkDir(path, func(_ string, entry fs.DirEntry, err error) error {
			if err != nil || entry.IsDir() {
				return nil
			}
			if info, infoErr := entry.Info(); infoErr == nil {
				total += info.Size()
			}
			return nil
		})
		return total
	}
	return 0
}
