package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ongoingai/goldentrace/internal/correlation"
)

// LoggingMiddleware assigns a request id, echoes it in the response header
// and logs one line per completed request.
func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if next == nil {
		next = http.NotFoundHandler()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var requestID string
		r, requestID = correlation.EnsureRequest(r)
		if requestID != "" {
			w.Header().Set(correlation.HeaderName, requestID)
		}

		start := time.Now()
		recorder := &statusResponseWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		level := slog.LevelInfo
		if recorder.StatusCode() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(r.Context(), level,
			"request complete",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.StatusCode(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}
