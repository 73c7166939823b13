package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// streamPaths hold a connection open for its whole lifetime. They are logged
// when they open instead of when they finish.
var streamPaths = map[string]bool{
	"/ws":            true,
	"/api/v1/events": true,
}

// requestLogger logs one line per request. Health probes and image fetches
// log at debug, client errors at warn and server errors at error.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		if streamPaths[r.URL.Path] {
			slog.Info("http stream opened", "path", r.URL.Path, "remote", r.RemoteAddr, "request_id", reqID)
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		case r.URL.Path == "/health", strings.HasSuffix(r.URL.Path, "/image"):
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
			"request_id", reqID,
		)
	})
}
