package api

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(old) })
	return &buf
}

func TestRequestLoggerLevels(t *testing.T) {
	cases := []struct {
		path   string
		status int
		want   string
	}{
		{"/api/v1/mouse/move", http.StatusOK, "level=INFO"},
		{"/health", http.StatusOK, "level=DEBUG"},
		{"/api/v1/snapshots/x/image", http.StatusOK, "level=DEBUG"},
		{"/api/v1/tabs", http.StatusNotFound, "level=WARN"},
		{"/api/v1/command", http.StatusGatewayTimeout, "level=ERROR"},
	}
	for _, tc := range cases {
		buf := captureLogs(t)
		h := requestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tc.path, nil))
		out := buf.String()
		if !strings.Contains(out, tc.want) {
			t.Errorf("%s %d logged %q; want %s", tc.path, tc.status, out, tc.want)
		}
	}
}

func TestRequestLoggerStreamsLogOnOpen(t *testing.T) {
	buf := captureLogs(t)
	var sawRecorder bool
	h := requestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawRecorder = w.(*httptest.ResponseRecorder)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/events", nil))

	if !sawRecorder {
		t.Fatalf("stream handler got a wrapped writer; want the original")
	}
	if out := buf.String(); !strings.Contains(out, "http stream opened") || strings.Contains(out, "http request") {
		t.Fatalf("stream logged %q; want only the open line", out)
	}
}
