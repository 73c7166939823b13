package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSendHubLostAlert(t *testing.T) {
	var got *http.Request
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		got, body = r.Clone(context.Background()), string(raw)
	}))
	defer srv.Close()

	n, err := New(srv.URL+"/pilot", nil)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	alert := HubLost("ws://hub:8765/ws", errors.New("dial tcp: connection refused"))
	if err := n.Send(context.Background(), alert); err != nil {
		t.Fatalf("Send() = %v; want nil", err)
	}

	if got.Method != http.MethodPost || got.URL.Path != "/pilot" {
		t.Fatalf("request = %s %s; want POST /pilot", got.Method, got.URL.Path)
	}
	if got.Header.Get("Title") != "pixelpilot agent disconnected" || got.Header.Get("Priority") != "high" {
		t.Fatalf("headers = %v", got.Header)
	}
	if got.Header.Get("Tags") != "warning,pixelpilot" {
		t.Fatalf("Tags = %q", got.Header.Get("Tags"))
	}
	if !strings.Contains(body, "ws://hub:8765/ws") || !strings.Contains(body, "connection refused") {
		t.Fatalf("body = %q; want hub url and last error", body)
	}
}

func TestHubLostWithoutCause(t *testing.T) {
	a := HubLost("ws://hub/ws", nil)
	if strings.Contains(a.Message, "Last error") {
		t.Fatalf("Message = %q; want no error suffix", a.Message)
	}
}

func TestSendReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic is rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n, err := New(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	err = n.Send(context.Background(), Alert{Message: "hello"})
	if err == nil || !strings.Contains(err.Error(), "status 429") || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("Send() = %v; want status 429 with body", err)
	}
}

func TestNewRequiresEndpoint(t *testing.T) {
	if _, err := New("  ", nil); err == nil {
		t.Fatal("New() = nil error; want missing endpoint error")
	}
}
