package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/pixelpilot/internal/protocol"
)

func TestBrokerBacklogIsBounded(t *testing.T) {
	b := NewBroker(3)
	for i := 0; i < 5; i++ {
		b.Publish("agent", "x")
	}
	_, missed, _ := b.Subscribe(1)
	if len(missed) != 3 {
		t.Fatalf("missed = %d events; want 3", len(missed))
	}
	if missed[0].ID != 3 || missed[2].ID != 5 {
		t.Fatalf("missed ids = %d..%d; want 3..5", missed[0].ID, missed[2].ID)
	}
}

func TestBrokerDeliversLiveEvents(t *testing.T) {
	b := NewBroker(0)
	id, missed, ch := b.Subscribe(0)
	if len(missed) != 0 {
		t.Fatalf("fresh subscriber got %d backlog events; want 0", len(missed))
	}
	b.Publish("agent", "hello")
	select {
	case evt := <-ch:
		if evt.Payload != "hello" || evt.Feed != "agent" {
			t.Fatalf("event = %+v; want hello on agent", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	b.Unsubscribe(id)
	if b.ClientCount() != 0 {
		t.Fatalf("ClientCount() = %d; want 0", b.ClientCount())
	}
}

func TestRelayRoutesByEventTypePattern(t *testing.T) {
	b := NewBroker(0)
	r, err := NewRelay(&RelayConfig{Feeds: []FeedConfig{
		{Name: "status", EventTypes: []string{"status*"}},
		{Name: "all"},
	}}, b)
	if err != nil {
		t.Fatalf("NewRelay() = %v", err)
	}

	evt, _ := protocol.NewEvent("status", map[string]string{"status": "idle"})
	if n := r.HandleEvent(evt); n != 2 {
		t.Fatalf("status event reached %d feeds; want 2", n)
	}
	r.AgentConnection(false)

	latest, ok := b.Latest("status")
	if !ok {
		t.Fatal("no event on status feed")
	}
	var got protocol.Event
	if err := json.Unmarshal([]byte(latest.Payload), &got); err != nil {
		t.Fatalf("payload not an event envelope: %v", err)
	}
	if got.EventType != "status" {
		t.Fatalf("status feed event_type = %q; want status", got.EventType)
	}
	all, _ := b.Latest("all")
	if !strings.Contains(all.Payload, EventConnection) {
		t.Fatalf("all feed latest = %q; want connection event", all.Payload)
	}
}

func TestLoadConfigRejectsBadPattern(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte("feeds:\n  - name: bad\n    event_types: [\"[\"]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("LoadConfig() = nil; want pattern error")
	}

	if err := os.WriteFile(path, []byte("backlog: 10\nfeeds:\n  - name: agent\n    event_types: [status, connection]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() = %v", err)
	}
	if cfg.Backlog != 10 || len(cfg.Feeds[0].EventTypes) != 2 {
		t.Fatalf("LoadConfig() = %+v", cfg)
	}
}

func TestSSEHandlerResumesFromLastEventID(t *testing.T) {
	b := NewBroker(0)
	b.Publish("agent", `{"n":1}`)
	b.Publish("other", `{"n":2}`)
	b.Publish("agent", `{"n":3}`)

	srv := httptest.NewServer(SSEHandler(b))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?feeds=agent", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET = %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if line != "" && !strings.HasPrefix(line, "retry:") {
			lines = append(lines, line)
		}
		if line == `data: {"n":3}` {
			break
		}
	}
	want := []string{"id: 3", "event: agent", `data: {"n":3}`}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("stream = %q; want %q", lines, want)
	}
}

func TestWriteEventSplitsMultilinePayload(t *testing.T) {
	var buf strings.Builder
	if err := writeEvent(&buf, Event{ID: 7, Feed: "agent", Payload: "{\n  \"a\": 1\n}\n"}); err != nil {
		t.Fatalf("writeEvent() = %v", err)
	}
	want := "id: 7\nevent: agent\ndata: {\ndata:   \"a\": 1\ndata: }\n\n"
	if buf.String() != want {
		t.Fatalf("writeEvent() = %q; want %q", buf.String(), want)
	}
}
