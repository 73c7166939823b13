package relay

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	keepAliveInterval = 15 * time.Second
	retryHintMS       = 2000
)

// writeEvent encodes evt as one SSE message. Payload lines each get their
// own data: field so multi-line JSON survives the framing.
func writeEvent(w io.Writer, evt Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %d\nevent: %s\n", evt.ID, evt.Feed)
	for line := range strings.SplitSeq(strings.TrimRight(evt.Payload, "\n"), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

func parseFeeds(q string) map[string]bool {
	if q == "" {
		return nil
	}
	feeds := make(map[string]bool)
	for f := range strings.SplitSeq(q, ",") {
		if f = strings.TrimSpace(f); f != "" {
			feeds[f] = true
		}
	}
	return feeds
}

// SSEHandler streams broker events. ?feeds=a,b narrows the stream and a
// Last-Event-ID header replays the backlog after that id.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)
		feeds := parseFeeds(r.URL.Query().Get("feeds"))
		lastSeen, _ := strconv.ParseInt(r.Header.Get("Last-Event-ID"), 10, 64)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "retry: %d\n\n", retryHintMS)
		if err := rc.Flush(); err != nil {
			slog.Warn("event stream cannot flush", "error", err)
			return
		}

		id, missed, ch := broker.Subscribe(lastSeen)
		defer broker.Unsubscribe(id)

		send := func(evt Event) bool {
			if feeds != nil && !feeds[evt.Feed] {
				return true
			}
			if err := writeEvent(w, evt); err != nil {
				return false
			}
			return rc.Flush() == nil
		}
		for _, evt := range missed {
			if !send(evt) {
				return
			}
		}

		keepAlive := time.NewTicker(keepAliveInterval)
		defer keepAlive.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil || rc.Flush() != nil {
					return
				}
			case evt, ok := <-ch:
				if !ok || !send(evt) {
					return
				}
			}
		}
	}
}
