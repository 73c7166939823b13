// Package journal records every command exchange and agent event as
// date-partitioned JSON lines for later audit.
package journal

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const (
	StreamCommands = "commands"
	StreamEvents   = "events"
)

// CommandEntry is one command and its outcome.
type CommandEntry struct {
	Time       time.Time `json:"time"`
	CommandID  string    `json:"command_id"`
	Type       string    `json:"type"`
	TabID      int       `json:"tab_id,omitempty"`
	Success    bool      `json:"success"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	SnapshotID string    `json:"snapshot_id,omitempty"`
}

// EventEntry is one unsolicited agent event.
type EventEntry struct {
	Time      time.Time       `json:"time"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Journal owns one Writer per stream. A nil *Journal discards everything.
type Journal struct {
	baseDir    string
	bufferSize int
	maxSizeMB  int

	mu      sync.Mutex
	writers map[string]*Writer
}

// New returns a journal rooted at baseDir, or nil when baseDir is empty.
func New(baseDir string, bufferSize, maxSizeMB int) *Journal {
	if baseDir == "" {
		return nil
	}
	return &Journal{
		baseDir:    baseDir,
		bufferSize: bufferSize,
		maxSizeMB:  maxSizeMB,
		writers:    make(map[string]*Writer),
	}
}

func (j *Journal) writer(stream string) *Writer {
	j.mu.Lock()
	defer j.mu.Unlock()
	if w, ok := j.writers[stream]; ok {
		return w
	}
	w := NewWriter(j.baseDir, stream, j.bufferSize, j.maxSizeMB)
	j.writers[stream] = w
	return w
}

func (j *Journal) RecordCommand(e CommandEntry) {
	if j == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if err := j.writer(StreamCommands).Write(e); err != nil {
		slog.Debug("journal command dropped", "command_id", e.CommandID, "error", err)
	}
}

func (j *Journal) RecordEvent(e EventEntry) {
	if j == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if err := j.writer(StreamEvents).Write(e); err != nil {
		slog.Debug("journal event dropped", "event_type", e.EventType, "error", err)
	}
}

// Close flushes and closes every stream.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	var lastErr error
	for stream, w := range j.writers {
		if err := w.Close(); err != nil {
			slog.Error("journal close failed", "stream", stream, "error", err)
			lastErr = err
		}
	}
	j.writers = make(map[string]*Writer)
	return lastErr
}
