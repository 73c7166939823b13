package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line %q is not JSON: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestJournalWritesDatedStreams(t *testing.T) {
	dir := t.TempDir()
	j := New(dir, 16, 1)
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	j.RecordCommand(CommandEntry{Time: at, CommandID: "c1", Type: "mouse_move", Success: true, ElapsedMS: 12})
	j.RecordCommand(CommandEntry{Time: at, CommandID: "c2", Type: "screenshot", ErrorCode: "TIMEOUT", Error: "no response"})
	j.RecordEvent(EventEntry{Time: at, EventType: "status", Data: json.RawMessage(`{"status":"idle"}`)})
	if err := j.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	date := time.Now().UTC().Format("2006-01-02")
	cmds := readLines(t, filepath.Join(dir, date, StreamCommands+".jsonl"))
	if len(cmds) != 2 {
		t.Fatalf("commands journal has %d lines; want 2", len(cmds))
	}
	if cmds[0]["command_id"] != "c1" || cmds[1]["error_code"] != "TIMEOUT" {
		t.Fatalf("commands journal = %v", cmds)
	}
	events := readLines(t, filepath.Join(dir, date, StreamEvents+".jsonl"))
	if len(events) != 1 || events[0]["event_type"] != "status" {
		t.Fatalf("events journal = %v", events)
	}
}

func TestNilJournalDiscards(t *testing.T) {
	j := New("", 0, 0)
	if j != nil {
		t.Fatalf("New(\"\") = %v; want nil", j)
	}
	j.RecordCommand(CommandEntry{CommandID: "c1"})
	j.RecordEvent(EventEntry{EventType: "status"})
	if err := j.Close(); err != nil {
		t.Fatalf("Close() = %v; want nil", err)
	}
}

func TestWriterRejectsAfterClose(t *testing.T) {
	w := NewWriter(t.TempDir(), "x", 1, 1)
	if err := w.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := w.Write(map[string]int{"a": 1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Write() after Close = %v; want ErrClosed", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() = %v; want nil", err)
	}
}

func TestWriterRollsOverAtMidnight(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "commands", 4, 1)
	day := time.Date(2026, 5, 1, 23, 59, 0, 0, time.UTC)
	w.mu.Lock()
	w.now = func() time.Time { return day }
	w.mu.Unlock()

	w.writeRecord(map[string]int{"n": 1})
	day = day.Add(2 * time.Minute)
	w.writeRecord(map[string]int{"n": 2})
	if err := w.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	first := readLines(t, filepath.Join(dir, "2026-05-01", "commands.jsonl"))
	second := readLines(t, filepath.Join(dir, "2026-05-02", "commands.jsonl"))
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("lines per day = %d, %d; want 1, 1", len(first), len(second))
	}
}
