package deadletter

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/obsidianstack/vigil/pkg/types"
)

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	ev := types.AlertEvent{Fingerprint: "abc", Identity: "HighLatency", Severity: types.SeverityCritical}
	if err := l.Append(Entry{Kind: KindNotification, Reason: "HTTP 503", Channel: "slack", Event: &ev}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	s := types.MetricSample{MetricID: "cpu", Value: 1}
	if err := l.Append(Entry{Kind: KindSample, Reason: "queue full", Sample: &s}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if l.Count() != 2 {
		t.Errorf("count: got %d, want 2", l.Count())
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Append(Entry{Kind: KindEvent}); err == nil {
		t.Error("append after close should fail")
	}

	var got []Entry
	if err := Replay(dir, func(e Entry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("replayed %d entries, want 2", len(got))
	}
	if got[0].Channel != "slack" || got[0].Event == nil || got[0].Event.Fingerprint != "abc" {
		t.Errorf("entry 0: %+v", got[0])
	}
	if !got[0].Time.Equal(fixed) {
		t.Errorf("time: got %v, want %v", got[0].Time, fixed)
	}
	if got[1].Sample == nil || got[1].Sample.MetricID != "cpu" {
		t.Errorf("entry 1: %+v", got[1])
	}
}

func TestReplay_SurvivesMissingClose(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Append(Entry{Kind: KindEvent, Reason: "shutdown"}); err != nil {
		t.Fatal(err)
	}
	// Every entry is a complete frame, so the file is readable without Close.
	n := 0
	if err := Replay(dir, func(Entry) error { n++; return nil }); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != 1 {
		t.Errorf("replayed %d, want 1", n)
	}
	_ = l.Close()
}

func TestReplay_MissingDirAndHandlerError(t *testing.T) {
	if err := Replay(filepath.Join(t.TempDir(), "absent"), func(Entry) error { return nil }); err != nil {
		t.Errorf("missing dir: %v", err)
	}

	dir := t.TempDir()
	l, _ := Open(dir)
	_ = l.Append(Entry{Kind: KindEvent})
	_ = l.Close()
	// Unrelated files are ignored.
	_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)

	stop := errors.New("stop")
	if err := Replay(dir, func(Entry) error { return stop }); !errors.Is(err, stop) {
		t.Errorf("got %v, want handler error", err)
	}
}

func TestNilLogDiscards(t *testing.T) {
	var l *Log
	if err := l.Append(Entry{Kind: KindEvent}); err != nil {
		t.Errorf("nil Append: %v", err)
	}
	if l.Count() != 0 || l.Close() != nil {
		t.Error("nil log should be inert")
	}
}

func TestDump(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	s := types.MetricSample{MetricID: "cpu", Value: 0.5}
	_ = l.Append(Entry{Kind: KindSample, Reason: "shutdown deadline exceeded", Sample: &s})
	_ = l.Append(Entry{Kind: KindEvent, Reason: "dispatch queue full"})
	_ = l.Close()

	var buf bytes.Buffer
	n, err := Dump(dir, &buf)
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if n != 2 {
		t.Errorf("dumped %d entries, want 2", n)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines: got %d, want 2: %q", len(lines), buf.String())
	}
	var first Entry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line 0: %v", err)
	}
	if first.Kind != KindSample || first.Sample == nil || first.Sample.MetricID != "cpu" {
		t.Errorf("line 0: %+v", first)
	}
}
