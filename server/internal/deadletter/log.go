package deadletter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/obsidianstack/vigil/pkg/types"
)

const fileSuffix = ".jsonl.zst"

// Kinds of dead-lettered work.
const (
	KindNotification = "notification"
	KindEvent        = "event"
	KindSample       = "sample"
)

// Entry is one dead-lettered item.
type Entry struct {
	Time    time.Time           `json:"time"`
	Kind    string              `json:"kind"`
	Reason  string              `json:"reason"`
	Channel string              `json:"channel,omitempty"`
	Event   *types.AlertEvent   `json:"event,omitempty"`
	Sample  *types.MetricSample `json:"sample,omitempty"`
}

// Log is an append-only dead-letter file. A nil *Log discards everything.
type Log struct {
	mu      sync.Mutex
	file    *os.File
	encoder *zstd.Encoder
	count   int
	now     func() time.Time
}

// Open creates dir if needed and starts a new log file in it.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("deadletter: create dir: %w", err)
	}
	name := filepath.Join(dir, fmt.Sprintf("deadletter-%d%s", time.Now().UnixNano(), fileSuffix))
	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("deadletter: open %q: %w", name, err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("deadletter: create encoder: %w", err)
	}
	return &Log{file: file, encoder: enc, now: time.Now}, nil
}

// Append writes e to the log, stamping Time if unset.
func (l *Log) Append(e Entry) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("deadletter: log closed")
	}
	if e.Time.IsZero() {
		e.Time = l.now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("deadletter: marshal entry: %w", err)
	}
	line = append(line, '\n')

	frame := l.encoder.EncodeAll(line, make([]byte, 0, len(line)))
	if _, err := l.file.Write(frame); err != nil {
		return fmt.Errorf("deadletter: write: %w", err)
	}
	l.count++
	return nil
}

// Count returns the number of entries appended since Open.
func (l *Log) Count() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Close syncs and closes the file. Further appends fail.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	_ = l.encoder.Close()
	syncErr := l.file.Sync()
	closeErr := l.file.Close()
	l.file = nil
	if syncErr != nil {
		return fmt.Errorf("deadletter: sync: %w", syncErr)
	}
	return closeErr
}

// Replay calls handler for every entry in every log file under dir, oldest
// file first. A missing dir is not an error.
func Replay(dir string, handler func(Entry) error) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("deadletter: read dir: %w", err)
	}

	var names []string
	for _, f := range files {
		if !f.IsDir() && strings.HasSuffix(f.Name(), fileSuffix) {
			names = append(names, f.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := replayFile(filepath.Join(dir, name), handler); err != nil {
			return fmt.Errorf("deadletter: replay %s: %w", name, err)
		}
	}
	return nil
}

// Dump writes every entry under dir to w as JSON lines and returns how many
// were written.
func Dump(dir string, w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	n := 0
	err := Replay(dir, func(e Entry) error {
		if err := enc.Encode(e); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

func replayFile(path string, handler func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	return scanEntries(dec, handler)
}

func scanEntries(r io.Reader, handler func(Entry) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return fmt.Errorf("unmarshal entry: %w", err)
		}
		if err := handler(e); err != nil {
			return err
		}
	}
	return scanner.Err()
}
