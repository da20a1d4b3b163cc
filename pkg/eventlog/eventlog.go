// Package eventlog implements the append-only JSONL record of feature transitions
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/forja/forja/pkg/types"
)

// ErrCorruptLog is returned when a line other than a torn final line fails to parse
var ErrCorruptLog = errors.New("event log is corrupt")

// ErrClosed is returned by Append after Close
var ErrClosed = errors.New("event log is closed")

// Observer is notified after every durable append
type Observer func(types.Event)

// Log is an append-only event log. Appends are serialized and fsynced.
type Log struct {
	path      string
	runID     string
	mu        sync.Mutex
	file      *os.File
	seq       uint64
	observers []Observer
	now       func() time.Time
}

// Open opens or creates the log at path and recovers the last sequence number.
// Events appended through the returned Log are stamped with runID.
func Open(path, runID string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	events, torn, err := read(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	// Cut a torn tail off so the next append starts on a fresh line.
	if torn >= 0 {
		if err := file.Truncate(torn); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to drop torn event log tail: %w", err)
		}
	}

	if err := terminateLastLine(path, file); err != nil {
		file.Close()
		return nil, err
	}

	l := &Log{
		path:  path,
		runID: runID,
		file:  file,
		now:   time.Now,
	}
	if n := len(events); n > 0 {
		l.seq = events[n-1].Seq
	}
	return l, nil
}

// Path returns the log's file path
func (l *Log) Path() string { return l.path }

// LastSeq returns the sequence number of the most recent append
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Observe registers an observer called after each append
func (l *Log) Observe(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

// Append assigns the next sequence number, writes ev as one line, and fsyncs.
// The returned event carries the assigned Seq, RunID and Timestamp.
func (l *Log) Append(ev types.Event) (types.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return types.Event{}, ErrClosed
	}

	ev.Seq = l.seq + 1
	if ev.RunID == "" {
		ev.RunID = l.runID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return types.Event{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return types.Event{}, fmt.Errorf("failed to append event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return types.Event{}, fmt.Errorf("failed to sync event log: %w", err)
	}
	l.seq = ev.Seq

	for _, o := range l.observers {
		o(ev)
	}
	return ev, nil
}

// Close closes the underlying file. Further appends fail with ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// terminateLastLine appends a newline when the file ends mid-line with a valid record
func terminateLastLine(path string, w *os.File) error {
	r, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to inspect event log: %w", err)
	}
	defer r.Close()

	info, err := r.Stat()
	if err != nil || info.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	if _, err := r.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("failed to inspect event log: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := w.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("failed to terminate event log: %w", err)
	}
	return nil
}

// ReadAll returns every event in the log at path, oldest first.
// A missing file yields no events.
func ReadAll(path string) ([]types.Event, error) {
	events, _, err := read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return events, err
}

// ReadSince returns the events with Seq greater than seq
func ReadSince(path string, seq uint64) ([]types.Event, error) {
	events, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	var out []types.Event
	for _, ev := range events {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Tail returns at most the last n events
func Tail(path string, n int) ([]types.Event, error) {
	events, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

// read parses the log. torn is the byte offset of an unterminated final line
// that failed to parse, or -1 when the file ends cleanly.
func read(path string) ([]types.Event, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, -1, err
	}
	defer f.Close()

	var (
		events []types.Event
		offset int64
		lineNo int
	)
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) == 0 && err == io.EOF {
			return events, -1, nil
		}
		if err != nil && err != io.EOF {
			return nil, -1, fmt.Errorf("failed to read event log: %w", err)
		}
		lineNo++
		terminated := err == nil

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			var ev types.Event
			if uerr := json.Unmarshal(trimmed, &ev); uerr != nil {
				if !terminated {
					return events, offset, nil
				}
				return nil, -1, fmt.Errorf("%w: line %d: %v", ErrCorruptLog, lineNo, uerr)
			}
			events = append(events, ev)
		}

		offset += int64(len(line))
		if !terminated {
			return events, -1, nil
		}
	}
}
