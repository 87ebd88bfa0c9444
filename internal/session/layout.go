package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/gyaneshwarpardhi/sessionsync/internal/event"
	"github.com/gyaneshwarpardhi/sessionsync/internal/medium"
)

// Files inside a session directory.
const (
	MetadataFile = "session.json"
	EventsFile   = "events.jsonl"
)

var (
	// ErrMissingMetadata marks a session directory without a metadata file.
	ErrMissingMetadata = errors.New("session: metadata file missing")
	// ErrCorrupt marks a session directory whose files do not decode.
	ErrCorrupt = errors.New("session: corrupt session data")
)

// writeMetadata atomically replaces the metadata file in dir.
func writeMetadata(ctx context.Context, dir string, s *Session) error {
	data, err := json.Marshal(s.metadata())
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", s.ID, err)
	}
	return medium.NewFileSystem(dir).Write(ctx, MetadataFile, data)
}

// readMetadata loads the metadata file in dir.
func readMetadata(dir string) (*Session, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissingMetadata, dir)
	}
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, MetadataFile, err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("%w: %s: no session id", ErrCorrupt, MetadataFile)
	}
	return &s, nil
}

// logFile is the part of *os.File the event log needs.
type logFile interface {
	io.WriteCloser
	Sync() error
	Seek(offset int64, whence int) (int64, error)
	Truncate(size int64) error
}

// eventLog appends newline-delimited events to a session's events file.
// Every record is synced before the append returns. A failed append leaves
// the file as it was, so a partial record never precedes a later one.
type eventLog struct {
	f logFile
}

func openEventLog(dir string) (*eventLog, error) {
	f, err := os.OpenFile(filepath.Join(dir, EventsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	return &eventLog{f: f}, nil
}

// encodeEvent renders one record, newline included.
func encodeEvent(ev event.Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func (l *eventLog) append(record []byte) error {
	end, err := l.f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("locating end of event log: %w", err)
	}
	if _, err := l.f.Write(record); err != nil {
		return l.rollback(end, fmt.Errorf("appending event: %w", err))
	}
	if err := l.f.Sync(); err != nil {
		return l.rollback(end, fmt.Errorf("syncing event log: %w", err))
	}
	return nil
}

// rollback cuts the file back to end after a failed append.
func (l *eventLog) rollback(end int64, cause error) error {
	if err := l.f.Truncate(end); err != nil {
		return errors.Join(cause, fmt.Errorf("truncating event log: %w", err))
	}
	return cause
}

func (l *eventLog) close() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// readEvents decodes the events file in dir. A missing file means no events.
// A final record without a trailing newline is a torn write and is dropped;
// torn reports whether that happened.
func readEvents(dir string) (events []event.Event, torn bool, err error) {
	f, err := os.Open(filepath.Join(dir, EventsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	for n := 1; ; n++ {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(bytes.TrimSpace(line)) > 0 {
				torn = true
			}
			return events, torn, nil
		}
		if err != nil {
			return nil, false, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var ev event.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, false, fmt.Errorf("%w: %s line %d: %v", ErrCorrupt, EventsFile, n, err)
		}
		events = append(events, ev)
	}
}
