package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/sessionsync/internal/event"
	"github.com/gyaneshwarpardhi/sessionsync/internal/medium"
	"github.com/gyaneshwarpardhi/sessionsync/internal/metrics"
	"github.com/gyaneshwarpardhi/sessionsync/internal/workqueue"
)

var (
	// ErrActiveSession is returned when asked to remove the session still
	// receiving events.
	ErrActiveSession = errors.New("session: directory belongs to the active session")
	// ErrClosed is returned once the store has been closed.
	ErrClosed = errors.New("session: store is closed")
)

const defaultQueueSize = 1024

// Options configures a Store.
type Options struct {
	// IdleTimeout seals the active session when the gap since its last
	// event exceeds it. Zero disables idle rotation.
	IdleTimeout time.Duration
	// QueueSize bounds the pending writes. LogEvent drops events past it.
	QueueSize int
	// DeviceContext is captured into every new session.
	DeviceContext func() map[string]event.Value
	Logger        *slog.Logger
	Clock         func() time.Time
}

type opKind int

const (
	opEvent opKind = iota
	opProperty
	opRotate
	opFlush
	opClose
)

type op struct {
	kind  opKind
	ev    event.Event
	key   string
	value event.Value
}

// Store owns the active session. Writes go through a single-worker queue, so
// they reach disk in the order they were submitted.
type Store struct {
	root   string
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	queue  *workqueue.Pool[op]

	mu     sync.Mutex
	active *Session
	dir    string
	log    *eventLog
	events int
	props  map[string]event.Value
}

// Open prepares root, seals sessions left unsealed by an earlier process and
// starts a fresh active session.
func Open(ctx context.Context, root string, opts Options) (*Store, error) {
	if err := medium.EnsureDir(root); err != nil {
		return nil, err
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		root:   root,
		opts:   opts,
		logger: logger.With("component", "session"),
		now:    opts.Clock,
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}

	if err := s.sealOrphans(ctx); err != nil {
		return nil, err
	}
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	s.queue = workqueue.New(context.Background(), 1, opts.QueueSize, s.apply)
	return s, nil
}

// Root returns the directory holding one subdirectory per session.
func (s *Store) Root() string { return s.root }

// ActiveID returns the ID of the session receiving events, or "" once closed.
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.ID
}

// IsActive reports whether id names the active session.
func (s *Store) IsActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil && s.active.ID == id
}

// LogEvent queues ev for the active session and returns without waiting for
// disk. It returns false when the event was dropped.
func (s *Store) LogEvent(ev event.Event) bool {
	err := s.queue.Enqueue(op{kind: opEvent, ev: ev})
	if err != nil {
		reason := "queue_full"
		if errors.Is(err, workqueue.ErrClosed) {
			reason = "closed"
		}
		metrics.EventsDropped.WithLabelValues(reason).Inc()
		s.logger.Warn("dropping event", "name", ev.Name, "reason", reason)
		return false
	}
	metrics.QueueUtilization.Set(s.QueueUtilization())
	return true
}

// LogEventSync appends ev and waits until it is on disk.
func (s *Store) LogEventSync(ctx context.Context, ev event.Event) error {
	return s.submit(ctx, op{kind: opEvent, ev: ev})
}

// SetUserProperty records a property on the active session and every later
// one. A null value removes the property.
func (s *Store) SetUserProperty(ctx context.Context, key string, v event.Value) error {
	if key == "" {
		return errors.New("session: empty user property key")
	}
	return s.submit(ctx, op{kind: opProperty, key: key, value: v})
}

// EndActiveSession seals the active session after any queued writes and
// starts a new one.
func (s *Store) EndActiveSession(ctx context.Context) error {
	return s.submit(ctx, op{kind: opRotate})
}

// Flush waits until every write queued before it has reached disk.
func (s *Store) Flush(ctx context.Context) error {
	return s.submit(ctx, op{kind: opFlush})
}

// Close writes out queued events, seals the active session and stops the
// store. Later writes are refused.
func (s *Store) Close(ctx context.Context) error {
	err := s.submit(ctx, op{kind: opClose})
	s.queue.Drain()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// QueueUtilization returns how full the write queue is (0–1).
func (s *Store) QueueUtilization() float64 {
	c := s.queue.QueueCap()
	if c == 0 {
		return 0
	}
	return float64(s.queue.QueueLen()) / float64(c)
}

// RemoveSessionDir deletes a sealed session's directory. The active session
// cannot be removed.
func (s *Store) RemoveSessionDir(dir string) error {
	id := filepath.Base(dir)
	if filepath.Clean(filepath.Dir(dir)) != filepath.Clean(s.root) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("session: %s is not a session directory under %s", dir, s.root)
	}
	if s.IsActive(id) {
		return ErrActiveSession
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing session dir: %w", err)
	}
	return nil
}

// Generator returns a fresh upload generator over this store's sealed sessions.
func (s *Store) Generator(opts GeneratorOptions) *Generator {
	opts.Exclude = s.IsActive
	if opts.Logger == nil {
		opts.Logger = s.logger
	}
	return NewGenerator(s.root, opts)
}

func (s *Store) submit(ctx context.Context, o op) error {
	err := s.queue.SubmitWait(ctx, o)
	if errors.Is(err, workqueue.ErrClosed) {
		return ErrClosed
	}
	return err
}

// apply runs on the queue's single worker.
func (s *Store) apply(ctx context.Context, o op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return ErrClosed
	}

	switch o.kind {
	case opEvent:
		return s.appendEvent(ctx, o.ev)
	case opProperty:
		if o.value.IsNull() {
			delete(s.props, o.key)
			delete(s.active.UserProperties, o.key)
		} else {
			if s.props == nil {
				s.props = make(map[string]event.Value)
			}
			if s.active.UserProperties == nil {
				s.active.UserProperties = make(map[string]event.Value)
			}
			s.props[o.key] = o.value
			s.active.UserProperties[o.key] = o.value
		}
		s.active.UpdatedAt = s.now()
		return writeMetadata(ctx, s.dir, s.active)
	case opRotate:
		if err := s.sealActive(ctx); err != nil {
			return err
		}
		return s.startLocked(ctx)
	case opFlush:
		return nil
	case opClose:
		return s.sealActive(ctx)
	}
	return fmt.Errorf("session: unknown op %d", o.kind)
}

// appendEvent writes one event record, rotating first when the session went
// idle. Caller holds mu.
func (s *Store) appendEvent(ctx context.Context, ev event.Event) error {
	now := s.now()
	if s.opts.IdleTimeout > 0 && s.events > 0 && now.Sub(s.active.UpdatedAt) > s.opts.IdleTimeout {
		s.logger.Info("session idle, rotating", "session_id", s.active.ID, "idle", now.Sub(s.active.UpdatedAt))
		if err := s.sealActive(ctx); err != nil {
			return err
		}
		if err := s.startLocked(ctx); err != nil {
			return err
		}
	}

	record, err := encodeEvent(ev)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("encode").Inc()
		s.logger.Error("dropping unencodable event", "name", ev.Name, "err", err)
		return nil
	}
	if err := s.log.append(record); err != nil {
		metrics.EventsDropped.WithLabelValues("write").Inc()
		s.logger.Error("writing event", "session_id", s.active.ID, "err", err)
		return err
	}
	s.events++
	s.active.UpdatedAt = now
	metrics.EventsLogged.Inc()
	return writeMetadata(ctx, s.dir, s.active)
}

// sealActive ends the active session. Sessions without events are discarded
// instead of being kept for upload. Caller holds mu.
func (s *Store) sealActive(ctx context.Context) error {
	sess := s.active
	if sess == nil {
		return nil
	}
	if err := s.log.close(); err != nil {
		s.logger.Warn("closing event log", "session_id", sess.ID, "err", err)
	}
	s.active, s.log = nil, nil

	if s.events == 0 {
		s.logger.Debug("discarding empty session", "session_id", sess.ID)
		return os.RemoveAll(s.dir)
	}
	sess.seal()
	if err := writeMetadata(ctx, s.dir, sess); err != nil {
		return err
	}
	metrics.SessionsSealed.Inc()
	s.logger.Info("session sealed", "session_id", sess.ID, "events", s.events)
	return nil
}

func (s *Store) start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

// startLocked creates the directory and files for a new active session.
// Caller holds mu.
func (s *Store) startLocked(ctx context.Context) error {
	var device map[string]event.Value
	if s.opts.DeviceContext != nil {
		device = s.opts.DeviceContext()
	}
	sess, err := newSession(s.now(), s.props, device)
	if err != nil {
		return fmt.Errorf("creating session id: %w", err)
	}
	dir := filepath.Join(s.root, sess.ID)
	if err := writeMetadata(ctx, dir, sess); err != nil {
		return err
	}
	log, err := openEventLog(dir)
	if err != nil {
		return err
	}
	s.active, s.dir, s.log, s.events = sess, dir, log, 0
	s.logger.Info("session started", "session_id", sess.ID)
	return nil
}

// sealOrphans seals every unsealed session directory. No process is writing to
// them any more, so their last update is when they ended.
func (s *Store) sealOrphans(ctx context.Context) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(s.root, e.Name())
		sess, err := readMetadata(dir)
		if err != nil {
			// Left for the generator to report and the coordinator to purge.
			s.logger.Warn("unreadable session left behind", "dir", dir, "err", err)
			continue
		}
		if sess.Sealed() {
			continue
		}
		events, _, err := readEvents(dir)
		if err == nil && len(events) == 0 {
			if err := os.RemoveAll(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("removing empty session", "dir", dir, "err", err)
			}
			continue
		}
		if n := len(events); n > 0 && events[n-1].Timestamp.After(sess.UpdatedAt) {
			sess.UpdatedAt = events[n-1].Timestamp
		}
		sess.seal()
		if err := writeMetadata(ctx, dir, sess); err != nil {
			return fmt.Errorf("sealing recovered session %s: %w", sess.ID, err)
		}
		metrics.SessionsSealed.Inc()
		s.logger.Info("sealed session from previous run", "session_id", sess.ID)
	}
	return nil
}
