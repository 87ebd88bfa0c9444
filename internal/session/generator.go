package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/sessionsync/internal/event"
)

// Upload is one element yielded by a Generator. When Err is set the
// directory could not be read and Session and Events are empty.
type Upload struct {
	Dir     string
	Session *Session
	Events  []event.Event
	Err     error
}

// Failed reports whether the element is error-tagged.
func (u Upload) Failed() bool { return u.Err != nil }

// ID returns the session directory name.
func (u Upload) ID() string { return filepath.Base(u.Dir) }

// GeneratorOptions configures a Generator.
type GeneratorOptions struct {
	// Exclude skips directories whose name it matches, checked just before
	// each directory is read.
	Exclude func(id string) bool
	Logger  *slog.Logger
}

// Generator walks session directories one at a time. It is finite and cannot
// be restarted; create a new one for every pass. It never deletes anything.
type Generator struct {
	root   string
	opts   GeneratorOptions
	logger *slog.Logger

	dir  *os.File
	done bool
}

// NewGenerator returns a generator over the session directories in root.
// Nothing is read until the first call to Next.
func NewGenerator(root string, opts GeneratorOptions) *Generator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{root: root, opts: opts, logger: logger}
}

// Next returns the next sealed session. ok is false once the directory is
// exhausted, the context is done, or the root cannot be listed.
func (g *Generator) Next(ctx context.Context) (Upload, bool) {
	for {
		if g.done || ctx.Err() != nil {
			g.Close()
			return Upload{}, false
		}
		if g.dir == nil {
			f, err := os.Open(g.root)
			if err != nil {
				g.logger.Warn("cannot list sessions", "root", g.root, "err", err)
				g.Close()
				return Upload{}, false
			}
			g.dir = f
		}

		entries, err := g.dir.ReadDir(1)
		if err != nil || len(entries) == 0 {
			if err != nil && !errors.Is(err, io.EOF) {
				g.logger.Warn("listing sessions", "root", g.root, "err", err)
			}
			g.Close()
			return Upload{}, false
		}

		entry := entries[0]
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if g.opts.Exclude != nil && g.opts.Exclude(name) {
			continue
		}
		dir := filepath.Join(g.root, name)
		if !entry.IsDir() {
			return Upload{Dir: dir, Err: fmt.Errorf("%w: %s is not a directory", ErrCorrupt, name)}, true
		}

		u, skip := g.read(dir)
		if skip {
			continue
		}
		return u, true
	}
}

// read loads one session directory. skip is true for sessions that are not
// sealed yet.
func (g *Generator) read(dir string) (u Upload, skip bool) {
	sess, err := readMetadata(dir)
	if err != nil {
		return Upload{Dir: dir, Err: err}, false
	}
	if !sess.Sealed() {
		g.logger.Debug("skipping unsealed session", "session_id", sess.ID)
		return Upload{}, true
	}
	events, torn, err := readEvents(dir)
	if err != nil {
		return Upload{Dir: dir, Err: err}, false
	}
	if torn {
		g.logger.Warn("dropped torn final event record", "session_id", sess.ID)
	}
	return Upload{Dir: dir, Session: sess, Events: events}, false
}

// All adapts the generator to range-over-func. Breaking out of the loop
// closes the generator.
func (g *Generator) All(ctx context.Context) iter.Seq[Upload] {
	return func(yield func(Upload) bool) {
		defer g.Close()
		for {
			u, ok := g.Next(ctx)
			if !ok || !yield(u) {
				return
			}
		}
	}
}

// Close releases the directory handle. The generator yields nothing after.
func (g *Generator) Close() {
	g.done = true
	if g.dir != nil {
		_ = g.dir.Close()
		g.dir = nil
	}
}

// Pending counts the sealed sessions under root that are waiting for upload,
// including unreadable ones that the next pass will purge.
func Pending(ctx context.Context, root string, exclude func(string) bool) (int, error) {
	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	g := NewGenerator(root, GeneratorOptions{Exclude: exclude, Logger: slog.New(slog.DiscardHandler)})
	n := 0
	for range g.All(ctx) {
		n++
	}
	return n, ctx.Err()
}

// MetadataGrace is how long a directory without metadata is assumed to be
// a session still being created.
const MetadataGrace = time.Minute

// Archive exposes the sealed sessions under Root to a process that does not
// record events itself, such as the CLI.
type Archive struct {
	Root string
}

// Generator returns a fresh generator over the archive.
func (a Archive) Generator(opts GeneratorOptions) *Generator {
	return NewGenerator(a.Root, opts)
}

// RemoveSessionDir deletes one session directory under Root. Unsealed
// sessions may belong to a running recorder and are refused, as are
// directories without metadata modified within MetadataGrace, which a
// recorder may be creating right now.
func (a Archive) RemoveSessionDir(dir string) error {
	if filepath.Clean(filepath.Dir(dir)) != filepath.Clean(a.Root) || strings.HasPrefix(filepath.Base(dir), ".") {
		return fmt.Errorf("session: %s is not a session directory under %s", dir, a.Root)
	}
	sess, err := readMetadata(dir)
	switch {
	case err == nil && !sess.Sealed():
		return ErrActiveSession
	case errors.Is(err, ErrMissingMetadata):
		info, serr := os.Stat(dir)
		if serr == nil && time.Since(info.ModTime()) < MetadataGrace {
			return ErrActiveSession
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing session dir: %w", err)
	}
	return nil
}
