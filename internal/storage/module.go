// Package storage layers typed, cached access on top of a byte-level medium.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/goccy/go-json"

	"github.com/gyaneshwarpardhi/sessionsync/internal/medium"
)

// ErrDecode wraps failures to deserialize a stored entry.
var ErrDecode = errors.New("storage: stored value could not be decoded")

// Options configures a Module.
type Options struct {
	// BlobKey, when set, stores every entry together under this single
	// medium key instead of one medium key per name.
	BlobKey string
	Logger  *slog.Logger
}

// ReadOption tunes a single Read.
type ReadOption func(*readOptions)

type readOptions struct {
	deleteOnError bool
	refresh       bool
}

// DeleteOnError removes an entry that fails to decode and reports it as
// absent, so a corrupt record heals instead of failing forever.
func DeleteOnError() ReadOption {
	return func(o *readOptions) { o.deleteOnError = true }
}

// Refresh skips the cache and reads the medium again, picking up writes
// made by another process sharing it.
func Refresh() ReadOption {
	return func(o *readOptions) { o.refresh = true }
}

// Module is a typed view over a medium with a write-through cache. All
// methods are serialized by a single mutex.
type Module[T any] struct {
	mu      sync.Mutex
	medium  medium.Medium
	codec   Codec[T]
	blobKey string
	logger  *slog.Logger

	loaded  bool
	cache   map[string]T
	corrupt map[string]struct{} // blob mode: entries that failed to decode on load
}

// New creates a Module. A nil codec means JSONCodec.
func New[T any](m medium.Medium, codec Codec[T], opts Options) *Module[T] {
	if codec == nil {
		codec = JSONCodec[T]{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Module[T]{
		medium:  m,
		codec:   codec,
		blobKey: opts.BlobKey,
		logger:  logger.With("component", "storage"),
		cache:   make(map[string]T),
		corrupt: make(map[string]struct{}),
	}
}

func (s *Module[T]) blobMode() bool { return s.blobKey != "" }

// load fills the cache from a blob on first access. Separate mode loads lazily per name.
func (s *Module[T]) load(ctx context.Context) {
	if s.loaded {
		return
	}
	s.loaded = true
	if !s.blobMode() {
		return
	}

	data, err := s.medium.Read(ctx, s.blobKey)
	if err != nil {
		s.logger.Error("loading storage blob", "key", s.blobKey, "err", err)
		return
	}
	if data == nil {
		return
	}
	var raw map[string][]byte
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Error("storage blob is corrupt, starting empty", "key", s.blobKey, "err", err)
		return
	}
	for name, b := range raw {
		v, err := s.codec.Unmarshal(b)
		if err != nil {
			s.corrupt[name] = struct{}{}
			continue
		}
		s.cache[name] = v
	}
}

// Read returns the value for name. ok is false when nothing is stored.
func (s *Module[T]) Read(ctx context.Context, name string, opts ...ReadOption) (value T, ok bool, err error) {
	var ro readOptions
	for _, o := range opts {
		o(&ro)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ro.refresh {
		s.invalidate(name)
	}
	s.load(ctx)

	if v, hit := s.cache[name]; hit {
		return v, true, nil
	}

	if s.blobMode() {
		if _, bad := s.corrupt[name]; bad {
			if !ro.deleteOnError {
				return value, false, fmt.Errorf("%w: %s", ErrDecode, name)
			}
			delete(s.corrupt, name)
			if err := s.persistBlob(ctx); err != nil {
				return value, false, err
			}
			s.logger.Warn("deleted undecodable entry", "name", name)
		}
		return value, false, nil
	}

	data, err := s.medium.Read(ctx, name)
	if err != nil && !errors.Is(err, medium.ErrDecrypt) {
		return value, false, err
	}
	if err == nil && data == nil {
		return value, false, nil
	}
	var v T
	if err == nil {
		v, err = s.codec.Unmarshal(data)
	}
	if err != nil {
		if !ro.deleteOnError {
			return value, false, fmt.Errorf("%w: %s: %v", ErrDecode, name, err)
		}
		s.logger.Warn("deleting undecodable entry", "name", name, "err", err)
		if derr := s.medium.Delete(ctx, name); derr != nil {
			return value, false, derr
		}
		return value, false, nil
	}
	s.cache[name] = v
	return v, true, nil
}

// invalidate drops cached state so the next access reads the medium. Blob
// mode reloads the whole blob. Caller holds mu.
func (s *Module[T]) invalidate(name string) {
	if s.blobMode() {
		s.loaded = false
		s.cache = make(map[string]T)
		s.corrupt = make(map[string]struct{})
		return
	}
	delete(s.cache, name)
}

// Write stores value under name. A nil value deletes the entry.
func (s *Module[T]) Write(ctx context.Context, name string, value *T) error {
	if value == nil {
		return s.Delete(ctx, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.load(ctx)

	if !s.blobMode() {
		data, err := s.codec.Marshal(*value)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", name, err)
		}
		if err := s.medium.Write(ctx, name, data); err != nil {
			return err
		}
		s.cache[name] = *value
		return nil
	}

	prev, had := s.cache[name]
	s.cache[name] = *value
	delete(s.corrupt, name)
	if err := s.persistBlob(ctx); err != nil {
		if had {
			s.cache[name] = prev
		} else {
			delete(s.cache, name)
		}
		return err
	}
	return nil
}

// Delete removes name from the cache and the medium.
func (s *Module[T]) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load(ctx)

	delete(s.cache, name)
	if s.blobMode() {
		delete(s.corrupt, name)
		return s.persistBlob(ctx)
	}
	return s.medium.Delete(ctx, name)
}

// Clear removes every entry this module manages.
func (s *Module[T]) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		s.cache = make(map[string]T)
		s.corrupt = make(map[string]struct{})
		s.loaded = true
	}()

	if s.blobMode() {
		return s.medium.Delete(ctx, s.blobKey)
	}

	names := make(map[string]struct{}, len(s.cache))
	for name := range s.cache {
		names[name] = struct{}{}
	}
	if l, ok := s.medium.(medium.Lister); ok {
		keys, err := l.Keys(ctx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			names[k] = struct{}{}
		}
	}
	var errs []error
	for name := range names {
		if err := s.medium.Delete(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CurrentData returns a snapshot of all entries that decode successfully.
func (s *Module[T]) CurrentData(ctx context.Context) (map[string]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load(ctx)

	if !s.blobMode() {
		if l, ok := s.medium.(medium.Lister); ok {
			keys, err := l.Keys(ctx)
			if err != nil {
				return nil, err
			}
			for _, k := range keys {
				if _, hit := s.cache[k]; hit {
					continue
				}
				data, err := s.medium.Read(ctx, k)
				if err != nil || data == nil {
					continue
				}
				v, err := s.codec.Unmarshal(data)
				if err != nil {
					s.logger.Warn("skipping undecodable entry", "name", k, "err", err)
					continue
				}
				s.cache[k] = v
			}
		}
	}

	out := make(map[string]T, len(s.cache))
	for k, v := range s.cache {
		out[k] = v
	}
	return out, nil
}

// persistBlob writes the whole cache under blobKey. Caller holds mu.
func (s *Module[T]) persistBlob(ctx context.Context) error {
	raw := make(map[string][]byte, len(s.cache))
	for name, v := range s.cache {
		b, err := s.codec.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", name, err)
		}
		raw[name] = b
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	if err := s.medium.Write(ctx, s.blobKey, data); err != nil {
		return err
	}
	// Undecodable entries are not rewritten, so they are gone from the medium.
	s.corrupt = make(map[string]struct{})
	return nil
}
