// Package engine is the host-facing facade over session recording,
// credentials and sync.
package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gyaneshwarpardhi/sessionsync/internal/credential"
	"github.com/gyaneshwarpardhi/sessionsync/internal/event"
	"github.com/gyaneshwarpardhi/sessionsync/internal/metrics"
	"github.com/gyaneshwarpardhi/sessionsync/internal/session"
	"github.com/gyaneshwarpardhi/sessionsync/internal/syncer"
)

// App states reported with AppStateChanged.
const (
	StateForeground = "foreground"
	StateBackground = "background"
)

// Config wires an Engine. Sessions, Credentials and Coordinator are required.
type Config struct {
	Sessions    *session.Store
	Credentials *credential.Store
	Coordinator *syncer.Coordinator
	// TrackLifecycle records app_state_changed events on state transitions.
	TrackLifecycle bool
	Logger         *slog.Logger
}

// Engine records events into sessions and keeps them flowing to the collector.
type Engine struct {
	sessions  *session.Store
	creds     *credential.Store
	sync      *syncer.Coordinator
	lifecycle bool
	logger    *slog.Logger
}

// New creates an Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		sessions:  cfg.Sessions,
		creds:     cfg.Credentials,
		sync:      cfg.Coordinator,
		lifecycle: cfg.TrackLifecycle,
		logger:    logger.With("component", "engine"),
	}
}

// LogEvent records a named event without waiting for disk. It returns false
// when the event was dropped.
func (e *Engine) LogEvent(name string, params map[string]any) bool {
	ev, err := event.FromAny(name, params)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("invalid_name").Inc()
		e.logger.Warn("dropping event with invalid name", "name", name, "err", err)
		return false
	}
	return e.sessions.LogEvent(ev)
}

// LogStructured records a prepared event.
func (e *Engine) LogStructured(ev event.Event) bool {
	if ev.Name = event.NormalizeName(ev.Name); ev.Name == "" {
		metrics.EventsDropped.WithLabelValues("invalid_name").Inc()
		e.logger.Warn("dropping structured event with empty name")
		return false
	}
	return e.sessions.LogEvent(ev)
}

// LogEventSync records a named event and waits until it is on disk.
func (e *Engine) LogEventSync(ctx context.Context, name string, params map[string]any) (event.Event, error) {
	ev, err := event.FromAny(name, params)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("invalid_name").Inc()
		return event.Event{}, err
	}
	return ev, e.sessions.LogEventSync(ctx, ev)
}

// SetUserProperty attaches a property to the current and later sessions.
// A nil value removes it.
func (e *Engine) SetUserProperty(ctx context.Context, key string, value any) error {
	return e.sessions.SetUserProperty(ctx, key, event.ValueOf(value))
}

// SetCredential stores c and starts a sync for anything recorded while
// logged out.
func (e *Engine) SetCredential(ctx context.Context, c credential.Credential) error {
	if c.Token == "" {
		return errors.New("engine: credential token is empty")
	}
	if err := e.creds.Update(ctx, &c); err != nil {
		return err
	}
	e.sync.Trigger(syncer.ReasonManual)
	return nil
}

// Logout forgets the credential. Recorded sessions stay on disk until the
// next login.
func (e *Engine) Logout(ctx context.Context) error {
	return e.creds.Update(ctx, nil)
}

// Credential returns the stored credential, or nil.
func (e *Engine) Credential(ctx context.Context) (*credential.Credential, error) {
	return e.creds.Current(ctx)
}

// AppForegrounded starts a sync pass.
func (e *Engine) AppForegrounded() {
	e.recordState(StateForeground)
	e.sync.Trigger(syncer.ReasonForeground)
}

// AppBackgrounded seals the active session so it becomes uploadable, then
// starts a sync pass.
func (e *Engine) AppBackgrounded(ctx context.Context) error {
	e.recordState(StateBackground)
	if err := e.sessions.EndActiveSession(ctx); err != nil {
		e.logger.Error("sealing session on background", "err", err)
		return err
	}
	e.sync.Trigger(syncer.ReasonBackground)
	return nil
}

func (e *Engine) recordState(state string) {
	if !e.lifecycle {
		return
	}
	ev, err := event.New(event.AppStateChanged, map[string]event.Value{"state": event.String(state)})
	if err != nil {
		return
	}
	e.sessions.LogEvent(ev)
}

// TriggerSync starts a sync pass in the background. It returns false if one
// is already running.
func (e *Engine) TriggerSync() bool {
	return e.sync.Trigger(syncer.ReasonManual)
}

// Sync runs a pass and waits for it.
func (e *Engine) Sync(ctx context.Context) syncer.Result {
	return e.sync.Sync(ctx, syncer.ReasonManual)
}

// Pending counts sealed sessions waiting for upload.
func (e *Engine) Pending(ctx context.Context) (int, error) {
	return session.Pending(ctx, e.sessions.Root(), e.sessions.IsActive)
}

// ActiveSessionID returns the ID of the session receiving events.
func (e *Engine) ActiveSessionID() string {
	return e.sessions.ActiveID()
}

// QueueUtilization returns write queue used / capacity (0–1).
func (e *Engine) QueueUtilization() float64 {
	return e.sessions.QueueUtilization()
}

// Shutdown cancels sync, waits for the running pass until ctx is done and
// seals the active session. Sessions a cancelled pass did not finish stay on
// disk for the next run.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.sync.Stop()
	done := make(chan struct{})
	go func() {
		e.sync.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("sync pass still running at shutdown", "err", ctx.Err())
	}
	return e.sessions.Close(context.WithoutCancel(ctx))
}
