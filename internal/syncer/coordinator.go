// Package syncer drains sealed sessions to the collector, one pass at a time.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gyaneshwarpardhi/sessionsync/internal/metrics"
	"github.com/gyaneshwarpardhi/sessionsync/internal/session"
)

const tracerName = "github.com/gyaneshwarpardhi/sessionsync/internal/syncer"

// SkipReason explains a pass that uploaded nothing by design.
type SkipReason string

const (
	SkipBusy         SkipReason = "busy"
	SkipNoCredential SkipReason = "no_credential"
)

// Result summarizes one pass.
type Result struct {
	Reason    Reason            `json:"reason"`
	Uploaded  int               `json:"uploaded"`
	Failed    int               `json:"failed"`
	Purged    int               `json:"purged"`
	Skipped   SkipReason        `json:"skipped,omitempty"`
	Directive *PollingDirective `json:"directive,omitempty"`
	Err       error             `json:"-"`
}

// Config wires a Coordinator.
type Config struct {
	Collector   Collector
	Credentials CredentialSource
	Sessions    SessionSource
	// Scheduler defaults to time.AfterFunc.
	Scheduler Scheduler
	// UploadTimeout bounds each collector call. Zero means no limit.
	UploadTimeout time.Duration
	Logger        *slog.Logger
	Tracer        trace.Tracer
	Clock         func() time.Time
}

// Coordinator runs sync passes. At most one pass is in flight at any time.
type Coordinator struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
	syncing atomic.Bool
	wg      sync.WaitGroup

	// base is cancelled by Stop and bounds every pass.
	base       context.Context
	cancelBase context.CancelFunc

	intervalC chan time.Duration

	mu        sync.Mutex
	directive *PollingDirective
	remaining int
	pollTimer Timer
	stopped   bool
}

// New creates a Coordinator. Collector, Credentials and Sessions are required.
func New(cfg Config) *Coordinator {
	if cfg.Scheduler == nil {
		cfg.Scheduler = realScheduler{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	base, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:        cfg,
		logger:     logger.With("component", "syncer"),
		tracer:     tracer,
		now:        now,
		base:       base,
		cancelBase: cancel,
		intervalC:  make(chan time.Duration, 1),
	}
}

// Trigger starts a pass in the background and returns immediately. It
// returns false when a pass is already running or the coordinator is stopped.
func (c *Coordinator) Trigger(reason Reason) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	if !c.syncing.CompareAndSwap(false, true) {
		c.logger.Debug("sync already in progress", "reason", reason)
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pass(c.base, reason)
	}()
	return true
}

// Sync runs a pass on the caller's goroutine. If another pass holds the flag
// it returns at once with Skipped set to SkipBusy.
func (c *Coordinator) Sync(ctx context.Context, reason Reason) Result {
	if !c.syncing.CompareAndSwap(false, true) {
		return Result{Reason: reason, Skipped: SkipBusy}
	}
	return c.pass(ctx, reason)
}

// Syncing reports whether a pass is in flight.
func (c *Coordinator) Syncing() bool { return c.syncing.Load() }

// pass drains one generator. The caller has acquired the syncing flag; pass
// always releases it.
func (c *Coordinator) pass(ctx context.Context, reason Reason) (res Result) {
	res.Reason = reason
	start := c.now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopOnStop := context.AfterFunc(c.base, cancel)
	defer stopOnStop()
	ctx, span := c.tracer.Start(ctx, "sync.pass",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("sync.reason", string(reason))),
	)

	defer func() {
		outcome := "ok"
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("sync pass panicked: %v", r)
			outcome = "panic"
			c.logger.Error("sync pass panicked", "reason", reason, "panic", r)
			span.SetStatus(codes.Error, res.Err.Error())
		} else if res.Skipped != "" {
			outcome = string(res.Skipped)
		} else if res.Failed > 0 {
			outcome = "partial"
		}
		span.SetAttributes(
			attribute.Int("sync.uploaded", res.Uploaded),
			attribute.Int("sync.failed", res.Failed),
			attribute.Int("sync.purged", res.Purged),
		)
		span.End()
		metrics.SyncPasses.WithLabelValues(string(reason), outcome).Inc()
		metrics.SyncPassDuration.Observe(float64(c.now().Sub(start).Milliseconds()))
		c.syncing.Store(false)
	}()

	cred, err := c.cfg.Credentials.Current(ctx)
	if err != nil {
		c.logger.Warn("reading credential", "err", err)
	}
	if err != nil || !cred.Usable(c.now()) {
		c.logger.Debug("no usable credential, skipping sync", "reason", reason)
		res.Skipped = SkipNoCredential
		return res
	}

	var (
		latest   *PollingDirective
		declined bool
	)
	gen := c.cfg.Sessions.Generator(session.GeneratorOptions{Logger: c.logger})
	for u := range gen.All(ctx) {
		if u.Failed() {
			if c.purge(u) {
				res.Purged++
			}
			continue
		}
		d, err := c.upload(ctx, u)
		if err != nil {
			res.Failed++
			continue
		}
		res.Uploaded++
		if err := c.cfg.Sessions.RemoveSessionDir(u.Dir); err != nil {
			c.logger.Error("removing uploaded session", "session_id", u.Session.ID, "err", err)
		}
		if d.ShouldPoll {
			latest, declined = &d, false
		} else {
			declined = latest == nil
		}
	}

	res.Directive = c.schedule(reason, latest, declined)
	c.logger.Info("sync pass finished",
		"reason", reason,
		"uploaded", res.Uploaded,
		"failed", res.Failed,
		"purged", res.Purged,
		"duration", c.now().Sub(start),
	)
	return res
}

func (c *Coordinator) upload(ctx context.Context, u session.Upload) (PollingDirective, error) {
	ctx, span := c.tracer.Start(ctx, "sync.upload", trace.WithAttributes(
		attribute.String("session.id", u.Session.ID),
		attribute.Int("session.events", len(u.Events)),
	))
	defer span.End()

	if c.cfg.UploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.UploadTimeout)
		defer cancel()
	}

	d, err := c.cfg.Collector.UploadSession(ctx, *u.Session, u.Events)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.SessionUploads.WithLabelValues("failed").Inc()
		c.logger.Warn("session upload failed, keeping for next pass", "session_id", u.Session.ID, "err", err)
		return PollingDirective{}, err
	}
	metrics.SessionUploads.WithLabelValues("ok").Inc()
	c.logger.Debug("session uploaded", "session_id", u.Session.ID, "events", len(u.Events))
	return d, nil
}

// purge removes a directory the generator could not read. It can never be
// uploaded, so keeping it would only fail every pass.
func (c *Coordinator) purge(u session.Upload) bool {
	if err := c.cfg.Sessions.RemoveSessionDir(u.Dir); err != nil {
		c.logger.Warn("unreadable session not purged", "dir", u.Dir, "read_err", u.Err, "err", err)
		return false
	}
	metrics.SessionUploads.WithLabelValues("purged").Inc()
	c.logger.Warn("purged unreadable session", "dir", u.Dir, "err", u.Err)
	return true
}

// schedule applies the polling budget after a pass and returns the directive
// in force. Passes not started by a poll reset the budget; each scheduled
// poll spends one unit; a pass whose uploads all declined polling clears it.
func (c *Coordinator) schedule(reason Reason, latest *PollingDirective, declined bool) *PollingDirective {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case latest != nil:
		c.directive = latest
	case declined:
		c.clearPollLocked()
		return nil
	}
	if c.directive == nil || c.stopped {
		return c.directive
	}
	if reason != ReasonPoll {
		c.remaining = c.directive.RetryTimes
	}
	if c.remaining <= 0 {
		if reason == ReasonPoll {
			metrics.SyncPollExhausted.Inc()
			c.logger.Warn("server polling budget exhausted", "retry_times", c.directive.RetryTimes)
		}
		d := c.directive
		c.clearPollLocked()
		return d
	}

	c.remaining--
	if c.pollTimer != nil {
		c.pollTimer.Stop()
	}
	delay := c.directive.RetryDelay
	c.pollTimer = c.cfg.Scheduler.AfterFunc(delay, func() {
		c.Trigger(ReasonPoll)
	})
	c.logger.Debug("scheduled poll", "delay", delay, "remaining", c.remaining)
	return c.directive
}

func (c *Coordinator) clearPollLocked() {
	c.directive = nil
	c.remaining = 0
	if c.pollTimer != nil {
		c.pollTimer.Stop()
		c.pollTimer = nil
	}
}

// Run triggers a pass every interval until ctx is done, then stops the
// coordinator.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Stop()
			return
		case d := <-c.intervalC:
			ticker.Reset(d)
			c.logger.Info("sync interval changed", "interval", d)
		case <-ticker.C:
			c.Trigger(ReasonTimer)
		}
	}
}

// SetInterval changes the period of a running Run loop.
func (c *Coordinator) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	for {
		select {
		case c.intervalC <- d:
			return
		default:
			select {
			case <-c.intervalC:
			default:
			}
		}
	}
}

// Stop cancels pending polls, refuses new triggers and cancels the running
// pass. An upload cut short counts as failed and its session is kept. Use
// Wait to block until the pass has returned.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.clearPollLocked()
	c.cancelBase()
}

// Wait blocks until background passes started by Trigger have finished.
func (c *Coordinator) Wait() { c.wg.Wait() }
