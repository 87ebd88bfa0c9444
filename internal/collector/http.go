// Package collector uploads sessions to the telemetry backend over HTTP.
package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/gyaneshwarpardhi/sessionsync/internal/event"
	"github.com/gyaneshwarpardhi/sessionsync/internal/session"
	"github.com/gyaneshwarpardhi/sessionsync/internal/syncer"
)

// DefaultMaxEventsPerUpload caps the events sent in one request.
const DefaultMaxEventsPerUpload = 250

// ErrUnauthenticated is returned when there is no usable credential.
var ErrUnauthenticated = errors.New("collector: no usable credential")

// UploadError is a failed upload. StatusCode is zero for network failures.
type UploadError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UploadError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("collector: upload failed: %v", e.Err)
	}
	return fmt.Sprintf("collector: upload rejected with status %d: %s", e.StatusCode, e.Body)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Transient reports whether retrying later may succeed.
func (e *UploadError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Options configures an HTTP collector.
type Options struct {
	BaseURL            string
	MaxEventsPerUpload int
	// RequestsPerSecond limits outgoing requests. Zero means unlimited.
	RequestsPerSecond float64
	Burst             int
	Client            *http.Client
	UserAgent         string
	Logger            *slog.Logger
}

// HTTP implements syncer.Collector against POST <base>/v1/sessions.
type HTTP struct {
	endpoint  string
	maxEvents int
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	creds     syncer.CredentialSource
	logger    *slog.Logger
}

// NewHTTP creates a collector that authenticates with the credentials in creds.
func NewHTTP(opts Options, creds syncer.CredentialSource) (*HTTP, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("collector: base URL %q must be http or https", opts.BaseURL)
	}
	if creds == nil {
		return nil, errors.New("collector: credential source is required")
	}
	h := &HTTP{
		endpoint:  base + "/v1/sessions",
		maxEvents: opts.MaxEventsPerUpload,
		client:    opts.Client,
		limiter:   rate.NewLimiter(rate.Inf, 0),
		userAgent: opts.UserAgent,
		creds:     creds,
		logger:    opts.Logger,
	}
	if h.maxEvents <= 0 {
		h.maxEvents = DefaultMaxEventsPerUpload
	}
	if h.client == nil {
		h.client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	if h.userAgent == "" {
		h.userAgent = "sessionsync"
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "collector")
	return h, nil
}

type uploadRequest struct {
	Session    session.Session `json:"session"`
	Events     []event.Event   `json:"events"`
	ChunkIndex int             `json:"chunk_index"`
	ChunkCount int             `json:"chunk_count"`
}

type directiveResponse struct {
	ShouldPoll bool  `json:"should_poll"`
	RetryDelay int64 `json:"retry_delay"` // milliseconds
	RetryTimes int   `json:"retry_times"`
}

// UploadSession sends the session in chunks of at most MaxEventsPerUpload
// events. Every chunk must be accepted; the directive of the last one wins.
func (h *HTTP) UploadSession(ctx context.Context, s session.Session, events []event.Event) (syncer.PollingDirective, error) {
	cred, err := h.creds.Current(ctx)
	if err != nil {
		return syncer.PollingDirective{}, fmt.Errorf("collector: reading credential: %w", err)
	}
	if !cred.Usable(time.Now()) {
		return syncer.PollingDirective{}, ErrUnauthenticated
	}

	s.Events = nil
	chunks := (len(events) + h.maxEvents - 1) / h.maxEvents
	if chunks == 0 {
		chunks = 1
	}

	var directive syncer.PollingDirective
	for i := 0; i < chunks; i++ {
		lo := i * h.maxEvents
		hi := min(lo+h.maxEvents, len(events))
		req := uploadRequest{
			Session:    s,
			Events:     events[lo:hi],
			ChunkIndex: i,
			ChunkCount: chunks,
		}
		if req.Events == nil {
			req.Events = []event.Event{}
		}
		directive, err = h.post(ctx, cred.Token, req)
		if err != nil {
			return syncer.PollingDirective{}, err
		}
	}
	h.logger.Debug("session uploaded", "session_id", s.ID, "events", len(events), "chunks", chunks)
	return directive, nil
}

func (h *HTTP) post(ctx context.Context, token string, payload uploadRequest) (syncer.PollingDirective, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return syncer.PollingDirective{}, &UploadError{Err: err}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return syncer.PollingDirective{}, fmt.Errorf("collector: encoding session %s: %w", payload.Session.ID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return syncer.PollingDirective{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return syncer.PollingDirective{}, &UploadError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return syncer.PollingDirective{}, &UploadError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return syncer.PollingDirective{}, &UploadError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	var dr directiveResponse
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &dr); err != nil {
			h.logger.Warn("ignoring malformed directive", "session_id", payload.Session.ID, "err", err)
			return syncer.PollingDirective{}, nil
		}
	}
	return syncer.PollingDirective{
		ShouldPoll: dr.ShouldPoll,
		RetryDelay: time.Duration(dr.RetryDelay) * time.Millisecond,
		RetryTimes: dr.RetryTimes,
	}, nil
}
