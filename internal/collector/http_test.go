package collector_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/sessionsync/internal/collector"
	"github.com/gyaneshwarpardhi/sessionsync/internal/credential"
	"github.com/gyaneshwarpardhi/sessionsync/internal/event"
	"github.com/gyaneshwarpardhi/sessionsync/internal/session"
	"github.com/gyaneshwarpardhi/sessionsync/internal/syncer"
)

type staticCredential struct{ cred *credential.Credential }

func (s staticCredential) Current(context.Context) (*credential.Credential, error) { return s.cred, nil }

type received struct {
	Session    session.Session `json:"session"`
	Events     []event.Event   `json:"events"`
	ChunkIndex int             `json:"chunk_index"`
	ChunkCount int             `json:"chunk_count"`
}

func events(n int) []event.Event {
	out := make([]event.Event, n)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = event.Event{Name: "e" + strconv.Itoa(i), Timestamp: at}
	}
	return out
}

func newCollector(t *testing.T, url string, opts collector.Options) *collector.HTTP {
	t.Helper()
	opts.BaseURL = url
	c, err := collector.NewHTTP(opts, staticCredential{cred: &credential.Credential{Token: "tok-123"}})
	require.NoError(t, err)
	return c
}

func TestUploadSession_SendsSessionAndParsesDirective(t *testing.T) {
	var got received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/sessions", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"should_poll":true,"retry_delay":5000,"retry_times":2}`))
	}))
	defer srv.Close()

	c := newCollector(t, srv.URL+"/", collector.Options{})
	d, err := c.UploadSession(context.Background(), session.Session{ID: "s1"}, events(3))
	require.NoError(t, err)

	assert.Equal(t, syncer.PollingDirective{ShouldPoll: true, RetryDelay: 5 * time.Second, RetryTimes: 2}, d)
	assert.Equal(t, "s1", got.Session.ID)
	assert.Len(t, got.Events, 3)
	assert.Equal(t, 0, got.ChunkIndex)
	assert.Equal(t, 1, got.ChunkCount)
}

func TestUploadSession_ChunksLargeSessions(t *testing.T) {
	var (
		mu     sync.Mutex
		chunks []received
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rc received
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rc))
		mu.Lock()
		chunks = append(chunks, rc)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newCollector(t, srv.URL, collector.Options{})
	d, err := c.UploadSession(context.Background(), session.Session{ID: "big"}, events(600))
	require.NoError(t, err)
	assert.False(t, d.ShouldPoll, "empty body means no polling")

	require.Len(t, chunks, 3)
	sizes := []int{250, 250, 100}
	for i, ch := range chunks {
		assert.Equal(t, i, ch.ChunkIndex)
		assert.Equal(t, 3, ch.ChunkCount)
		assert.Len(t, ch.Events, sizes[i])
	}
	assert.Equal(t, "e250", chunks[1].Events[0].Name, "order kept across chunks")
}

func TestUploadSession_EmptySessionIsOneRequest(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var rc received
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rc))
		assert.NotNil(t, rc.Events)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newCollector(t, srv.URL, collector.Options{})
	_, err := c.UploadSession(context.Background(), session.Session{ID: "empty"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestUploadSession_StatusErrors(t *testing.T) {
	for _, tc := range []struct {
		status    int
		transient bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
	} {
		t.Run(strconv.Itoa(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer srv.Close()

			c := newCollector(t, srv.URL, collector.Options{})
			_, err := c.UploadSession(context.Background(), session.Session{ID: "s"}, events(1))

			var ue *collector.UploadError
			require.True(t, errors.As(err, &ue))
			assert.Equal(t, tc.status, ue.StatusCode)
			assert.Equal(t, "nope", ue.Body)
			assert.Equal(t, tc.transient, ue.Transient())
		})
	}
}

func TestUploadSession_StopsAtFirstFailedChunk(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newCollector(t, srv.URL, collector.Options{MaxEventsPerUpload: 10})
	_, err := c.UploadSession(context.Background(), session.Session{ID: "s"}, events(35))
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestUploadSession_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := newCollector(t, url, collector.Options{})
	_, err := c.UploadSession(context.Background(), session.Session{ID: "s"}, events(1))

	var ue *collector.UploadError
	require.True(t, errors.As(err, &ue))
	assert.Zero(t, ue.StatusCode)
	assert.True(t, ue.Transient())
}

func TestUploadSession_RequiresCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("no request expected without a credential")
	}))
	defer srv.Close()

	c, err := collector.NewHTTP(collector.Options{BaseURL: srv.URL}, staticCredential{})
	require.NoError(t, err)
	_, err = c.UploadSession(context.Background(), session.Session{ID: "s"}, events(1))
	assert.ErrorIs(t, err, collector.ErrUnauthenticated)
}

func TestUploadSession_HonoursContextWhileRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newCollector(t, srv.URL, collector.Options{RequestsPerSecond: 0.001, Burst: 1, MaxEventsPerUpload: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.UploadSession(ctx, session.Session{ID: "s"}, events(2))
	require.Error(t, err, "second chunk cannot get a token before the deadline")
}

func TestNewHTTP_Validates(t *testing.T) {
	_, err := collector.NewHTTP(collector.Options{BaseURL: "ftp://example.com"}, staticCredential{})
	assert.Error(t, err)
	_, err = collector.NewHTTP(collector.Options{BaseURL: "https://example.com"}, nil)
	assert.Error(t, err)
}
