package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/sessionsync/internal/api"
	"github.com/gyaneshwarpardhi/sessionsync/internal/credential"
	"github.com/gyaneshwarpardhi/sessionsync/internal/engine"
	"github.com/gyaneshwarpardhi/sessionsync/internal/event"
	"github.com/gyaneshwarpardhi/sessionsync/internal/medium"
	"github.com/gyaneshwarpardhi/sessionsync/internal/session"
	"github.com/gyaneshwarpardhi/sessionsync/internal/syncer"
)

type countingCollector struct {
	mu     sync.Mutex
	events int
	calls  int
}

func (c *countingCollector) UploadSession(_ context.Context, _ session.Session, events []event.Event) (syncer.PollingDirective, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.events += len(events)
	return syncer.PollingDirective{}, nil
}

func (c *countingCollector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newServer(t *testing.T) (*httptest.Server, *engine.Engine, *countingCollector) {
	t.Helper()
	ctx := context.Background()
	sessions, err := session.Open(ctx, t.TempDir(), session.Options{})
	require.NoError(t, err)
	creds := credential.NewStore(medium.NewMemory(), nil)
	col := &countingCollector{}
	eng := engine.New(engine.Config{
		Sessions:    sessions,
		Credentials: creds,
		Coordinator: syncer.New(syncer.Config{Collector: col, Credentials: creds, Sessions: sessions}),
	})
	srv := httptest.NewServer(api.New(eng))
	t.Cleanup(func() {
		srv.Close()
		_ = eng.Shutdown(context.Background())
	})
	return srv, eng, col
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestLogEvent(t *testing.T) {
	srv, eng, _ := newServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/events", `{"name":"Checkout Started","params":{"items":3}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, eng.ActiveSessionID(), body["session_id"])
	ev := body["event"].(map[string]any)
	assert.Equal(t, "checkout_started", ev["name"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/events", `{"name":"!!!"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/events", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogBatch(t *testing.T) {
	srv, _, _ := newServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/events/batch", `[{"name":"a"},{"name":"b"},{"name":"?"}]`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.EqualValues(t, 3, body["total"])
	assert.EqualValues(t, 2, body["queued"])
	assert.EqualValues(t, 1, body["rejected"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/events/batch", `[]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	big := "[" + strings.TrimSuffix(strings.Repeat(`{"name":"x"},`, 101), ",") + "]"
	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/events/batch", big)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCredentialLifecycleAndSync(t *testing.T) {
	srv, eng, col := newServer(t)
	ctx := context.Background()

	resp, _ := do(t, http.MethodPost, srv.URL+"/v1/events", `{"name":"tap"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/lifecycle/background", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/sessions/pending", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["pending"], "nothing uploads while logged out")

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	resp, body = do(t, http.MethodPut, srv.URL+"/v1/credential", `{"token":"`+tok+`","email":"u@example.com"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "user-1", body["user_id"])

	cred, err := eng.Credential(ctx)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "u@example.com", cred.Email)

	require.Eventually(t, func() bool { return col.Calls() == 1 }, time.Second, 5*time.Millisecond)

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/sync?wait=true", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "manual", body["reason"])

	resp, _ = do(t, http.MethodDelete, srv.URL+"/v1/credential", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	cred, err = eng.Credential(ctx)
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestSetCredential_RejectsExpiredToken(t *testing.T) {
	srv, _, _ := newServer(t)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	resp, _ := do(t, http.MethodPut, srv.URL+"/v1/credential", `{"token":"`+tok+`"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPut, srv.URL+"/v1/credential", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUserProperties(t *testing.T) {
	srv, _, _ := newServer(t)
	resp, body := do(t, http.MethodPut, srv.URL+"/v1/user-properties", `{"plan":"pro","beta":null}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["updated"])

	resp, _ = do(t, http.MethodPut, srv.URL+"/v1/user-properties", `{"":"x"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestLifecycle_UnknownState(t *testing.T) {
	srv, _, _ := newServer(t)
	resp, _ := do(t, http.MethodPost, srv.URL+"/v1/lifecycle/asleep", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/lifecycle/foreground", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	srv, _, _ := newServer(t)
	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = do(t, http.MethodGet, srv.URL+"/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])

	metricsResp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	_ = metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
}
