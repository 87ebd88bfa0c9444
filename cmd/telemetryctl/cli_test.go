package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/sessionsync/internal/session"
)

func setup(t *testing.T) (cfgFile, dataDir string) {
	t.Helper()
	dataDir = t.TempDir()
	cfgFile = filepath.Join(t.TempDir(), "sessionsync.yaml")
	body := "version: \"1\"\nstorage:\n  dir: " + dataDir + "\n  secret_env: TELEMETRYCTL_TEST_SECRET\ncollector:\n  base_url: http://127.0.0.1:1\n"
	require.NoError(t, os.WriteFile(cfgFile, []byte(body), 0o600))
	t.Setenv("TELEMETRYCTL_TEST_SECRET", "0123456789abcdef0123456789abcdef")
	return cfgFile, dataDir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		purgeYes, loginToken, loginEmail = false, "", ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func writeSealedSession(t *testing.T, sessionsDir, id string) {
	t.Helper()
	dir := filepath.Join(sessionsDir, id)
	require.NoError(t, os.MkdirAll(dir, 0o700))
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	meta, err := json.Marshal(session.Session{ID: id, CreatedAt: at, UpdatedAt: at, EndedAt: &at})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, session.MetadataFile), meta, 0o600))
}

func TestPendingAndPurge(t *testing.T) {
	cfgFile, dataDir := setup(t)
	sessionsDir := filepath.Join(dataDir, "sessions")
	writeSealedSession(t, sessionsDir, "a")
	writeSealedSession(t, sessionsDir, "b")

	out, err := run(t, "pending", "--config", cfgFile)
	require.NoError(t, err)
	assert.Contains(t, out, "2 pending session(s)")

	_, err = run(t, "purge", "--config", cfgFile)
	assert.Error(t, err, "purge needs confirmation")

	out, err = run(t, "purge", "--yes", "--config", cfgFile)
	require.NoError(t, err)
	assert.Contains(t, out, "removed 2 session(s)")

	out, err = run(t, "pending", "--config", cfgFile)
	require.NoError(t, err)
	assert.Contains(t, out, "0 pending session(s)")
}

func TestLoginLogout(t *testing.T) {
	cfgFile, dataDir := setup(t)

	_, err := run(t, "login", "--config", cfgFile)
	assert.Error(t, err, "token is required")

	out, err := run(t, "login", "--token", "opaque-token", "--config", cfgFile)
	require.NoError(t, err)
	assert.Contains(t, out, "logged in")

	raw, err := os.ReadFile(filepath.Join(dataDir, "credentials", "current_credential"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "opaque-token", "credential is encrypted at rest")

	out, err = run(t, "logout", "--config", cfgFile)
	require.NoError(t, err)
	assert.Contains(t, out, "logged out")
	_, err = os.Stat(filepath.Join(dataDir, "credentials", "current_credential"))
	assert.True(t, os.IsNotExist(err))
}

func TestSyncSkipsWithoutCredential(t *testing.T) {
	cfgFile, dataDir := setup(t)
	writeSealedSession(t, filepath.Join(dataDir, "sessions"), "a")

	_, err := run(t, "sync", "--config", cfgFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_credential")
}
