package engine_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/sessionsync/internal/engine"
	"github.com/gyaneshwarpardhi/sessionsync/internal/event"
	"github.com/gyaneshwarpardhi/sessionsync/internal/medium"
)

func TestLoadDeviceContext_InstallationIDIsStable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "prefs.db")

	prefs, err := medium.OpenPreferences(ctx, path, "device")
	require.NoError(t, err)
	first, err := engine.LoadDeviceContext(ctx, prefs, "1.2.3")
	require.NoError(t, err)
	require.NoError(t, prefs.Close())

	prefs, err = medium.OpenPreferences(ctx, path, "device")
	require.NoError(t, err)
	defer func() { _ = prefs.Close() }()
	second, err := engine.LoadDeviceContext(ctx, prefs, "1.2.4")
	require.NoError(t, err)

	id, ok := first["installation_id"].AsString()
	require.True(t, ok)
	assert.NotEmpty(t, id)
	assert.Equal(t, first["installation_id"], second["installation_id"], "id survives restarts")
	assert.Equal(t, event.String("1.2.4"), second["app_version"])
	assert.Equal(t, event.String(runtime.GOOS), second["os"])
}

func TestLoadDeviceContext_OmitsEmptyVersion(t *testing.T) {
	device, err := engine.LoadDeviceContext(context.Background(), medium.NewMemory(), "")
	require.NoError(t, err)
	_, ok := device["app_version"]
	assert.False(t, ok)
}
