package medium_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/sessionsync/internal/medium"
)

func exerciseMedium(t *testing.T, m medium.Medium) {
	t.Helper()
	ctx := context.Background()

	got, err := m.Read(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got, "missing keys read as absent")

	require.NoError(t, m.Write(ctx, "alpha", []byte("one")))
	require.NoError(t, m.Write(ctx, "beta", []byte("two")))
	require.NoError(t, m.Write(ctx, "alpha", []byte("uno")))

	got, err = m.Read(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, []byte("uno"), got)

	if l, ok := m.(medium.Lister); ok {
		keys, err := l.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "beta"}, keys)
	}

	require.NoError(t, m.Delete(ctx, "alpha"))
	require.NoError(t, m.Delete(ctx, "alpha"), "deleting twice is fine")

	got, err = m.Read(ctx, "alpha")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemory(t *testing.T) {
	exerciseMedium(t, medium.NewMemory())
}

func TestFileSystem(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "store")
	fs := medium.NewFileSystem(dir)
	exerciseMedium(t, fs)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir(), "root created on first use")
}

func TestFileSystem_FailsFastWhenRootIsAFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	fs := medium.NewFileSystem(path)
	err := fs.Write(context.Background(), "k", []byte("v"))
	require.ErrorIs(t, err, medium.ErrNotDirectory)

	_, err = fs.Read(context.Background(), "k")
	require.ErrorIs(t, err, medium.ErrNotDirectory)
}

func TestFileSystem_RejectsUnsafeKeys(t *testing.T) {
	fs := medium.NewFileSystem(t.TempDir())
	for _, key := range []string{"", "..", "../escape", "a/b", ".hidden"} {
		err := fs.Write(context.Background(), key, []byte("v"))
		assert.ErrorIs(t, err, medium.ErrInvalidKey, "key %q", key)
	}
}

func TestFileSystem_WriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	fs := medium.NewFileSystem(dir)
	for i := 0; i < 5; i++ {
		require.NoError(t, fs.Write(context.Background(), "k", bytes.Repeat([]byte{'x'}, i*100)))
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "k", entries[0].Name())
}

func TestPreferences(t *testing.T) {
	ctx := context.Background()
	p, err := medium.OpenPreferences(ctx, filepath.Join(t.TempDir(), "prefs.db"), "app")
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	exerciseMedium(t, p)
}

func TestPreferences_SuitesAreIsolated(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "prefs.db")

	a, err := medium.OpenPreferences(ctx, path, "a")
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.Write(ctx, "k", []byte("from a")))

	b, err := medium.OpenPreferences(ctx, path, "b")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	got, err := b.Read(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSecure(t *testing.T) {
	inner := medium.NewMemory()
	s, err := medium.NewSecure(inner, []byte("0123456789abcdef0123456789abcdef"), "credentials")
	require.NoError(t, err)
	exerciseMedium(t, s)

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "token", []byte("secret-value")))

	raw, err := inner.Read(ctx, "token")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-value", "stored bytes are sealed")
}

func TestSecure_RejectsSwappedOrTamperedValues(t *testing.T) {
	ctx := context.Background()
	inner := medium.NewMemory()
	s, err := medium.NewSecure(inner, []byte("0123456789abcdef0123456789abcdef"), "credentials")
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "a", []byte("value-a")))
	raw, err := inner.Read(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, inner.Write(ctx, "b", raw))
	_, err = s.Read(ctx, "b")
	require.ErrorIs(t, err, medium.ErrDecrypt)

	require.NoError(t, inner.Write(ctx, "a", []byte("garbage")))
	_, err = s.Read(ctx, "a")
	require.ErrorIs(t, err, medium.ErrDecrypt)
}

func TestSecure_DifferentSuitesCannotRead(t *testing.T) {
	ctx := context.Background()
	inner := medium.NewMemory()
	secret := []byte("0123456789abcdef0123456789abcdef")

	one, err := medium.NewSecure(inner, secret, "one")
	require.NoError(t, err)
	two, err := medium.NewSecure(inner, secret, "two")
	require.NoError(t, err)

	require.NoError(t, one.Write(ctx, "k", []byte("v")))
	_, err = two.Read(ctx, "k")
	assert.ErrorIs(t, err, medium.ErrDecrypt)
}
