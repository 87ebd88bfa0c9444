package session

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/sessionsync/internal/event"
)

// shortFile writes only half of the next record and then fails, like a
// disk that fills up mid-write.
type shortFile struct {
	*os.File
	failNext bool
}

func (f *shortFile) Write(p []byte) (int, error) {
	if f.failNext {
		f.failNext = false
		n, _ := f.File.Write(p[:len(p)/2])
		return n, errors.New("no space left on device")
	}
	return f.File.Write(p)
}

func record(t *testing.T, name string) []byte {
	t.Helper()
	ev, err := event.NewAt(name, map[string]event.Value{"k": event.String("some padding value")}, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	b, err := encodeEvent(ev)
	require.NoError(t, err)
	return b
}

func TestEventLog_FailedAppendLeavesNoPartialRecord(t *testing.T) {
	dir := t.TempDir()
	log, err := openEventLog(dir)
	require.NoError(t, err)
	f := &shortFile{File: log.f.(*os.File)}
	log.f = f
	defer func() { _ = log.close() }()

	require.NoError(t, log.append(record(t, "first")))
	f.failNext = true
	require.Error(t, log.append(record(t, "lost")))
	require.NoError(t, log.append(record(t, "second")))

	events, torn, err := readEvents(dir)
	require.NoError(t, err)
	assert.False(t, torn)
	require.Len(t, events, 2)
	assert.Equal(t, "first", events[0].Name)
	assert.Equal(t, "second", events[1].Name)
}
