package eventlog

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := NewLogger(filepath.Join(t.TempDir(), "logs", "events.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLogAlertAndReadLast(t *testing.T) {
	l := newTestLogger(t)
	start := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, l.LogMessage(MonitorStarted, "", "monitoring hw:1"))
	require.NoError(t, l.LogAlert(&types.AlertEvent{
		Kind: types.AlertSilenceDetected, IncidentID: "i1", LevelDB: math.Inf(-1), Timestamp: start,
	}))
	require.NoError(t, l.LogAlert(&types.AlertEvent{
		Kind: types.AlertAudioRestored, IncidentID: "i1", LevelDB: -12, Duration: time.Minute, Timestamp: start.Add(time.Minute),
	}))
	require.NoError(t, l.LogAlert(&types.AlertEvent{Kind: types.AlertDeliveryRestored}), "ignored kind")

	events, more, err := ReadLast(l.Path(), 10, 0, FilterAll)
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, events, 3)
	assert.Equal(t, SilenceEnd, events[0].Type, "newest first")
	assert.Equal(t, "i1", events[0].Incident)
	assert.Equal(t, MonitorStarted, events[2].Type)

	silence, _, err := ReadLast(l.Path(), 10, 0, FilterSilence)
	require.NoError(t, err)
	assert.Len(t, silence, 2)

	details := silence[1].Details.(map[string]any)
	assert.Equal(t, -120.0, details["level_db"], "digital silence is stored finite")

	monitor, _, err := ReadLast(l.Path(), 10, 0, FilterMonitor)
	require.NoError(t, err)
	assert.Len(t, monitor, 1)
}

func TestReadLastPagination(t *testing.T) {
	l := newTestLogger(t)
	for range 5 {
		require.NoError(t, l.LogMessage(CaptureFault, "", "boom"))
	}

	page, more, err := ReadLast(l.Path(), 2, 0, FilterAll)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.True(t, more)

	page, more, err = ReadLast(l.Path(), 2, 4, FilterAll)
	require.NoError(t, err)
	assert.Len(t, page, 1)
	assert.False(t, more)
}

func TestReadLastSkipsMalformedAndMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n{\"type\":\"silence_start\"}\n"), 0o600))

	events, _, err := ReadLast(path, 10, 0, FilterAll)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	events, more, err := ReadLast(filepath.Join(t.TempDir(), "missing"), 10, 0, FilterAll)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.False(t, more)
}
