package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{" error ", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestOutputWritesFileAndStderr(t *testing.T) {
	var stderr bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "silencewatch.log")

	w, closeFn, err := output(&stderr, path)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(w, nil))
	logger.Info("alert delivered", "kind", "silence_detected")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "alert delivered")
	assert.Contains(t, stderr.String(), "kind=silence_detected")
}

func TestOutputWithoutFile(t *testing.T) {
	var stderr bytes.Buffer
	w, closeFn, err := output(&stderr, "")
	require.NoError(t, err)
	assert.Same(t, &stderr, w)
	require.NoError(t, closeFn())
}
