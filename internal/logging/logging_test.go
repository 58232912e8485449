package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lydbydissing/rew-network-bridge/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.name))
		})
	}
}

func TestNewStdout(t *testing.T) {
	logger, closer, err := New(config.LoggingConfig{Level: "warn", Format: "json", Output: "stdout"})
	require.NoError(t, err)
	defer closer.Close()

	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bridge.log")

	logger, closer, err := New(config.LoggingConfig{
		Level:         "info",
		Format:        "text",
		Output:        path,
		RotationHours: 24,
		MaxAgeDays:    7,
	})
	require.NoError(t, err)

	logger.Info("capture started", slog.String("source", "virtual"))
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "capture started"), "log line not found in %q", string(data))
}

func TestLimiter(t *testing.T) {
	l := NewLimiter(time.Hour, 2)

	ok, suppressed := l.Allow()
	assert.True(t, ok)
	assert.Zero(t, suppressed)

	ok, _ = l.Allow()
	assert.True(t, ok)

	for i := 0; i < 5; i++ {
		ok, _ = l.Allow()
		assert.False(t, ok)
	}

	assert.Equal(t, uint64(5), l.suppressed.Load())
}
