package logging

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFilePath(t *testing.T) {
	sessionStart := time.Date(2026, 2, 12, 21, 38, 36, 0, time.UTC)

	tests := []struct {
		name    string
		logsDir string
		service string
		want    string
	}{
		{
			name:    "basic path",
			logsDir: "logs",
			service: "livetrackd",
			want:    filepath.Join("logs", "livetrackd.20260212_213836.log"),
		},
		{
			name:    "absolute path",
			logsDir: filepath.Join("/var", "log", "livetrack"),
			service: "trackagent",
			want:    filepath.Join("/var", "log", "livetrack", "trackagent.20260212_213836.log"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LogFilePath(tt.logsDir, tt.service, sessionStart))
		})
	}
}

func TestManager_SetupWritesToFile(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager()
	m.Setup(&buf, "info", nil, nil)

	m.Logger().Info("hello file")
	assert.Contains(t, buf.String(), "hello file")
}

func TestManager_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager()
	m.Setup(&buf, "warn", nil, nil)

	m.Logger().Info("too quiet")
	m.Logger().Warn("loud enough")

	out := buf.String()
	assert.NotContains(t, out, "too quiet")
	assert.Contains(t, out, "loud enough")
}

func TestManager_LoggerBeforeSetup(t *testing.T) {
	m := NewManager()
	require.NotNil(t, m.Logger())
}

func TestMultiHandler_FanOut(t *testing.T) {
	var a, b bytes.Buffer
	h := NewMultiHandler(
		slog.NewTextHandler(&a, nil),
		nil,
		slog.NewTextHandler(&b, nil),
	)

	logger := slog.New(h)
	logger.Info("to both")

	assert.Contains(t, a.String(), "to both")
	assert.Contains(t, b.String(), "to both")
}

func TestContextHandler_InjectsAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, nil)
	h := NewContextHandler(inner, func() []slog.Attr {
		return []slog.Attr{slog.String("eventId", "ev-1")}
	})

	require.True(t, h.Enabled(context.Background(), slog.LevelInfo))
	slog.New(h).Info("scoped")

	assert.Contains(t, buf.String(), "eventId=ev-1")
}
