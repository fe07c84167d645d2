// ABOUTME: Tests for logger construction
// ABOUTME: Checks level parsing, JSON output and the color handler's line format

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatsync/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"DEBUG": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"trace": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.Debug("hidden")
	logger.With("component", "synchronizer").Info("message appended", "conversation_id", "conv-1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "message appended", rec["msg"])
	assert.Equal(t, "synchronizer", rec["component"])
	assert.Equal(t, "conv-1", rec["conversation_id"])
}

func TestNew_ColorText(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := New(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)

	logger.With("component", "stream").Warn("reconnecting", "attempt", 2)
	logger.Debug("tick")
	logger.WithGroup("req").Error("failed", "status", 503)

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)

	assert.Contains(t, lines[0], "WRN reconnecting")
	assert.Contains(t, lines[0], " component=stream")
	assert.Contains(t, lines[0], " attempt=2")
	assert.Contains(t, lines[1], "DBG tick")
	assert.Contains(t, lines[2], "ERR failed")
	assert.Contains(t, lines[2], " req.status=503")
}

func TestNew_ColorTextFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LoggingConfig{Level: "warn"}, &buf)

	logger.Info("quiet")
	assert.Empty(t, buf.String())

	logger.Warn("loud")
	assert.Contains(t, buf.String(), "loud")
}
