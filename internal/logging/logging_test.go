package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", "json")

	logger.Debug("hidden")
	logger.Info("bucket rejected", "scope", "api:orders:ip")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1, buf.String())

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "bucket rejected", entry["msg"])
	assert.Equal(t, "api:orders:ip", entry["scope"])
	assert.Equal(t, "consoleguard", entry["service"])
}

func TestNewTextHasNoColorForBuffers(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "debug", "text").Debug("starting", "addr", ":3000")

	out := buf.String()
	assert.Contains(t, out, "starting")
	assert.Contains(t, out, "addr=:3000")
	assert.NotContains(t, out, "\x1b[", "no ANSI escapes when writing to a buffer")
}
