package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/pscheid92/logcast/internal/platform/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_JSONWithCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", "json")

	ctx := correlation.WithID(context.Background(), "cafe0001")
	logger.InfoContext(ctx, "Viewer attached", "channel_key", "9001")
	logger.Debug("suppressed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Viewer attached", entry["msg"])
	assert.Equal(t, "9001", entry["channel_key"])
	assert.Equal(t, "cafe0001", entry["correlation_id"])
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "debug", "text")

	logger.Debug("Datagram dropped", "reason", "filtered")

	assert.Contains(t, buf.String(), "reason=filtered")
	assert.Contains(t, buf.String(), "level=DEBUG")
}

func TestOutput_StdoutOnly(t *testing.T) {
	var buf bytes.Buffer
	w, closer := Output(&buf, FileOptions{})

	_, err := w.Write([]byte("line\n"))
	require.NoError(t, err)
	assert.Equal(t, "line\n", buf.String())
	assert.NoError(t, closer.Close())
}

func TestOutput_TeesIntoRotatingFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "relay.log")
	w, closer := Output(&buf, FileOptions{Path: path, MaxSizeMB: 1, MaxBackups: 1})

	logger := New(w, "info", "json")
	logger.Info("Channel removed", "channel_key", "9001")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"channel_key":"9001"`)
	assert.Equal(t, buf.String(), string(data))
}
