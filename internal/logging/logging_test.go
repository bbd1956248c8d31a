package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/Lllllllleong/fieldnotesync/internal/config"
	"github.com/antonholmquist/jason"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestNew_StdoutOnly(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFunc, err := New(config.LogConfig{Level: "warn"}, &buf)
	require.NoError(t, err)
	defer closeFunc()

	logger.Info("hidden")
	logger.Warn("Cycle dropped.", "projectId", "p1")

	obj, err := jason.NewObjectFromBytes(bytes.TrimSpace(buf.Bytes()))
	require.NoError(t, err)
	msg, _ := obj.GetString("msg")
	assert.Equal(t, "Cycle dropped.", msg)
	service, _ := obj.GetString("service")
	assert.Equal(t, "fieldnotesync", service)
	projectID, _ := obj.GetString("projectId")
	assert.Equal(t, "p1", projectID)
}

func TestNew_TeesIntoRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "fieldnotesync.log")
	var buf bytes.Buffer
	logger, closeFunc, err := New(config.LogConfig{Level: "info", File: path, MaxSizeMB: 1}, &buf)
	require.NoError(t, err)

	logger.Info("Upload cycle complete.", "committed", 3)
	require.NoError(t, closeFunc())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Upload cycle complete.")
	assert.Equal(t, buf.String(), string(data))
}
