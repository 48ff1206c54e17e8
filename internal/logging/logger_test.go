package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_FansOutToStderrAndFile(t *testing.T) {
	var stderr bytes.Buffer
	logFile := filepath.Join(t.TempDir(), "logs", "bee.log")

	logger, closer, err := New(Options{Level: "info", Stderr: &stderr, LogFile: logFile})
	require.NoError(t, err)

	logger.Info("task finished", "task", "001-setup.md", "exit_code", 0)
	logger.Debug("hidden at info level")
	require.NoError(t, closer.Close())

	assert.Contains(t, stderr.String(), "task finished")
	assert.NotContains(t, stderr.String(), "hidden at info level")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "task finished", rec["msg"])
	assert.Equal(t, "001-setup.md", rec["task"])
}

func TestToJournalKey(t *testing.T) {
	assert.Equal(t, "EXIT_CODE", toJournalKey("exit_code"))
	assert.Equal(t, "QUEUE_ROOT", toJournalKey("queue.root"))
}
