package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger_FileOutput(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	logger, err := NewLogger("debug", "json", logFile)
	require.NoError(t, err)
	logger.Info("hello", zap.String("foo", "bar"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\"foo\":\"bar\"")
}

func TestNewLogger_StdoutOutput(t *testing.T) {
	logger, err := NewLogger("info", "json", "")
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewLogger_AllLevels(t *testing.T) {
	tests := []struct {
		level string
	}{
		{"debug"},
		{"info"},
		{"warn"},
		{"error"},
		{""},        // defaults to info
		{"invalid"}, // defaults to info
		{"DEBUG"},   // case insensitive
		{"WARN"},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(tt.level, "json", "")
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestNewLogger_ConsoleFormat(t *testing.T) {
	logger, err := NewLogger("info", "console", "")
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewLogger_BadFilePath(t *testing.T) {
	_, err := NewLogger("info", "json", filepath.Join(t.TempDir(), "missing", "test.log"))
	assert.Error(t, err)
}

func TestForRequest_UniqueIDs(t *testing.T) {
	base := zap.NewNop()

	l1, id1 := ForRequest(base)
	l2, id2 := ForRequest(base)
	require.NotNil(t, l1)
	require.NotNil(t, l2)
	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)
}
