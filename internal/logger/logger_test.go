package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("bogus"))
}

func TestNew_FileOutputWritesJSON(t *testing.T) {
	out := filepath.Join(t.TempDir(), "merger.log")
	log, err := New(Config{Level: "info", Format: "json", Output: out})
	require.NoError(t, err)

	log.With("orderId", "13001").Info("bundle merged", "files", 3)
	log.Debug("dropped below level")
	log.Sync()

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "bundle merged", entry["msg"])
	assert.Equal(t, "13001", entry["orderId"])
	assert.EqualValues(t, 3, entry["files"])
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().With("a", 1).Named("x").Error("ignored")
	})
}
