package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWritesDailyFile(t *testing.T) {
	prev := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })

	dir := t.TempDir()
	log, err := New(dir, "debug", false)
	require.NoError(t, err)
	log.Debugw("hello", "k", "v")
	_ = log.Sync()

	files, err := filepath.Glob(filepath.Join(dir, "logs", "*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	body, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(body), `"msg":"hello"`)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(t.TempDir(), "chatty", false)
	assert.Error(t, err)
}
