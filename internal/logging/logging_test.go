package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"agent_builder/internal/config"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)

	lvl, err = ParseLevel(" DEBUG ")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, lvl)

	_, err = ParseLevel("chatty")
	assert.Error(t, err)
}

func TestNewHonorsLevel(t *testing.T) {
	cfg := config.Default()
	cfg.Environment = "production"
	cfg.Log.Level = "warn"

	logger, err := New(cfg)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestToFileWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "builder.log")
	logger, err := ToFile(config.Default(), path)
	require.NoError(t, err)
	logger.Info("hello")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}
