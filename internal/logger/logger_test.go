package logger

import (
	"binance-trailing-stop-go/internal/models"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	log := New(models.LogConfig{Level: "debug", Output: "file", File: path, MaxSize: 1})

	log.Info("sell signal", zap.String("symbol", "ETHBTC"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "sell signal")
	assert.Contains(t, string(data), "ETHBTC")
}

func TestNewFallsBackToInfoLevel(t *testing.T) {
	log := New(models.LogConfig{Level: "chatty", Output: "console"})
	assert.True(t, log.Core().Enabled(zap.InfoLevel))
	assert.False(t, log.Core().Enabled(zap.DebugLevel))
}

func TestInitLoggerReplacesGlobal(t *testing.T) {
	InitLogger(models.LogConfig{Level: "warn", Output: "console"})
	assert.False(t, L().Core().Enabled(zap.InfoLevel))

	InitLogger(models.LogConfig{Level: "debug", Output: "console"})
	assert.True(t, L().Core().Enabled(zap.DebugLevel))
	assert.NotNil(t, S())
}
