package pkg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name string
		cfg  *LogConfig
	}{
		{
			name: "nil config falls back to defaults",
			cfg:  nil,
		},
		{
			name: "json to stdout",
			cfg: &LogConfig{
				Level:   "debug",
				Format:  "json",
				Console: ConsoleConfig{Enable: true, Output: "stdout"},
			},
		},
		{
			name: "console format to stderr",
			cfg: &LogConfig{
				Level:   "info",
				Format:  "console",
				Console: ConsoleConfig{Enable: true, Output: "stderr", NoColor: true},
			},
		},
		{
			name: "no outputs discards",
			cfg: &LogConfig{
				Level: "warn",
			},
		},
		{
			name: "unknown level falls back to info",
			cfg: &LogConfig{
				Level: "shouting",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			require.NoError(t, err)
			require.NotNil(t, logger)

			assert.NotPanics(t, func() {
				logger.Debug().Msg("debug message")
				logger.Info().Str("key", "value").Msg("info message")
				logger.Warn().Int("count", 42).Msg("warn message")
				logger.Error().Msg("error message")
			})
		})
	}
}

func TestWithFields(t *testing.T) {
	logger, err := NewLogger(&LogConfig{Level: "debug"})
	require.NoError(t, err)

	child := logger.WithFields(Fields{"request_id": "abc"})
	require.NotNil(t, child)
	assert.NotSame(t, logger, child)

	grandchild := child.WithComponent("swarm")
	require.NotNil(t, grandchild)

	assert.NotPanics(t, func() {
		grandchild.Info().Msg("scoped entry")
	})
}

func TestUpdateLevel(t *testing.T) {
	logger, err := NewLogger(&LogConfig{Level: "info"})
	require.NoError(t, err)

	require.NoError(t, logger.UpdateLevel("error"))
	assert.Error(t, logger.UpdateLevel("not-a-level"))
}

func TestLoggerConcurrent(t *testing.T) {
	logger, err := NewLogger(&LogConfig{Level: "debug"})
	require.NoError(t, err)

	done := make(chan bool)
	for i := 0; i < 100; i++ {
		go func(id int) {
			defer func() { done <- true }()
			child := logger.WithFields(Fields{"goroutine": id})
			child.Info().Msg("concurrent log")
		}(i)
	}

	for i := 0; i < 100; i++ {
		<-done
	}
}

func TestFileOutput(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	logger, err := NewLogger(&LogConfig{
		Level:  "info",
		Format: "json",
		File: FileConfig{
			Enable:     true,
			Path:       logFile,
			MaxSize:    1,
			MaxAge:     7,
			MaxBackups: 3,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Info().Msg("test message")

	_, err = os.Stat(logFile)
	assert.NoError(t, err, "log file should exist")
}

func TestGlobalLogger(t *testing.T) {
	custom, err := NewLogger(&LogConfig{Level: "error"})
	require.NoError(t, err)

	SetGlobal(custom)
	assert.NotNil(t, Get())
}
