package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestZapConfigLevels(t *testing.T) {
	tests := []struct {
		level string
		want  zap.AtomicLevel
	}{
		{"debug", zap.NewAtomicLevelAt(zap.DebugLevel)},
		{"INFO", zap.NewAtomicLevelAt(zap.InfoLevel)},
		{"warn", zap.NewAtomicLevelAt(zap.WarnLevel)},
		{"error", zap.NewAtomicLevelAt(zap.ErrorLevel)},
		{"verbose", zap.NewAtomicLevelAt(zap.InfoLevel)},
		{"", zap.NewAtomicLevelAt(zap.InfoLevel)},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg, err := ZapConfig(Config{Level: tt.level})
			require.NoError(t, err)
			assert.Equal(t, tt.want.Level(), cfg.Level.Level())
		})
	}
}

func TestZapConfigFormats(t *testing.T) {
	cfg, err := ZapConfig(Config{Format: FormatConsole})
	require.NoError(t, err)
	assert.Equal(t, "console", cfg.Encoding)
	assert.Empty(t, cfg.EncoderConfig.TimeKey)
	assert.Equal(t, []string{"stderr"}, cfg.OutputPaths)

	cfg, err = ZapConfig(Config{Format: FormatJSON})
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Encoding)
	assert.NotEmpty(t, cfg.EncoderConfig.TimeKey)

	_, err = ZapConfig(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FORMAT", "")
	assert.Equal(t, Config{Level: "info", Format: FormatConsole}, FromEnv())

	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")
	assert.Equal(t, Config{Level: "debug", Format: FormatJSON}, FromEnv())
}

func TestNew(t *testing.T) {
	logger, err := New(Config{Level: "debug", Format: FormatJSON})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))
}
