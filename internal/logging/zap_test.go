package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestBuildConfigConsole(t *testing.T) {
	t.Parallel()

	color := false
	cfg := buildConfig(Options{Color: &color})
	require.Equal(t, "console", cfg.Encoding)
	require.Equal(t, zapcore.InfoLevel, cfg.Level.Level())
	require.True(t, cfg.DisableStacktrace)
	require.Empty(t, cfg.EncoderConfig.TimeKey)
	require.Equal(t, []string{"stderr"}, cfg.OutputPaths)
}

func TestBuildConfigVerboseJSON(t *testing.T) {
	t.Parallel()

	cfg := buildConfig(Options{Verbose: true, JSON: true})
	require.Equal(t, "json", cfg.Encoding)
	require.Equal(t, zapcore.DebugLevel, cfg.Level.Level())
	require.False(t, cfg.DisableStacktrace)
	require.NotEmpty(t, cfg.EncoderConfig.TimeKey)
}

func TestNewNamesLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Options{JSON: true})
	require.NoError(t, err)
	require.NotNil(t, logger)
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}
