package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitFallsBackToInfoOnBadLevel(t *testing.T) {
	require.NoError(t, Init("not-a-level", "json"))

	core := Logger().Core()
	require.True(t, core.Enabled(zapcore.InfoLevel))
	require.False(t, core.Enabled(zapcore.DebugLevel))
}

func TestInitSupportsConsoleFormat(t *testing.T) {
	require.NoError(t, Init("debug", "console"))
	require.True(t, Logger().Core().Enabled(zapcore.DebugLevel))
}
