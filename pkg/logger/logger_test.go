package logger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timfaniran/slugsei/pkg/logger"
	"go.uber.org/zap/zapcore"
)

func TestNew_Levels(t *testing.T) {
	for _, level := range []string{"debug", "info", "WARN", "error"} {
		t.Run(level, func(t *testing.T) {
			log, err := logger.New(level)
			require.NoError(t, err)
			require.NotNil(t, log)
		})
	}
}

func TestNew_RespectsLevel(t *testing.T) {
	log, err := logger.New("warn")
	require.NoError(t, err)

	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := logger.New("verbose")
	assert.Error(t, err)
}
