package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLoggerLevels(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	require.NotNil(t, log)

	// Unknown levels fall back to info instead of failing startup.
	log, err = NewLogger(LoggingConfig{Level: "shouting", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	require.NotNil(t, log)
}

func TestWithSessionIDAddsField(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "info", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	child := log.WithSessionID("s-1")
	require.NotSame(t, log, child)
	assert.Contains(t, child.fields, zap.String("session_id", "s-1"))
	assert.Empty(t, log.fields)
}

func TestWithAgentAddsField(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "info", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	child := log.WithAgent("mock").WithSessionID("s-2")
	assert.Contains(t, child.fields, zap.String("agent", "mock"))
	assert.Contains(t, child.fields, zap.String("session_id", "s-2"))
}

func TestWithErrorAddsField(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "info", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	child := log.WithError(assert.AnError)
	assert.Contains(t, child.fields, zap.Error(assert.AnError))
}
