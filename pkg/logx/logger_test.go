package logx

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerKeyValues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("debug", "test")
	logger.SetOutput(&buf)

	logger.Info("Visit opened", "agent_id", "a1", "error", errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, "Visit opened")
	assert.Contains(t, out, "agent_id=a1")
	assert.Contains(t, out, "error=boom")
	assert.Contains(t, out, "component=test")
}

func TestLoggerMapArgumentAndOddArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("info", "")
	logger.SetOutput(&buf)

	logger.Info("mapped", map[string]interface{}{"topic": "fixes"})
	logger.Info("odd", "dangling")

	out := buf.String()
	assert.Contains(t, out, "topic=fixes")
	assert.Contains(t, out, "dangling=")
	assert.Contains(t, out, "(missing)")
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", "test")
	logger.SetOutput(&buf)

	logger.Debug("hidden")
	logger.Info("hidden too")
	assert.Empty(t, buf.String())

	logger.SetLevel("debug")
	logger.With("session", "s1").Debug("shown")
	assert.Contains(t, buf.String(), "session=s1")
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	assert.NotPanics(t, func() {
		logger.Info("nothing")
		logger.With("k", "v").Error("still nothing")
		logger.LogStateChange("session", "idle", "active", "window_open", nil)
	})
}
