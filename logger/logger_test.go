package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevel_ToCharmlogLevel(t *testing.T) {
	t.Run("Should convert all log levels to charm log levels correctly", func(t *testing.T) {
		testCases := []struct {
			level    LogLevel
			expected int
		}{
			{DebugLevel, -4},
			{InfoLevel, 0},
			{WarnLevel, 4},
			{ErrorLevel, 8},
			{DisabledLevel, 1000},
			{LogLevel("WARN"), 4},
			{LogLevel("unknown"), 0},
		}
		for _, tc := range testCases {
			assert.Equal(t, tc.expected, int(tc.level.ToCharmlogLevel()), "level %s", tc.level)
		}
	})
}

func TestNewLogger(t *testing.T) {
	t.Run("Should write text output with context fields", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLogger(&Config{Level: InfoLevel, Output: &buf, TimeFormat: "15:04:05"})
		l.With("task", "Rotation").Info("loss computed", "value", 0.5)
		out := buf.String()
		assert.Contains(t, out, "loss computed")
		assert.Contains(t, out, "task")
		assert.Contains(t, out, "Rotation")
	})

	t.Run("Should write JSON when enabled", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLogger(&Config{Level: InfoLevel, Output: &buf, JSON: true, TimeFormat: "15:04:05"})
		l.Info("json message")
		out := buf.String()
		assert.Contains(t, out, "json message")
		assert.True(t, strings.Contains(out, "{") && strings.Contains(out, "}"))
	})

	t.Run("Should respect level filtering", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLogger(&Config{Level: WarnLevel, Output: &buf, TimeFormat: "15:04:05"})
		l.Debug("hidden debug")
		l.Info("hidden info")
		l.Warn("shown warn")
		out := buf.String()
		assert.NotContains(t, out, "hidden")
		assert.Contains(t, out, "shown warn")
	})

	t.Run("Should fall back to defaults on nil config", func(t *testing.T) {
		require.NotNil(t, NewLogger(nil))
	})
}

func TestDefaultLogger(t *testing.T) {
	t.Run("Should replace the default logger on Init", func(t *testing.T) {
		prev := GetDefault()
		t.Cleanup(func() {
			defaultMu.Lock()
			defaultLogger = prev
			defaultMu.Unlock()
		})
		var buf bytes.Buffer
		Init(&Config{Level: InfoLevel, Output: &buf, TimeFormat: "15:04:05"})
		GetDefault().Info("from default")
		assert.Contains(t, buf.String(), "from default")
	})
}
