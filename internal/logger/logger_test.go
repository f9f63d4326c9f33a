package logger

import (
	"bytes"
	"os"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLevel(t *testing.T) {
	prev := Logger.GetLevel()
	t.Cleanup(func() { Logger.SetLevel(prev) })

	tests := []struct {
		name string
		want log.Level
	}{
		{"debug", log.DebugLevel},
		{"", log.InfoLevel},
		{" Info ", log.InfoLevel},
		{"warning", log.WarnLevel},
		{"WARN", log.WarnLevel},
		{"error", log.ErrorLevel},
		{"fatal", log.FatalLevel},
	}
	for _, tt := range tests {
		require.NoError(t, SetLevel(tt.name), tt.name)
		assert.Equal(t, tt.want, Logger.GetLevel(), tt.name)
	}

	Logger.SetLevel(log.DebugLevel)
	assert.Error(t, SetLevel("verbose"))
	assert.Equal(t, log.DebugLevel, Logger.GetLevel())
}

func TestWithPrefix(t *testing.T) {
	prev := Logger.GetLevel()
	var buf bytes.Buffer
	Logger.SetOutput(&buf)
	Logger.SetLevel(log.WarnLevel)
	t.Cleanup(func() {
		Logger.SetOutput(os.Stderr)
		Logger.SetLevel(prev)
	})

	l := WithPrefix("kernel")
	l.Info("hidden")
	l.Warn("device dropped")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "kernel")
	assert.Contains(t, out, "device dropped")
}
