package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestNew tests logger construction for each level and format
func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{name: "silent", level: "", format: ""},
		{name: "console debug", level: "debug", format: FormatConsole},
		{name: "json info", level: "info", format: FormatJSON},
		{name: "default format", level: "warn", format: ""},
		{name: "bad level", level: "loud", format: FormatJSON, wantErr: true},
		{name: "bad format", level: "info", format: "xml", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, err := New(tt.level, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

// TestRequestLevels tests that request logs escalate with the status code
func TestRequestLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	Request(logger, "GET", "/ok", 200, 2, 1.5, "1.1.1.1")
	Request(logger, "GET", "/missing", 404, 2, 1.5, "1.1.1.1")
	Request(logger, "GET", "/boom", 500, 2, 1.5, "1.1.1.1")
	Connection(logger, "id", "1.1.1.1:1", "upgraded", "accepted")

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, "accepted", entries[3].ContextMap()["event"])
}
