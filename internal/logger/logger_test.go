package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestLogDbOperationLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "debug", Output: &buf})

	l.LogDbOperation("addMessage", 3*time.Millisecond, 4, nil)
	line := decodeLine(t, &buf)
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "addMessage", line["operation"])
	assert.Equal(t, float64(4), line["record_count"])

	buf.Reset()
	l.LogDbOperation("deleteThread", time.Millisecond, 0, errors.New("disk full"))
	line = decodeLine(t, &buf)
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, "disk full", line["error"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "warn", Output: &buf})
	l.Info("hidden").Send()
	assert.Zero(t, buf.Len())

	l.Component("export").Warn("shown").Send()
	line := decodeLine(t, &buf)
	assert.Equal(t, "export", line["component"])
	assert.Equal(t, "chatstore", line["service"])
}

func TestUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "verbose", Output: &buf})
	l.Debug("hidden").Send()
	assert.Zero(t, buf.Len())
	l.Info("shown").Send()
	assert.NotZero(t, buf.Len())
}
