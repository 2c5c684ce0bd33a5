package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(WarnLevel, "json", &buf)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")
	logger.Error("shown")

	lines := strings.Count(buf.String(), "\n")
	assert.Equal(t, 2, lines)
}

func TestLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(DebugLevel, "json", &buf)

	logger.WithField("component", "test").
		WithFields(map[string]interface{}{"count": 3}).
		WithError(errors.New("boom")).
		Info("something happened")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "something happened", entry["msg"])
	assert.Equal(t, "test", entry["component"])
	assert.Equal(t, float64(3), entry["count"])
	assert.Equal(t, "boom", entry["error"])
	assert.NotEmpty(t, entry["time"])
}

func TestLoggerFieldsDoNotLeakBack(t *testing.T) {
	var buf bytes.Buffer
	base := NewTestLogger(DebugLevel, "json", &buf)
	derived := base.WithField("extra", "yes")

	base.Info("from base")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	_, ok := entry["extra"]
	assert.False(t, ok, "derived fields stay on the derived logger")

	buf.Reset()
	derived.Info("from derived")
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "yes", entry["extra"])
}

func TestLoggerTextFieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(DebugLevel, "text", &buf)

	logger.WithFields(map[string]interface{}{
		"zebra": 1,
		"alpha": 2,
	}).Info("msg")

	out := buf.String()
	assert.Contains(t, out, "[INFO] msg alpha=2 zebra=1")
}

func TestProgressAggregator(t *testing.T) {
	p := NewProgressAggregator()

	p.AddExpected(1000)
	p.AddTransferred(250)
	p.AddTransferred(250)
	p.AddTransferred(-5) // deltas are never negative; ignore garbage

	snap := p.Snapshot()
	assert.Equal(t, int64(1000), snap.ExpectedBytes)
	assert.Equal(t, int64(500), snap.TransferredBytes)

	p.Reset()
	snap = p.Snapshot()
	assert.Zero(t, snap.ExpectedBytes)
	assert.Zero(t, snap.TransferredBytes)
}
