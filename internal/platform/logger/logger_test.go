package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewWithWriter_EmitsJSONWithServiceName(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "public_api_service", "info")

	log.Debug("hidden")
	log.Info("dispatch accepted", "batch_id", "b-1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "dispatch accepted", entry["msg"])
	assert.Equal(t, "public_api_service", entry["service_name"])
	assert.Equal(t, "b-1", entry["batch_id"])
}
