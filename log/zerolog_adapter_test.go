package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestZerologAdapter_RedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologAdapterWithWriter(&buf, zerolog.DebugLevel, false)

	logger.Info(context.Background(), "stored secret", map[string]interface{}{
		"provider": "anthropic",
		"Value":    "sk-ant-abc123",
		"token":    "deadbeef",
	})

	line := decodeLine(t, &buf)
	assert.Equal(t, "stored secret", line["message"])
	assert.Equal(t, "anthropic", line["provider"])
	assert.Equal(t, redacted, line["Value"])
	assert.Equal(t, redacted, line["token"])
	assert.NotContains(t, buf.String(), "sk-ant-abc123")
}

func TestZerologAdapter_ErrorAndWith(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologAdapterWithWriter(&buf, zerolog.InfoLevel, false).
		With(map[string]interface{}{"component": "broker", "password": "hunter22"})

	logger.Error(context.Background(), "backend failed", errors.New("connection refused"))

	line := decodeLine(t, &buf)
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, "connection refused", line["error"])
	assert.Equal(t, "broker", line["component"])
	assert.Equal(t, redacted, line["password"])
}

func TestZerologAdapter_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologAdapterWithWriter(&buf, zerolog.WarnLevel, false)

	logger.Debug(context.Background(), "hidden")
	logger.Info(context.Background(), "hidden")
	assert.Zero(t, buf.Len())

	logger.Warn(context.Background(), "shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" warn "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger().With(map[string]interface{}{"a": 1})
	assert.NotPanics(t, func() {
		logger.Info(context.Background(), "nothing")
		logger.Error(context.Background(), "nothing", errors.New("x"))
	})
}
