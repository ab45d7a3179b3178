package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLogger_LevelFilterAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithLevel("policy", "warn", &buf)

	log.Info("dropped", nil)
	log.With(map[string]interface{}{"request_id": "r-1"}).Warn("limit exceeded", map[string]interface{}{
		"account_id": "a-1",
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "policy", entry["service"])
	assert.Equal(t, "limit exceeded", entry["message"])
	assert.Equal(t, "r-1", entry["request_id"])
	assert.Equal(t, "a-1", entry["account_id"])
}

func TestNewWithLevel_UnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithLevel("policy", "verbose", &buf)
	log.Debug("hidden", nil)
	log.Info("shown", nil)
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
}
