package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" WARN "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter("partyd-test", "debug", &buf)

	logger := Logger("party")
	logger.Debug().Str("peer", "abcd").Msg("peer added")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "partyd-test", entry["app"])
	assert.Equal(t, "party", entry["component"])
	assert.Equal(t, "peer added", entry["message"])
	assert.Equal(t, "abcd", entry["peer"])
}
