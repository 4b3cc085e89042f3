package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupRenamesAndRedacts(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("purd", "test", WithOutput(&buf), WithLevel(slog.LevelDebug))
	logger.Debug("block applied", slog.Uint64("height", 7), slog.String("signature", "deadbeef"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "block applied", line["message"])
	require.Equal(t, "purd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, RedactedValue, line["signature"])
	require.EqualValues(t, 7, line["height"])
	require.Contains(t, line, "timestamp")
}

func TestSetupHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("purd", "", WithOutput(&buf), WithLevel(slog.LevelWarn))
	logger.Info("dropped")
	require.Zero(t, buf.Len())
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	require.Equal(t, slog.LevelError, ParseLevel("ERROR"))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
	require.Contains(t, SensitiveKeys(), "signature")
}
