package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupEmitsRenamedKeys(t *testing.T) {
	defer slog.SetDefault(slog.Default())
	defer log.SetOutput(os.Stderr)

	var buf bytes.Buffer
	logger := Setup("lendingd", "test", WithOutput(&buf), WithLevel("debug"))
	logger.Debug("pool registered", slog.String("pool", "ETH/USDC/8000"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "pool registered", line["message"])
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "lendingd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Contains(t, line, "timestamp")
}

func TestSetupWritesRotatedFile(t *testing.T) {
	defer log.SetOutput(os.Stderr)
	path := filepath.Join(t.TempDir(), "lendingd.log")
	var buf bytes.Buffer
	logger := Setup("lendingd", "", WithOutput(&buf), WithFile(FileConfig{Path: path}))
	logger.Warn("oracle stale")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "oracle stale")
	require.Equal(t, buf.String(), string(data))
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("jwt_secret", "hunter2").Value.String())
	require.Equal(t, "ETH/USDC/8000", MaskField("pool", "ETH/USDC/8000").Value.String())
	require.Equal(t, " ", MaskField("api_key", " ").Value.String())
	require.Equal(t, RedactedValue, MaskValue("x"))
	require.Contains(t, RedactionAllowlist(), "code")
}
