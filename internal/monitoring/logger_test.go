package monitoring

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogger(t *testing.T) {
	original := Logger()
	defer SetLogger(&original)

	var buf bytes.Buffer
	custom := zerolog.New(&buf)
	SetLogger(&custom)

	l := Logger()
	l.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")

	// nil installs a no-op logger
	buf.Reset()
	SetLogger(nil)
	l = Logger()
	l.Info().Msg("muted")
	assert.Empty(t, buf.String())
}

func TestConfigure_JSON(t *testing.T) {
	original := Logger()
	defer SetLogger(&original)
	t.Setenv(EnvLogLevel, "")

	var buf bytes.Buffer
	l, err := Configure(Options{App: "serialbridge", Level: "debug", Format: "json", Out: &buf})
	require.NoError(t, err)

	l.Debug().Str("port", "/dev/ttyUSB0").Msg("opened")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "serialbridge", line["app"])
	assert.Equal(t, "/dev/ttyUSB0", line["port"])
	assert.Equal(t, "debug", line["level"])
}

func TestConfigure_EnvOverridesLevel(t *testing.T) {
	original := Logger()
	defer SetLogger(&original)
	t.Setenv(EnvLogLevel, "error")

	var buf bytes.Buffer
	l, err := Configure(Options{Level: "debug", Format: "json", Out: &buf})
	require.NoError(t, err)

	l.Info().Msg("suppressed")
	assert.Empty(t, buf.String())
	l.Error().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestConfigure_BadFormat(t *testing.T) {
	_, err := Configure(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"warning", zerolog.WarnLevel},
		{"off", zerolog.Disabled},
		{"trace", zerolog.TraceLevel},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}
