package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestEmptyConfigUsesDefaults(t *testing.T) {
	c := &Config{}
	assert.Equal(t, DefaultListen, c.GetListen())
	assert.Equal(t, DefaultDriver, c.GetDriver())
	assert.Equal(t, 200*time.Millisecond, c.GetTimeout())
	assert.Equal(t, DefaultChunkSize, c.GetChunkSize())
	assert.Equal(t, time.Second, c.GetCloseWait())
	assert.Equal(t, "/dev", c.GetPortsDir())
	assert.Equal(t, "info", c.GetLogLevel())
	assert.Equal(t, "console", c.GetLogFormat())
	assert.False(t, c.GetMQTTEnabled())
	assert.Equal(t, "", c.GetMQTTBroker())
	assert.Equal(t, "", c.GetMQTTClientID())
	assert.Equal(t, DefaultMQTTPrefix, c.GetMQTTTopicPrefix())
	assert.Equal(t, byte(0), c.GetMQTTQoS())
	assert.False(t, c.GetCaptureEnabled())
	assert.Equal(t, DefaultCapturePath, c.GetCapturePath())
	assert.NoError(t, c.Validate())
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "bridge.toml", `
listen = "127.0.0.1:9000"

[serial]
driver = "termios"
timeout_ms = 50
chunk_size = 256

[mqtt]
enabled = true
broker = "tcp://broker:1883"
qos = 1
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", c.GetListen())
	assert.Equal(t, "termios", c.GetDriver())
	assert.Equal(t, 50*time.Millisecond, c.GetTimeout())
	assert.Equal(t, 256, c.GetChunkSize())
	assert.Equal(t, time.Second, c.GetCloseWait())
	assert.True(t, c.GetMQTTEnabled())
	assert.Equal(t, "tcp://broker:1883", c.GetMQTTBroker())
	assert.Equal(t, byte(1), c.GetMQTTQoS())
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "bridge.yaml", `
serial:
  chunk_size: 64
log:
  level: debug
  format: json
capture:
  enabled: true
  path: /var/lib/serialbridge/capture.db
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 64, c.GetChunkSize())
	assert.Equal(t, "debug", c.GetLogLevel())
	assert.Equal(t, "json", c.GetLogFormat())
	assert.True(t, c.GetCaptureEnabled())
	assert.Equal(t, "/var/lib/serialbridge/capture.db", c.GetCapturePath())
}

func TestLoad_YAMLRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "bridge.yml", "serial:\n  baud: 9600\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "bridge.json", `{"serial": {"close_wait_ms": 0, "ports_dir": "/tmp/dev"}}`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), c.GetCloseWait())
	assert.Equal(t, "/tmp/dev", c.GetPortsDir())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name, file, body, want string
	}{
		{"extension", "bridge.ini", "listen=:1", "unsupported config extension"},
		{"bad toml", "bridge.toml", "listen = ", "parse config TOML"},
		{"bad json", "bridge.json", "{", "parse config JSON"},
		{"driver", "bridge.toml", "[serial]\ndriver = \"usb\"\n", "unknown serial driver"},
		{"timeout", "bridge.toml", "[serial]\ntimeout_ms = 0\n", "timeout_ms must be positive"},
		{"chunk", "bridge.toml", "[serial]\nchunk_size = -1\n", "chunk_size must be positive"},
		{"close wait", "bridge.toml", "[serial]\nclose_wait_ms = -5\n", "must not be negative"},
		{"log format", "bridge.toml", "[log]\nformat = \"xml\"\n", "unknown log format"},
		{"qos", "bridge.toml", "[mqtt]\nqos = 3\n", "mqtt.qos"},
		{"broker", "bridge.toml", "[mqtt]\nenabled = true\n", "mqtt.broker is required"},
		{"listen", "bridge.json", `{"listen": " "}`, "listen must not be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.ErrorContains(t, err, "failed to stat config file")
}

func TestLoad_TooLarge(t *testing.T) {
	body := "# " + strings.Repeat("x", maxFileSize) + "\n"
	_, err := Load(writeFile(t, "big.toml", body))
	assert.ErrorContains(t, err, "too large")
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serialbridge.toml")
	require.NoError(t, WriteDefault(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "# serialbridge configuration"))

	c, err := Load(path)
	require.NoError(t, err)

	type view struct {
		Listen, Driver, Level, Format, Prefix, Capture string
		Timeout, CloseWait                             time.Duration
		Chunk                                          int
		MQTT, CaptureOn                                bool
	}
	snapshot := func(c *Config) view {
		return view{
			c.GetListen(), c.GetDriver(), c.GetLogLevel(), c.GetLogFormat(), c.GetMQTTTopicPrefix(), c.GetCapturePath(),
			c.GetTimeout(), c.GetCloseWait(), c.GetChunkSize(), c.GetMQTTEnabled(), c.GetCaptureEnabled(),
		}
	}
	if diff := cmp.Diff(snapshot(Default()), snapshot(c)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSetters(t *testing.T) {
	c := &Config{}
	c.SetListen(":9999")
	c.SetDriver("termios")
	c.SetLogLevel("warn")
	c.SetCapturePath("/tmp/c.db")

	assert.Equal(t, ":9999", c.GetListen())
	assert.Equal(t, "termios", c.GetDriver())
	assert.Equal(t, "warn", c.GetLogLevel())
	assert.True(t, c.GetCaptureEnabled())
	assert.Equal(t, "/tmp/c.db", c.GetCapturePath())
	assert.NoError(t, c.Validate())
}
