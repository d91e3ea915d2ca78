// Package config loads the daemon configuration file. Every field is optional;
// the Get* accessors supply defaults for anything the file leaves out, so
// partial configs are safe.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v2"
)

const (
	DefaultListen      = ":8080"
	DefaultDriver      = "bugst"
	DefaultTimeoutMS   = 200
	DefaultChunkSize   = 1024
	DefaultCloseWaitMS = 1000
	DefaultPortsDir    = "/dev"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "console"
	DefaultMQTTPrefix  = "serialbridge/read"
	DefaultCapturePath = "capture.db"

	maxFileSize = 1 * 1024 * 1024
)

// Config is the root of the configuration file.
type Config struct {
	Listen  *string       `toml:"listen,omitempty" yaml:"listen,omitempty" json:"listen,omitempty"`
	Serial  SerialConfig  `toml:"serial" yaml:"serial" json:"serial"`
	Log     LogConfig     `toml:"log" yaml:"log" json:"log"`
	MQTT    MQTTConfig    `toml:"mqtt" yaml:"mqtt" json:"mqtt"`
	Capture CaptureConfig `toml:"capture" yaml:"capture" json:"capture"`
}

// SerialConfig holds the session defaults applied when a command omits them.
type SerialConfig struct {
	Driver      *string `toml:"driver,omitempty" yaml:"driver,omitempty" json:"driver,omitempty"`
	TimeoutMS   *int    `toml:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	ChunkSize   *int    `toml:"chunk_size,omitempty" yaml:"chunk_size,omitempty" json:"chunk_size,omitempty"`
	CloseWaitMS *int    `toml:"close_wait_ms,omitempty" yaml:"close_wait_ms,omitempty" json:"close_wait_ms,omitempty"`
	PortsDir    *string `toml:"ports_dir,omitempty" yaml:"ports_dir,omitempty" json:"ports_dir,omitempty"`
}

type LogConfig struct {
	Level  *string `toml:"level,omitempty" yaml:"level,omitempty" json:"level,omitempty"`
	Format *string `toml:"format,omitempty" yaml:"format,omitempty" json:"format,omitempty"`
}

// MQTTConfig enables publishing read chunks to a broker.
type MQTTConfig struct {
	Enabled     *bool   `toml:"enabled,omitempty" yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Broker      *string `toml:"broker,omitempty" yaml:"broker,omitempty" json:"broker,omitempty"`
	ClientID    *string `toml:"client_id,omitempty" yaml:"client_id,omitempty" json:"client_id,omitempty"`
	TopicPrefix *string `toml:"topic_prefix,omitempty" yaml:"topic_prefix,omitempty" json:"topic_prefix,omitempty"`
	QoS         *int    `toml:"qos,omitempty" yaml:"qos,omitempty" json:"qos,omitempty"`
}

// CaptureConfig enables recording read chunks into a sqlite database.
type CaptureConfig struct {
	Enabled *bool   `toml:"enabled,omitempty" yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Path    *string `toml:"path,omitempty" yaml:"path,omitempty" json:"path,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }
func ptrBool(v bool) *bool       { return &v }

// Default returns a Config with every field populated with its default.
func Default() *Config {
	return &Config{
		Listen: ptrString(DefaultListen),
		Serial: SerialConfig{
			Driver:      ptrString(DefaultDriver),
			TimeoutMS:   ptrInt(DefaultTimeoutMS),
			ChunkSize:   ptrInt(DefaultChunkSize),
			CloseWaitMS: ptrInt(DefaultCloseWaitMS),
			PortsDir:    ptrString(DefaultPortsDir),
		},
		Log: LogConfig{
			Level:  ptrString(DefaultLogLevel),
			Format: ptrString(DefaultLogFormat),
		},
		MQTT: MQTTConfig{
			Enabled:     ptrBool(false),
			Broker:      ptrString("tcp://127.0.0.1:1883"),
			TopicPrefix: ptrString(DefaultMQTTPrefix),
			QoS:         ptrInt(0),
		},
		Capture: CaptureConfig{
			Enabled: ptrBool(false),
			Path:    ptrString(DefaultCapturePath),
		},
	}
}

// Load reads a config file. The format is chosen by extension: .toml, .yaml,
// .yml or .json.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	switch ext := strings.ToLower(filepath.Ext(cleanPath)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension %q: expected .toml, .yaml, .yml or .json", ext)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// WriteDefault atomically writes the default configuration as TOML.
func WriteDefault(path string) error {
	var buf bytes.Buffer
	buf.WriteString("# serialbridge configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(Default()); err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// Validate checks the values that are present.
func (c *Config) Validate() error {
	if c.Listen != nil && strings.TrimSpace(*c.Listen) == "" {
		return fmt.Errorf("listen must not be empty")
	}
	if c.Serial.Driver != nil {
		switch *c.Serial.Driver {
		case "bugst", "termios":
		default:
			return fmt.Errorf("unknown serial driver %q: expected bugst or termios", *c.Serial.Driver)
		}
	}
	if c.Serial.TimeoutMS != nil && *c.Serial.TimeoutMS <= 0 {
		return fmt.Errorf("serial.timeout_ms must be positive, got %d", *c.Serial.TimeoutMS)
	}
	if c.Serial.ChunkSize != nil && *c.Serial.ChunkSize <= 0 {
		return fmt.Errorf("serial.chunk_size must be positive, got %d", *c.Serial.ChunkSize)
	}
	if c.Serial.CloseWaitMS != nil && *c.Serial.CloseWaitMS < 0 {
		return fmt.Errorf("serial.close_wait_ms must not be negative, got %d", *c.Serial.CloseWaitMS)
	}
	if c.Log.Format != nil {
		switch *c.Log.Format {
		case "console", "json":
		default:
			return fmt.Errorf("unknown log format %q: expected console or json", *c.Log.Format)
		}
	}
	if c.MQTT.QoS != nil && (*c.MQTT.QoS < 0 || *c.MQTT.QoS > 2) {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", *c.MQTT.QoS)
	}
	if c.GetMQTTEnabled() && strings.TrimSpace(c.GetMQTTBroker()) == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func (c *Config) GetListen() string {
	if c.Listen == nil {
		return DefaultListen
	}
	return *c.Listen
}

func (c *Config) GetDriver() string {
	if c.Serial.Driver == nil {
		return DefaultDriver
	}
	return *c.Serial.Driver
}

func (c *Config) GetTimeout() time.Duration {
	if c.Serial.TimeoutMS == nil {
		return DefaultTimeoutMS * time.Millisecond
	}
	return time.Duration(*c.Serial.TimeoutMS) * time.Millisecond
}

func (c *Config) GetChunkSize() int {
	if c.Serial.ChunkSize == nil {
		return DefaultChunkSize
	}
	return *c.Serial.ChunkSize
}

func (c *Config) GetCloseWait() time.Duration {
	if c.Serial.CloseWaitMS == nil {
		return DefaultCloseWaitMS * time.Millisecond
	}
	return time.Duration(*c.Serial.CloseWaitMS) * time.Millisecond
}

func (c *Config) GetPortsDir() string {
	if c.Serial.PortsDir == nil {
		return DefaultPortsDir
	}
	return *c.Serial.PortsDir
}

func (c *Config) GetLogLevel() string {
	if c.Log.Level == nil {
		return DefaultLogLevel
	}
	return *c.Log.Level
}

func (c *Config) GetLogFormat() string {
	if c.Log.Format == nil {
		return DefaultLogFormat
	}
	return *c.Log.Format
}

func (c *Config) GetMQTTEnabled() bool {
	return c.MQTT.Enabled != nil && *c.MQTT.Enabled
}

func (c *Config) GetMQTTBroker() string {
	if c.MQTT.Broker == nil {
		return ""
	}
	return *c.MQTT.Broker
}

// GetMQTTClientID returns the configured client ID or "" to let the caller
// generate one.
func (c *Config) GetMQTTClientID() string {
	if c.MQTT.ClientID == nil {
		return ""
	}
	return *c.MQTT.ClientID
}

func (c *Config) GetMQTTTopicPrefix() string {
	if c.MQTT.TopicPrefix == nil {
		return DefaultMQTTPrefix
	}
	return *c.MQTT.TopicPrefix
}

func (c *Config) GetMQTTQoS() byte {
	if c.MQTT.QoS == nil {
		return 0
	}
	return byte(*c.MQTT.QoS)
}

func (c *Config) GetCaptureEnabled() bool {
	return c.Capture.Enabled != nil && *c.Capture.Enabled
}

func (c *Config) GetCapturePath() string {
	if c.Capture.Path == nil {
		return DefaultCapturePath
	}
	return *c.Capture.Path
}

// SetListen, SetDriver, SetLogLevel and SetCapturePath let command-line flags
// override file values.
func (c *Config) SetListen(v string)      { c.Listen = ptrString(v) }
func (c *Config) SetDriver(v string)      { c.Serial.Driver = ptrString(v) }
func (c *Config) SetLogLevel(v string)    { c.Log.Level = ptrString(v) }
func (c *Config) SetCapturePath(v string) { c.Capture.Path = ptrString(v); c.Capture.Enabled = ptrBool(true) }
