// Package config holds the bridge configuration. Defaults come from struct tags,
// and are overridden by an optional config file, T95_* environment variables and
// command-line flags, in increasing order of precedence.
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"t95-bridge/internal/connmgr"
	"t95-bridge/internal/frame"
	"t95-bridge/internal/link"
	"t95-bridge/internal/listener"
	"t95-bridge/internal/logging"
	"t95-bridge/internal/relay"
)

// EnvPrefix prefixes environment variables, e.g. T95_LOG_DIR.
const EnvPrefix = "T95"

// Config holds application configuration
type Config struct {
	Backend         string        `mapstructure:"backend" default:"profile"`
	ServiceName     string        `mapstructure:"service_name" default:"T95 Serial Port"`
	ServiceUUID     string        `mapstructure:"service_uuid" default:"00001101-0000-1000-8000-00805f9b34fb"`
	Channel         uint8         `mapstructure:"channel" default:"0"`
	ReadChunk       int           `mapstructure:"read_chunk" default:"1024"`
	AcceptBackoff   time.Duration `mapstructure:"accept_backoff" default:"1s"`
	RelayRetryDelay time.Duration `mapstructure:"relay_retry_delay" default:"100ms"`
	ExitOnHostEOF   bool          `mapstructure:"exit_on_host_eof" default:"false"`
	LogDir          string        `mapstructure:"log_dir" default:"logs"`
	LogLevel        string        `mapstructure:"log_level" default:"info"`
	LogStderr       bool          `mapstructure:"log_stderr" default:"false"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	return c
}

// SetDefaults registers every key with v so environment variables and config
// files can override it.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("backend", d.Backend)
	v.SetDefault("service_name", d.ServiceName)
	v.SetDefault("service_uuid", d.ServiceUUID)
	v.SetDefault("channel", d.Channel)
	v.SetDefault("read_chunk", d.ReadChunk)
	v.SetDefault("accept_backoff", d.AcceptBackoff)
	v.SetDefault("relay_retry_delay", d.RelayRetryDelay)
	v.SetDefault("exit_on_host_eof", d.ExitOnHostEOF)
	v.SetDefault("log_dir", d.LogDir)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_stderr", d.LogStderr)
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile merges a config file (any format viper understands) into v.
func ReadFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return nil
}

// ReadConfig merges config from r, in the given format (yaml, json, toml...).
func ReadConfig(v *viper.Viper, format string, r io.Reader) error {
	v.SetConfigType(format)
	if err := v.MergeConfig(r); err != nil {
		return fmt.Errorf("config: parse %s: %w", format, err)
	}
	return nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	c := DefaultConfig()
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks and normalizes the configuration.
func (c *Config) Validate() error {
	if _, err := connmgr.ParseBackend(c.Backend); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("config: service_name is required")
	}
	id, err := uuid.Parse(c.ServiceUUID)
	if err != nil {
		return fmt.Errorf("config: service_uuid %q: %w", c.ServiceUUID, err)
	}
	c.ServiceUUID = id.String()
	if c.Channel > 30 {
		return fmt.Errorf("config: channel %d out of range (0-30)", c.Channel)
	}
	if c.ReadChunk <= 0 || c.ReadChunk > frame.MaxPayload {
		return fmt.Errorf("config: read_chunk %d out of range (1-%d)", c.ReadChunk, frame.MaxPayload)
	}
	if c.AcceptBackoff <= 0 {
		return fmt.Errorf("config: accept_backoff must be positive")
	}
	if c.RelayRetryDelay <= 0 {
		return fmt.Errorf("config: relay_retry_delay must be positive")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// NewLogger creates the configured logger. The closer releases the log file.
func (c *Config) NewLogger() (*logrus.Logger, io.Closer, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	return logging.New(logging.Options{Dir: c.LogDir, Level: level, Stderr: c.LogStderr})
}

// ServerOptions returns the rendezvous registration options.
func (c *Config) ServerOptions() connmgr.ServerOptions {
	return connmgr.ServerOptions{
		ServiceName: c.ServiceName,
		ServiceUUID: c.ServiceUUID,
		Channel:     c.Channel,
	}
}

// ListenerOptions returns the lifecycle options.
func (c *Config) ListenerOptions() listener.Options {
	return listener.Options{
		Server:  c.ServerOptions(),
		Link:    link.Options{ReadChunk: c.ReadChunk},
		Backoff: c.AcceptBackoff,
	}
}

// RelayOptions returns the host command relay options.
func (c *Config) RelayOptions() relay.Options {
	return relay.Options{RetryDelay: c.RelayRetryDelay, ExitOnEOF: c.ExitOnHostEOF}
}
