// Package config provides reading of starlark-mcp configuration.
// Configuration is optional: the server runs with built-in defaults when no
// file exists. A starlark-mcp.yaml in the working directory adjusts the
// extensions directory and capability timeouts, and sets the protocol
// version list reported in the startup log. Protocol version negotiation
// itself uses the MCP library's own supported set; the configured list does
// not change it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidValue is returned when a config value is out of bounds.
var ErrInvalidValue = errors.New("invalid config value")

// FileName is the config file looked up in the working directory.
const FileName = "starlark-mcp.yaml"

// Defaults applied when not configured.
const (
	DefaultExtensionsDir   = "./extensions"
	DefaultHTTPTimeout     = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// DefaultProtocolVersions is the protocol version list reported in the
// startup log when none is configured, newest first. It is not passed to
// the MCP library and does not affect negotiation.
var DefaultProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

// Config contains configuration for the starlark-mcp server.
type Config struct {
	ExtensionsDir    string   `yaml:"extensions_dir,omitempty"`
	HTTPTimeoutSecs  int      `yaml:"http_timeout_secs,omitempty"`
	ShutdownSecs     int      `yaml:"shutdown_timeout_secs,omitempty"`
	ProtocolVersions []string `yaml:"protocol_versions,omitempty"`
}

// Load reads the config file from the working directory. A missing file is
// not an error; defaults are returned.
func Load() (*Config, error) {
	return LoadFrom(FileName)
}

// LoadFrom reads and validates a config file at the given path.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg.withDefaults(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg.withDefaults(), nil
}

func (c *Config) validate() error {
	if c.HTTPTimeoutSecs < 0 {
		return fmt.Errorf("%w: http_timeout_secs must be non-negative, got %d",
			ErrInvalidValue, c.HTTPTimeoutSecs)
	}
	if c.ShutdownSecs < 0 {
		return fmt.Errorf("%w: shutdown_timeout_secs must be non-negative, got %d",
			ErrInvalidValue, c.ShutdownSecs)
	}
	return nil
}

func (c *Config) withDefaults() *Config {
	if c.ExtensionsDir == "" {
		c.ExtensionsDir = DefaultExtensionsDir
	}
	if c.HTTPTimeoutSecs == 0 {
		c.HTTPTimeoutSecs = int(DefaultHTTPTimeout / time.Second)
	}
	if c.ShutdownSecs == 0 {
		c.ShutdownSecs = int(DefaultShutdownTimeout / time.Second)
	}
	if len(c.ProtocolVersions) == 0 {
		c.ProtocolVersions = append([]string(nil), DefaultProtocolVersions...)
	}
	return c
}

// HTTPTimeout returns the configured HTTP capability timeout.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSecs) * time.Second
}

// ShutdownTimeout returns the drain timeout used on transport close.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownSecs) * time.Second
}
