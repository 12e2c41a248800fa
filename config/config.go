// Package config defines the Percy project configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when no path is given.
const DefaultPath = ".percy.yml"

// Config is the top-level Percy configuration.
type Config struct {
	Snapshot  SnapshotConfig  `json:"snapshot" yaml:"snapshot"`
	Discovery DiscoveryConfig `json:"discovery" yaml:"discovery"`
	Server    ServerConfig    `json:"server" yaml:"server"`
}

// SnapshotConfig controls how pages are captured.
type SnapshotConfig struct {
	Widths           []int  `json:"widths" yaml:"widths"`
	MinHeight        int    `json:"min_height" yaml:"min-height"`
	PercyCSS         string `json:"percy_css,omitempty" yaml:"percy-css"`
	EnableJavaScript bool   `json:"enable_javascript,omitempty" yaml:"enable-javascript"`
}

// DiscoveryConfig controls browser-driven resource discovery.
type DiscoveryConfig struct {
	Concurrency          int      `json:"concurrency,omitempty" yaml:"concurrency"`
	AllowedHostnames     []string `json:"allowed_hostnames,omitempty" yaml:"allowed-hostnames"`
	NetworkIdleTimeoutMS int      `json:"network_idle_timeout" yaml:"network-idle-timeout"`
	DisableCache         bool     `json:"disable_cache,omitempty" yaml:"disable-cache"`
}

// ServerConfig controls the local API server.
type ServerConfig struct {
	Port int `json:"port" yaml:"port"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Snapshot: SnapshotConfig{
			Widths:    []int{375, 1280},
			MinHeight: 1024,
		},
		Discovery: DiscoveryConfig{
			NetworkIdleTimeoutMS: 100,
		},
		Server: ServerConfig{
			Port: 5338,
		},
	}
}

// Load reads a YAML config file and returns the parsed configuration merged
// over the defaults. An empty path falls back to DefaultPath; a missing
// default file is not an error and yields the defaults.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Merge overlays non-zero fields of o onto c and returns c. Allowed
// hostnames are appended to c's list rather than replacing it.
func (c *Config) Merge(o *Config) *Config {
	if o == nil {
		return c
	}
	if len(o.Snapshot.Widths) > 0 {
		c.Snapshot.Widths = o.Snapshot.Widths
	}
	if o.Snapshot.MinHeight != 0 {
		c.Snapshot.MinHeight = o.Snapshot.MinHeight
	}
	if o.Snapshot.PercyCSS != "" {
		c.Snapshot.PercyCSS = o.Snapshot.PercyCSS
	}
	if o.Snapshot.EnableJavaScript {
		c.Snapshot.EnableJavaScript = true
	}
	if o.Discovery.Concurrency != 0 {
		c.Discovery.Concurrency = o.Discovery.Concurrency
	}
	if len(o.Discovery.AllowedHostnames) > 0 {
		c.Discovery.AllowedHostnames = append(c.Discovery.AllowedHostnames, o.Discovery.AllowedHostnames...)
	}
	if o.Discovery.NetworkIdleTimeoutMS != 0 {
		c.Discovery.NetworkIdleTimeoutMS = o.Discovery.NetworkIdleTimeoutMS
	}
	if o.Discovery.DisableCache {
		c.Discovery.DisableCache = true
	}
	if o.Server.Port != 0 {
		c.Server.Port = o.Server.Port
	}
	return c
}

// Validate checks the configuration and returns a warning for every invalid
// value, resetting each to its default. Validation never fails the run.
func (c *Config) Validate() []string {
	var warnings []string
	def := DefaultConfig()
	for _, w := range c.Snapshot.Widths {
		if w <= 0 {
			warnings = append(warnings, fmt.Sprintf("invalid snapshot width %d, using defaults", w))
			c.Snapshot.Widths = def.Snapshot.Widths
			break
		}
	}
	if len(c.Snapshot.Widths) == 0 {
		c.Snapshot.Widths = def.Snapshot.Widths
	}
	if c.Snapshot.MinHeight < 0 {
		warnings = append(warnings, fmt.Sprintf("invalid snapshot min-height %d, using %d", c.Snapshot.MinHeight, def.Snapshot.MinHeight))
		c.Snapshot.MinHeight = def.Snapshot.MinHeight
	}
	if c.Discovery.Concurrency < 0 {
		warnings = append(warnings, fmt.Sprintf("invalid discovery concurrency %d, ignoring", c.Discovery.Concurrency))
		c.Discovery.Concurrency = 0
	}
	if c.Discovery.NetworkIdleTimeoutMS < 0 {
		warnings = append(warnings, fmt.Sprintf("invalid network-idle-timeout %d, using %d", c.Discovery.NetworkIdleTimeoutMS, def.Discovery.NetworkIdleTimeoutMS))
		c.Discovery.NetworkIdleTimeoutMS = def.Discovery.NetworkIdleTimeoutMS
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		warnings = append(warnings, fmt.Sprintf("invalid server port %d, using %d", c.Server.Port, def.Server.Port))
		c.Server.Port = def.Server.Port
	}
	return warnings
}
