// Package config handles labctl configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path (from the --config flag) is given: ./config.yaml,
// ~/.config/labctl/config.yaml, /config/config.yaml, /etc/labctl/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "labctl", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/labctl/config.yaml")
	return paths
}

// searchPathsFunc is indirected for tests, which override it to avoid
// accidentally finding a real config file on the developer's machine.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all labctl configuration. Catalog file contents
// (labs/sensors/actuators/thresholds) are NOT part of this struct;
// those live under CatalogDir and are owned by the catalog package.
type Config struct {
	Bus        BusConfig    `yaml:"bus"`
	Listen     ListenConfig `yaml:"listen"`
	Loop       LoopConfig   `yaml:"loop"`
	CatalogDir string       `yaml:"catalog_dir"`
	DataDir    string       `yaml:"data_dir"`
	LogLevel   string       `yaml:"log_level"`
}

// BusConfig defines the message bus (MQTT broker) connection settings.
type BusConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Keepalive int    `yaml:"keepalive_sec"`
	ClientID  string `yaml:"client_id"`
}

// ListenConfig defines the controller's HTTP surface settings
// (GET /snapshot, GET /health, GET /metrics).
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// LoopConfig defines the periodic-task intervals.
type LoopConfig struct {
	ControlSec        int `yaml:"control_sec"`
	CatalogRefreshSec int `yaml:"catalog_refresh_sec"`
	WatchdogSec       int `yaml:"watchdog_sec"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${MQTT_HOST}). This is a
	// convenience for container deployments; the recommended approach
	// is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies the well-known environment variables on
// top of whatever the YAML file set. Env vars win over the file so
// containers can override a baked-in config without editing it.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MQTT_HOST"); v != "" {
		c.Bus.Host = v
	}
	if v := os.Getenv("MQTT_PORT"); v != "" {
		if port, err := parsePort(v); err == nil {
			c.Bus.Port = port
		}
	}
	if v := os.Getenv("CONTROL_LOOP_SEC"); v != "" {
		if n, err := parseInt(v); err == nil {
			c.Loop.ControlSec = n
		}
	}
	if v := os.Getenv("CATALOG_REFRESH_SEC"); v != "" {
		if n, err := parseInt(v); err == nil {
			c.Loop.CatalogRefreshSec = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func parsePort(s string) (int, error) {
	n, err := parseInt(s)
	if err != nil {
		return 0, err
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return n, nil
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Bus.Host == "" {
		c.Bus.Host = "localhost"
	}
	if c.Bus.Port == 0 {
		c.Bus.Port = 1883
	}
	if c.Bus.Keepalive == 0 {
		c.Bus.Keepalive = 30
	}
	if c.Bus.ClientID == "" {
		c.Bus.ClientID = "labctl-controller"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8081
	}
	if c.Loop.ControlSec == 0 {
		c.Loop.ControlSec = 2
	}
	if c.Loop.CatalogRefreshSec == 0 {
		c.Loop.CatalogRefreshSec = 10
	}
	if c.Loop.WatchdogSec == 0 {
		c.Loop.WatchdogSec = 30
	}
	if c.CatalogDir == "" {
		c.CatalogDir = "./catalog"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.Bus.Port < 1 || c.Bus.Port > 65535 {
		return fmt.Errorf("bus.port %d out of range (1-65535)", c.Bus.Port)
	}
	if c.Loop.ControlSec < 1 {
		return fmt.Errorf("loop.control_sec must be >= 1, got %d", c.Loop.ControlSec)
	}
	if c.Loop.CatalogRefreshSec < 1 {
		return fmt.Errorf("loop.catalog_refresh_sec must be >= 1, got %d", c.Loop.CatalogRefreshSec)
	}
	if c.Loop.WatchdogSec < 1 {
		return fmt.Errorf("loop.watchdog_sec must be >= 1, got %d", c.Loop.WatchdogSec)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local
// development against a broker on localhost. All defaults are already
// applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
