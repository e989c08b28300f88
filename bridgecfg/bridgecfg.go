// Package bridgecfg holds the bridge runtime configuration: an optional
// YAML file overlaid with environment variables. Environment always wins,
// so an MCP host can configure a stock install without touching disk.
package bridgecfg

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults mirrored by the launcher contract.
const (
	DefaultPort             = 8065
	DefaultStartupTimeoutMs = 15_000
	MinStartupTimeoutMs     = 1_000
	DefaultMaxDomBytes      = 512 * 1024
	DefaultCaptureTimeout   = 8 * time.Second
	DefaultRetentionDays    = 7
)

// Config is the resolved bridge configuration.
type Config struct {
	// Port is the loopback TCP port for the ingest server.
	Port int `yaml:"port"`

	// DataDir holds the SQLite database and the startup lockfile.
	DataDir string `yaml:"data_dir"`

	// StartupTimeout bounds the readiness poll after spawn.
	StartupTimeout time.Duration `yaml:"startup_timeout"`

	// StdioMode disables HTTP request logging so stdout stays pure
	// MCP protocol. Set by MCP_STDIO_MODE=1.
	StdioMode bool `yaml:"stdio_mode"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// MaxDomBytes caps persisted snapshot DOM payloads. Larger payloads
	// are replaced by an outline with truncation flagged.
	MaxDomBytes int `yaml:"max_dom_bytes"`

	// CaptureTimeout is the default deadline for heavy capture commands.
	CaptureTimeout time.Duration `yaml:"capture_timeout"`

	// RetentionDays bounds how long events, network records and snapshots
	// are kept. Zero disables the sweep.
	RetentionDays int `yaml:"retention_days"`

	// RedactionRulesPath optionally points at a JSON file of extra
	// redaction patterns merged after the built-ins.
	RedactionRulesPath string `yaml:"redaction_rules_path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:           DefaultPort,
		DataDir:        "data",
		StartupTimeout: DefaultStartupTimeoutMs * time.Millisecond,
		LogLevel:       "info",
		MaxDomBytes:    DefaultMaxDomBytes,
		CaptureTimeout: DefaultCaptureTimeout,
		RetentionDays:  DefaultRetentionDays,
	}
}

// LoadFile reads a YAML configuration file over the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("bridgecfg: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("bridgecfg: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Load resolves the configuration: defaults, then the YAML file at
// BRIDGE_CONFIG (if set and readable), then environment overrides.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("BRIDGE_CONFIG"); path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("bridgecfg: PORT=%q: %w", v, err)
		}
		c.Port = p
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("MCP_STARTUP_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("bridgecfg: MCP_STARTUP_TIMEOUT_MS=%q: %w", v, err)
		}
		if ms < MinStartupTimeoutMs {
			ms = MinStartupTimeoutMs
		}
		c.StartupTimeout = time.Duration(ms) * time.Millisecond
	}
	if os.Getenv("MCP_STDIO_MODE") == "1" {
		c.StdioMode = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("bridgecfg: port %d out of range", c.Port)
	}
	if c.MaxDomBytes < 1024 {
		return fmt.Errorf("bridgecfg: max_dom_bytes %d too small", c.MaxDomBytes)
	}
	if c.CaptureTimeout <= 0 {
		c.CaptureTimeout = DefaultCaptureTimeout
	}
	return nil
}

// DatabasePath returns the SQLite file path under DataDir.
func (c Config) DatabasePath() string {
	return c.DataDir + string(os.PathSeparator) + "bridge.db"
}

// LockPath returns the single-instance lockfile path under DataDir.
func (c Config) LockPath() string {
	return c.DataDir + string(os.PathSeparator) + ".mcp-start.lock"
}
