// Package config provides configuration management for the render agent.
// Configuration is loaded from an optional YAML file and environment
// variables, layered over sensible defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const (
	// Default values
	DefaultPort        = 8788
	DefaultLogLevel    = "info"
	DefaultDataDir     = ".render-agent"
	DefaultPollMillis  = 500
	DefaultGraceMillis = 3000

	// Default tool locations per operating system
	DefaultToolWindows = "C:/Program Files/Spine/Spine.com"
	DefaultToolDarwin  = "/Applications/Spine.app/Contents/MacOS/Spine"
	DefaultToolLinux   = "spine"

	// Environment variable names
	EnvPort        = "RENDER_AGENT_PORT"
	EnvLogLevel    = "RENDER_AGENT_LOG_LEVEL"
	EnvDataDir     = "RENDER_AGENT_DATA_DIR"
	EnvHeadless    = "RENDER_AGENT_HEADLESS"
	EnvLogDir      = "RENDER_AGENT_LOG_DIR"
	EnvConfigFile  = "RENDER_AGENT_CONFIG"
	EnvToolWindows = "RENDER_AGENT_TOOL_WINDOWS"
	EnvToolDarwin  = "RENDER_AGENT_TOOL_DARWIN"
	EnvToolLinux   = "RENDER_AGENT_TOOL_LINUX"

	// Database filename
	DBFilename = "render-agent.db"

	// ConfigFilename is looked up inside the data dir when EnvConfigFile is unset.
	ConfigFilename = "config.yaml"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	Headless() bool
	LogDir() string
	ToolPath() string
	ToolPathFor(goos string) string
	PollInterval() time.Duration
	GracePeriod() time.Duration
	StagnationLimit() int
	OutputExtensions() []string
}

// EnvConfig holds the merged configuration.
type EnvConfig struct {
	port         int
	logLevel     string
	dataDir      string
	headless     bool
	logDir       string
	toolPaths    map[string]string
	pollInterval time.Duration
	gracePeriod  time.Duration
	stagnation   int
	extensions   []string
}

// New creates a new EnvConfig with defaults, then applies the config file
// (if any) and finally environment variable overrides.
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:     DefaultPort,
		logLevel: DefaultLogLevel,
		dataDir:  defaultDataDir(),
		toolPaths: map[string]string{
			"windows": DefaultToolWindows,
			"darwin":  DefaultToolDarwin,
			"linux":   DefaultToolLinux,
		},
		pollInterval: DefaultPollMillis * time.Millisecond,
		gracePeriod:  DefaultGraceMillis * time.Millisecond,
	}

	// Data dir must be known before the config file can be located.
	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	path := os.Getenv(EnvConfigFile)
	explicit := path != ""
	if !explicit {
		path = filepath.Join(cfg.dataDir, ConfigFilename)
	}
	fc, err := LoadFile(path)
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else if err := cfg.applyFile(fc); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *EnvConfig) applyFile(fc *FileConfig) error {
	if fc.Port != 0 {
		if fc.Port < 1 || fc.Port > 65535 {
			return fmt.Errorf("port must be between 1 and 65535")
		}
		c.port = fc.Port
	}
	if fc.LogLevel != "" {
		c.logLevel = fc.LogLevel
	}
	if fc.LogDir != "" {
		c.logDir = fc.LogDir
	}
	if fc.Headless != nil {
		c.headless = *fc.Headless
	}
	for goos, p := range fc.ToolPaths {
		goos = strings.ToLower(strings.TrimSpace(goos))
		if goos == "macos" {
			goos = "darwin"
		}
		if p != "" {
			c.toolPaths[goos] = p
		}
	}
	if fc.PollInterval != "" {
		d, err := time.ParseDuration(fc.PollInterval)
		if err != nil || d <= 0 {
			return fmt.Errorf("poll_interval %q must be a positive duration", fc.PollInterval)
		}
		c.pollInterval = d
	}
	if fc.GracePeriod != "" {
		d, err := time.ParseDuration(fc.GracePeriod)
		if err != nil || d <= 0 {
			return fmt.Errorf("grace_period %q must be a positive duration", fc.GracePeriod)
		}
		c.gracePeriod = d
	}
	if fc.StagnationLimit < 0 {
		return fmt.Errorf("stagnation_limit must not be negative")
	}
	c.stagnation = fc.StagnationLimit
	for _, ext := range fc.OutputExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.extensions = append(c.extensions, ext)
	}
	return nil
}

func (c *EnvConfig) applyEnv() error {
	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		c.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		c.logLevel = ll
	}

	if h := os.Getenv(EnvHeadless); h != "" {
		headless, err := strconv.ParseBool(h)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvHeadless, err)
		}
		c.headless = headless
	}

	if ld := os.Getenv(EnvLogDir); ld != "" {
		c.logDir = ld
	}

	for goos, env := range map[string]string{
		"windows": EnvToolWindows,
		"darwin":  EnvToolDarwin,
		"linux":   EnvToolLinux,
	} {
		if v := os.Getenv(env); v != "" {
			c.toolPaths[goos] = v
		}
	}
	return nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// Headless reports whether the system tray should be skipped.
func (c *EnvConfig) Headless() bool {
	return c.headless
}

// LogDir is where failure logs of the external tool are written.
// Defaults to the OS temp dir.
func (c *EnvConfig) LogDir() string {
	if c.logDir != "" {
		return c.logDir
	}
	return os.TempDir()
}

// ToolPath returns the tool executable for the running OS.
func (c *EnvConfig) ToolPath() string {
	return c.ToolPathFor(runtime.GOOS)
}

// ToolPathFor returns the configured tool executable for goos. Operating
// systems without an entry fall back to the Windows path.
func (c *EnvConfig) ToolPathFor(goos string) string {
	if p, ok := c.toolPaths[goos]; ok && p != "" {
		return p
	}
	return c.toolPaths["windows"]
}

func (c *EnvConfig) PollInterval() time.Duration {
	return c.pollInterval
}

func (c *EnvConfig) GracePeriod() time.Duration {
	return c.gracePeriod
}

// StagnationLimit is how many flat samples trigger an output rescan.
// Zero means the monitor default.
func (c *EnvConfig) StagnationLimit() int {
	return c.stagnation
}

// OutputExtensions lists the file extensions the progress monitor treats as
// render output. Nil means the monitor default.
func (c *EnvConfig) OutputExtensions() []string {
	return c.extensions
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
