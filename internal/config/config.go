package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"unitd/pkg/logging"
)

const configFileName = "config.yaml"

// Config is unitd's top-level daemon configuration.
type Config struct {
	// UnitDirs are scanned in order for unit files; earlier directories
	// win on name collisions.
	UnitDirs []string `yaml:"unitDirs,omitempty"`

	// StateDir holds the reliability journal (last.mdb, pending.mdb) and
	// the enablement state store.
	StateDir string `yaml:"stateDir,omitempty"`

	// CgroupRoot is the slice all per-unit cgroups are created under.
	CgroupRoot string `yaml:"cgroupRoot,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel,omitempty"`

	// WatchUnits enables the fsnotify watcher over UnitDirs.
	WatchUnits bool `yaml:"watchUnits,omitempty"`
}

// Default returns the configuration used when no config.yaml exists.
func Default() Config {
	return Config{
		UnitDirs:   []string{"/etc/unitd/system", "/usr/lib/unitd/system"},
		StateDir:   "/var/lib/unitd",
		CgroupRoot: "", // cgroup.DefaultRoot applies
		LogLevel:   "info",
		WatchUnits: true,
	}
}

// Load reads config.yaml from configPath (a directory), layering it over
// the defaults. A missing file is not an error.
func Load(configPath string) (Config, error) {
	cfg := Default()

	path := filepath.Join(configPath, configFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("Config", "no %s at %s, using defaults", configFileName, configPath)
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the manager could not start with.
func (c Config) Validate() error {
	if len(c.UnitDirs) == 0 {
		return fmt.Errorf("config: unitDirs must not be empty")
	}
	for _, d := range c.UnitDirs {
		if !filepath.IsAbs(d) {
			return fmt.Errorf("config: unit directory %q is not absolute", d)
		}
	}
	if c.StateDir == "" || !filepath.IsAbs(c.StateDir) {
		return fmt.Errorf("config: stateDir %q is not an absolute path", c.StateDir)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unrecognized logLevel %q", c.LogLevel)
	}
	return nil
}

// ParsedLogLevel maps LogLevel onto the logging package's levels.
func (c Config) ParsedLogLevel() logging.LogLevel {
	switch c.LogLevel {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
