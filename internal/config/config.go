package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Lock backends
const (
	BackendFcntl = "fcntl"
	BackendFlock = "flock"
)

const (
	maxLockTimeoutSec   = 24 * 60 * 60
	maxPollIntervalMs   = 60 * 1000
	defaultPollInterval = 10
)

// Config holds all configurable values.
type Config struct {
	// Prefix is the managed installation prefix.
	Prefix  string        `mapstructure:"prefix" yaml:"prefix"`
	Locking LockingConfig `mapstructure:"locking" yaml:"locking"`
	Cleanup CleanupConfig `mapstructure:"cleanup" yaml:"cleanup"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// LockingConfig controls lock acquisition.
type LockingConfig struct {
	// Enabled turns locking on. When false every lock request is a no-op.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// TimeoutSec bounds blocking acquisition. 0 waits forever.
	TimeoutSec int `mapstructure:"timeout" yaml:"timeout"`
	// Backend selects the OS lock primitive: "fcntl" or "flock".
	Backend string `mapstructure:"backend" yaml:"backend"`
	// PollIntervalMs is the retry interval of polling backends.
	PollIntervalMs int `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// CleanupConfig controls whether temporary resources survive cleanup.
type CleanupConfig struct {
	KeepTempFiles       bool `mapstructure:"keep_temp_files" yaml:"keep_temp_files"`
	KeepTempDirectories bool `mapstructure:"keep_temp_directories" yaml:"keep_temp_directories"`
}

// LoggingConfig controls the logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// Timeout returns the lock timeout as a time.Duration (0 means wait forever).
func (c *LockingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// PollInterval returns the polling interval as a time.Duration.
func (c *LockingConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// DefaultBackend returns the lock backend used when none is configured.
func DefaultBackend() string {
	if runtime.GOOS == "windows" {
		return BackendFlock
	}
	return BackendFcntl
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Locking: LockingConfig{
			Enabled:        true,
			TimeoutSec:     0,
			Backend:        DefaultBackend(),
			PollIntervalMs: defaultPollInterval,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

// SetDefaults registers default values with v.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("prefix", defaults.Prefix)

	v.SetDefault("locking.enabled", defaults.Locking.Enabled)
	v.SetDefault("locking.timeout", defaults.Locking.TimeoutSec)
	v.SetDefault("locking.backend", defaults.Locking.Backend)
	v.SetDefault("locking.poll_interval_ms", defaults.Locking.PollIntervalMs)

	v.SetDefault("cleanup.keep_temp_files", defaults.Cleanup.KeepTempFiles)
	v.SetDefault("cleanup.keep_temp_directories", defaults.Cleanup.KeepTempDirectories)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.file", defaults.Logging.File)
}

// NewViper returns a viper instance with defaults registered and environment
// variables (PREFIXLOCK_LOCKING_TIMEOUT for locking.timeout, and so on) bound.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("PREFIXLOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadConfigFile points v at cfgFile, or at the default search path when
// cfgFile is empty, and reads it. A missing default config file is not an
// error.
func ReadConfigFile(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
		return nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(ConfigDir())
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks if the configuration values are valid.
func (c *Config) Validate() error {
	if c.Prefix != "" {
		info, err := os.Stat(c.Prefix)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("prefix does not exist: %s", c.Prefix)
			}
			return fmt.Errorf("error accessing prefix: %v", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("prefix is not a directory: %s", c.Prefix)
		}
	}

	if c.Locking.TimeoutSec < 0 || c.Locking.TimeoutSec > maxLockTimeoutSec {
		return fmt.Errorf("lock timeout must be between 0 and %d seconds", maxLockTimeoutSec)
	}

	switch c.Locking.Backend {
	case BackendFcntl:
		if runtime.GOOS == "windows" {
			return fmt.Errorf("lock backend %q is not available on windows", BackendFcntl)
		}
	case BackendFlock:
	default:
		return fmt.Errorf("lock backend must be '%s' or '%s'", BackendFcntl, BackendFlock)
	}

	if c.Locking.PollIntervalMs < 1 || c.Locking.PollIntervalMs > maxPollIntervalMs {
		return fmt.Errorf("poll interval must be between 1 and %d milliseconds", maxPollIntervalMs)
	}

	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		return fmt.Errorf("log level must be one of DEBUG, INFO, WARN, ERROR")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be 'text' or 'json'")
	}

	return nil
}

// ConfigDir returns the path to the user's config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "prefixlock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".prefixlock"
	}
	return filepath.Join(home, ".config", "prefixlock")
}

// ConfigFile returns the path to the default config file.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
