// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full application configuration: logging, the page layer's
// navigation/idle budgets, and the snapshot engine's retry ladder.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
}

// LoggerConfig controls the zap logger built by internal/observability.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "console" or "json"
	Color  bool   `mapstructure:"color"`

	// File enables an additional rotating file sink when non-empty.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// BrowserConfig carries the page layer's timing knobs.
type BrowserConfig struct {
	// NavigationTimeout bounds goto/reload/history navigation waits.
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	// DefaultWaitUntil is the milestone used when a caller does not pick
	// one: load, domcontentloaded or networkidle.
	DefaultWaitUntil string `mapstructure:"default_wait_until"`
	// IdleTime is the continuous quiet window that counts as network idle.
	IdleTime time.Duration `mapstructure:"idle_time"`
	// IdleBudget bounds a standalone network-idle wait.
	IdleBudget time.Duration `mapstructure:"idle_budget"`
}

// SnapshotConfig carries the snapshot engine's serialization-retry depths.
type SnapshotConfig struct {
	// FallbackDepth is the shallower DOM.getDocument depth retried after an
	// unbounded capture trips the renderer's serialization limit.
	FallbackDepth int64 `mapstructure:"fallback_depth"`
	// DescribeDepth is the retry depth for per-node DOM.describeNode
	// hydration of truncated subtrees.
	DescribeDepth int64 `mapstructure:"describe_depth"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.color", true)
	v.SetDefault("logger.max_size_mb", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age_days", 14)

	v.SetDefault("browser.navigation_timeout", 30*time.Second)
	v.SetDefault("browser.default_wait_until", "load")
	v.SetDefault("browser.idle_time", 500*time.Millisecond)
	v.SetDefault("browser.idle_budget", 30*time.Second)

	v.SetDefault("snapshot.fallback_depth", 256)
	v.SetDefault("snapshot.describe_depth", 64)
}

// Load builds the configuration from defaults, an optional YAML file and
// PAGEDRIVER_* environment variables, in ascending precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PAGEDRIVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(*os.PathError); !ok {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without touching disk or env.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always unmarshal cleanly.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func (c *Config) validate() error {
	switch c.Browser.DefaultWaitUntil {
	case "load", "domcontentloaded", "networkidle":
	default:
		return fmt.Errorf("config: browser.default_wait_until %q is not a load state", c.Browser.DefaultWaitUntil)
	}
	if c.Browser.NavigationTimeout <= 0 {
		return fmt.Errorf("config: browser.navigation_timeout must be positive")
	}
	if c.Snapshot.FallbackDepth <= 0 || c.Snapshot.DescribeDepth <= 0 {
		return fmt.Errorf("config: snapshot depths must be positive")
	}
	return nil
}
