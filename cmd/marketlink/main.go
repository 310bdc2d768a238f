package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.marketlink/config.toml.
// MARKETLINK_* environment variables override file values.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Cache   ConfigCache   `toml:"cache"`
}

// ConfigDefault holds connection settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url" env:"MARKETLINK_BASE_URL"`
	RealtimeURL string `toml:"realtime_url" env:"MARKETLINK_REALTIME_URL"`
	Version     string `toml:"version" env:"MARKETLINK_VERSION"`
}

// ConfigCache holds durable cache settings.
type ConfigCache struct {
	Path         string `toml:"path" env:"MARKETLINK_CACHE_PATH"`
	QueueRetries int    `toml:"queue_retries" env:"MARKETLINK_QUEUE_RETRIES"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.marketlink, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".marketlink")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file, then applies environment
// overrides. A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	} else if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("cannot parse environment: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "realtime_url":
			cfg.Default.RealtimeURL = value
		case "version":
			cfg.Default.Version = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "cache":
		switch field {
		case "path":
			cfg.Cache.Path = value
		case "queue_retries":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("queue_retries must be a non-negative integer")
			}
			cfg.Cache.QueueRetries = n
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, cache)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "marketlink",
	Short: "MarketLink SDK CLI",
	Long:  "Command-line interface for the MarketLink resilience SDK.\nFetch data through the cache router, watch realtime prices, and inspect the sync queue.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
