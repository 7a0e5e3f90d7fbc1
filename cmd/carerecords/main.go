package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	carerecords "github.com/care-records-pro/sdk/golang"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.carerecords/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Sync    ConfigSync    `toml:"sync"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	Environment string `toml:"environment"`
}

// ConfigSync holds offline queue and agent settings. Durations are Go
// duration strings ("30s", "2m").
type ConfigSync struct {
	DBPath              string `toml:"db_path,omitempty"`
	RetryCeiling        int    `toml:"retry_ceiling,omitempty"`
	AbandonClientErrors bool   `toml:"abandon_client_errors,omitempty"`
	PollInterval        string `toml:"poll_interval,omitempty"`
	RequestTimeout      string `toml:"request_timeout,omitempty"`
	SyncInterval        string `toml:"sync_interval,omitempty"`
	WebhookSecret       string `toml:"webhook_secret,omitempty"`
	ListenAddr          string `toml:"listen_addr,omitempty"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.carerecords, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".carerecords")
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

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
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
		case "environment":
			cfg.Default.Environment = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "sync":
		switch field {
		case "db_path":
			cfg.Sync.DBPath = value
		case "retry_ceiling":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return fmt.Errorf("retry_ceiling must be a positive integer, got %q", value)
			}
			cfg.Sync.RetryCeiling = n
		case "abandon_client_errors":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("abandon_client_errors must be true or false, got %q", value)
			}
			cfg.Sync.AbandonClientErrors = b
		case "poll_interval", "request_timeout", "sync_interval":
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return fmt.Errorf("%s must be a positive duration such as 30s, got %q", field, value)
			}
			switch field {
			case "poll_interval":
				cfg.Sync.PollInterval = value
			case "request_timeout":
				cfg.Sync.RequestTimeout = value
			default:
				cfg.Sync.SyncInterval = value
			}
		case "webhook_secret":
			cfg.Sync.WebhookSecret = value
		case "listen_addr":
			cfg.Sync.ListenAddr = value
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, sync)", section)
	}
	return nil
}

// fileValues flattens the non-empty file settings into viper keys.
func (c *Config) fileValues() map[string]any {
	values := map[string]any{}
	set := func(key, value string) {
		if value != "" {
			values[key] = value
		}
	}
	set("base_url", c.Default.BaseURL)
	set("environment", c.Default.Environment)
	set("db_path", c.Sync.DBPath)
	set("poll_interval", c.Sync.PollInterval)
	set("request_timeout", c.Sync.RequestTimeout)
	set("sync_interval", c.Sync.SyncInterval)
	set("webhook_secret", c.Sync.WebhookSecret)
	set("listen_addr", c.Sync.ListenAddr)
	if c.Sync.RetryCeiling > 0 {
		values["retry_ceiling"] = c.Sync.RetryCeiling
	}
	if c.Sync.AbandonClientErrors {
		values["abandon_client_errors"] = true
	}
	return values
}

// ============================================================================
// Resolved settings
// ============================================================================

const defaultListenAddr = "127.0.0.1:8085"

// settings is the effective configuration: flag > CARERECORDS_* env > config
// file > default.
type settings struct {
	BaseURL             string
	Environment         string
	DBPath              string
	LogFormat           string
	LogLevel            string
	RetryCeiling        int
	AbandonClientErrors bool
	PollInterval        time.Duration
	RequestTimeout      time.Duration
	SyncInterval        time.Duration
	WebhookSecret       string
	ListenAddr          string
}

func resolveSettings(cfg *Config) (*settings, error) {
	dir, err := configDir()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("CARERECORDS")
	v.AutomaticEnv()

	v.SetDefault("base_url", carerecords.DefaultBaseURL)
	v.SetDefault("db_path", filepath.Join(dir, "offline.db"))
	v.SetDefault("log_format", "console")
	v.SetDefault("log_level", "info")
	v.SetDefault("retry_ceiling", carerecords.DefaultRetryCeiling)
	v.SetDefault("abandon_client_errors", false)
	v.SetDefault("poll_interval", carerecords.DefaultPollInterval)
	v.SetDefault("request_timeout", carerecords.DefaultRequestTimeout)
	v.SetDefault("sync_interval", carerecords.DefaultSyncInterval)
	v.SetDefault("listen_addr", defaultListenAddr)

	if err := v.MergeConfigMap(cfg.fileValues()); err != nil {
		return nil, fmt.Errorf("cannot merge config: %w", err)
	}

	flags := rootCmd.PersistentFlags()
	for key, name := range map[string]string{
		"base_url":   "base-url",
		"db_path":    "db",
		"log_format": "log-format",
		"log_level":  "log-level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, fmt.Errorf("cannot bind flag --%s: %w", name, err)
		}
	}

	s := &settings{
		BaseURL:             v.GetString("base_url"),
		Environment:         v.GetString("environment"),
		DBPath:              expandHome(v.GetString("db_path")),
		LogFormat:           v.GetString("log_format"),
		LogLevel:            v.GetString("log_level"),
		RetryCeiling:        v.GetInt("retry_ceiling"),
		AbandonClientErrors: v.GetBool("abandon_client_errors"),
		PollInterval:        v.GetDuration("poll_interval"),
		RequestTimeout:      v.GetDuration("request_timeout"),
		SyncInterval:        v.GetDuration("sync_interval"),
		WebhookSecret:       v.GetString("webhook_secret"),
		ListenAddr:          v.GetString("listen_addr"),
	}
	if s.RetryCeiling < 1 {
		return nil, fmt.Errorf("retry_ceiling must be at least 1, got %d", s.RetryCeiling)
	}
	if s.PollInterval <= 0 || s.RequestTimeout <= 0 || s.SyncInterval <= 0 {
		return nil, fmt.Errorf("poll_interval, request_timeout and sync_interval must be positive durations")
	}
	return s, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "carerecords",
	Short:        "Care Records offline-first client",
	Long:         "Command-line interface for the Care Records API.\nManage patients, vitals and prescriptions, work offline, and replay queued changes.",
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("base-url", "", "Records API base URL (env CARERECORDS_BASE_URL)")
	flags.String("db", "", "Path to the offline store (env CARERECORDS_DB_PATH)")
	flags.String("log-format", "", "Log format: console or json (env CARERECORDS_LOG_FORMAT)")
	flags.String("log-level", "", "Log level: debug, info, warn, error (env CARERECORDS_LOG_LEVEL)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
