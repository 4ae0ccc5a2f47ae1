package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.tasksync/config.toml.
type Config struct {
	Server ConfigServer `toml:"server"`
	Auth   ConfigAuth   `toml:"auth"`
	Engine ConfigEngine `toml:"engine"`
}

// ConfigServer holds backend endpoints.
type ConfigServer struct {
	BaseURL     string `toml:"base_url"`
	RealtimeURL string `toml:"realtime_url"`
}

// ConfigAuth holds the session of the signed-in user.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
}

// ConfigEngine holds sync engine tuning.
type ConfigEngine struct {
	MaxActiveChats int    `toml:"max_active_chats"`
	RefetchTimeout string `toml:"refetch_timeout"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.tasksync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".tasksync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
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

// loadEffectiveConfig is loadConfig with .env and TASKSYNC_* overrides applied.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot load .env: %w", err)
	}
	if err := applyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
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

var envKeys = map[string]string{
	"TASKSYNC_BASE_URL":         "server.base_url",
	"TASKSYNC_REALTIME_URL":     "server.realtime_url",
	"TASKSYNC_TOKEN":            "auth.token",
	"TASKSYNC_USER_ID":          "auth.user_id",
	"TASKSYNC_MAX_ACTIVE_CHATS": "engine.max_active_chats",
	"TASKSYNC_REFETCH_TIMEOUT":  "engine.refetch_timeout",
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	for env, key := range envKeys {
		if v := getenv(env); v != "" {
			if err := setConfigValue(cfg, key, v); err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
		}
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "base_url":
			cfg.Server.BaseURL = value
		case "realtime_url":
			cfg.Server.RealtimeURL = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "engine":
		switch field {
		case "max_active_chats":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return fmt.Errorf("max_active_chats must be a positive integer")
			}
			cfg.Engine.MaxActiveChats = n
		case "refetch_timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("refetch_timeout: %w", err)
			}
			cfg.Engine.RefetchTimeout = value
		default:
			return fmt.Errorf("unknown field %q in section [engine]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, auth, engine)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	cfgFile string
	verbose bool
	log     zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tasksync",
	Short: "Realtime sync engine CLI",
	Long:  "Command-line interface for the tasksync engine.\nWatch live data, send messages, and run a local development backend.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := zerolog.InfoLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(level).With().Timestamp().Logger()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.tasksync/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
