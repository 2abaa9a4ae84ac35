package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.connectlink/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Log     ConfigLog     `toml:"log"`
}

// ConfigDefault holds backend settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	AnonKey string `toml:"anon_key"`
	// Realtime names the push transport: websocket, redis, postgres or
	// webhook.
	Realtime string `toml:"realtime"`
}

// ConfigAuth holds the signed-in session.
type ConfigAuth struct {
	AccessToken string `toml:"access_token"`
	UserID      string `toml:"user_id"`
	Email       string `toml:"email"`
}

type ConfigLog struct {
	Level string `toml:"level"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.connectlink, creating it if needed.
// CONNECTLINK_HOME overrides the location.
func configDir() (string, error) {
	dir := os.Getenv("CONNECTLINK_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".connectlink")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

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

// applyEnv overlays CONNECTLINK_* environment variables on cfg. They are not
// written back by saveConfig.
func applyEnv(cfg *Config) {
	overrides := []struct {
		env    string
		target *string
	}{
		{"CONNECTLINK_BASE_URL", &cfg.Default.BaseURL},
		{"CONNECTLINK_ANON_KEY", &cfg.Default.AnonKey},
		{"CONNECTLINK_REALTIME", &cfg.Default.Realtime},
		{"CONNECTLINK_ACCESS_TOKEN", &cfg.Auth.AccessToken},
		{"CONNECTLINK_USER_ID", &cfg.Auth.UserID},
		{"CONNECTLINK_LOG_LEVEL", &cfg.Log.Level},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.target = v
		}
	}
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
			cfg.Default.BaseURL = strings.TrimRight(value, "/")
		case "anon_key":
			cfg.Default.AnonKey = value
		case "realtime":
			switch value {
			case "websocket", "redis", "postgres", "webhook":
			default:
				return fmt.Errorf("unknown realtime transport %q (valid: websocket, redis, postgres, webhook)", value)
			}
			cfg.Default.Realtime = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "access_token":
			cfg.Auth.AccessToken = value
		case "user_id":
			cfg.Auth.UserID = value
		case "email":
			cfg.Auth.Email = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, log)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var logLevelFlag string

var rootCmd = &cobra.Command{
	Use:   "connectlink",
	Short: "ConnectLink messaging CLI",
	Long: "Command-line client for ConnectLink conversations.\n" +
		"Manage configuration, list and watch conversations, send messages, and run a local dev backend.",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env is fine.
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
