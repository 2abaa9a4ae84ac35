package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/SiamRahamanDhrubo/connectlink"
)

// loadSettings reads the config file and applies environment and flag
// overrides.
func loadSettings() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyEnv(cfg)
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	return cfg
}

// newLogger builds a console logger on stderr. Unknown levels fall back to
// warn.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// getClient creates a client for the signed-in user.
func getClient() (*connectlink.Client, *Config, zerolog.Logger) {
	cfg := loadSettings()
	if cfg.Default.BaseURL == "" || cfg.Default.AnonKey == "" {
		fmt.Fprintln(os.Stderr, "No backend configured. Run 'connectlink init <base-url> <anon-key>' first.")
		os.Exit(1)
	}
	if cfg.Auth.AccessToken == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "Not signed in. Run 'connectlink init <base-url> <anon-key> --token <access-token>' first.")
		os.Exit(1)
	}
	logger := newLogger(cfg.Log.Level)
	client := connectlink.NewClient(cfg.Default.BaseURL, cfg.Default.AnonKey,
		connectlink.WithAccessToken(cfg.Auth.AccessToken),
		connectlink.WithLogger(logger),
	)
	return client, cfg, logger
}

// commandContext bounds a one-shot command.
func commandContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// describe turns an SDK error into a message for the terminal.
func describe(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, connectlink.ErrAuth):
		return fmt.Errorf("not authorized (%v); your session may have expired", err)
	case errors.Is(err, connectlink.ErrValidation):
		return fmt.Errorf("invalid request: %w", err)
	case connectlink.IsRetryable(err):
		return fmt.Errorf("backend unavailable, try again: %w", err)
	}
	return fmt.Errorf("request failed: %w", err)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// maskKey shows the first 8 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
