package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang-jwt/jwt"
	"github.com/spf13/cobra"

	"github.com/SiamRahamanDhrubo/connectlink"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check whether the access token has expired, and fetch live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadSettings()

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.AnonKey != "" {
			fmt.Printf("  Anon Key:  %s\n", maskKey(cfg.Default.AnonKey))
		} else {
			fmt.Println("  Anon Key:  (not set)")
		}
		fmt.Printf("  Realtime:  %s\n", valueOrDefault(cfg.Default.Realtime, "websocket"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.UserID != "" {
			fmt.Printf("  User ID:   %s\n", cfg.Auth.UserID)
			fmt.Printf("  Email:     %s\n", valueOrDefault(cfg.Auth.Email, "(unknown)"))
		} else {
			fmt.Println("  User ID:   (not signed in)")
		}
		fmt.Printf("  Token:     %s\n", tokenStatus(cfg.Auth.AccessToken, time.Now()))

		if cfg.Default.BaseURL == "" || cfg.Auth.AccessToken == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client := connectlink.NewClient(cfg.Default.BaseURL, cfg.Default.AnonKey,
			connectlink.WithAccessToken(cfg.Auth.AccessToken),
			connectlink.WithLogger(newLogger(cfg.Log.Level)),
		)
		ctx, cancel := commandContext(10 * time.Second)
		defer cancel()

		user, err := client.Auth().CurrentUser(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", describe(err))
			return nil
		}
		stats, err := client.Store().UserStats(ctx, user.ID)
		if err != nil {
			fmt.Printf("  Error fetching stats: %v\n", describe(err))
			return nil
		}
		fmt.Printf("  User:          %s\n", valueOrDefault(user.Email, user.ID))
		fmt.Printf("  Conversations: %s\n", humanize.Comma(int64(stats.TotalConversations)))
		fmt.Printf("  Messages Sent: %s\n", humanize.Comma(int64(stats.TotalMessages)))
		return nil
	},
}

// tokenStatus describes the expiry of a JWT without verifying its signature.
func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	claims := &jwt.StandardClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return "present (not a JWT)"
	}
	if claims.ExpiresAt == 0 {
		return "present (no expiry set)"
	}
	expires := time.Unix(claims.ExpiresAt, 0)
	if now.Before(expires) {
		return fmt.Sprintf("valid (expires %s)", humanize.RelTime(expires, now, "ago", "from now"))
	}
	return fmt.Sprintf("EXPIRED (%s)", humanize.RelTime(expires, now, "ago", "from now"))
}
