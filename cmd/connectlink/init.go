package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SiamRahamanDhrubo/connectlink"
)

var initToken string

func init() {
	initCmd.Flags().StringVar(&initToken, "token", "", "Access token of the signed-in user")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> <anon-key>",
	Short: "Store backend settings in ~/.connectlink/config.toml",
	Long: "Initialize the CLI by storing the backend URL and anon key in the local configuration file.\n" +
		"With --token the session is verified against the auth service and stored too.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, anonKey := strings.TrimRight(args[0], "/"), args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Default.BaseURL = baseURL
		cfg.Default.AnonKey = anonKey
		if cfg.Default.Realtime == "" {
			cfg.Default.Realtime = "websocket"
		}

		if initToken != "" {
			client := connectlink.NewClient(baseURL, anonKey, connectlink.WithAccessToken(initToken))
			ctx, cancel := commandContext(15 * time.Second)
			defer cancel()
			user, err := client.Auth().CurrentUser(ctx)
			if err != nil {
				return describe(err)
			}
			cfg.Auth.AccessToken = initToken
			cfg.Auth.UserID = user.ID
			cfg.Auth.Email = user.Email
			fmt.Printf("Signed in as %s (%s)\n", valueOrDefault(user.Email, "(no email)"), user.ID)
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
