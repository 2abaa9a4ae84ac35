package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/SiamRahamanDhrubo/connectlink"
)

var (
	usersLimit int
	usersJSON  bool
	statsJSON  bool
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Find other users",
}

var usersSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search profiles by display name, username or bio",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, _ := getClient()
		ctx, cancel := commandContext(15 * time.Second)
		defer cancel()

		profiles, err := client.Store().SearchProfiles(ctx, cfg.Auth.UserID, args[0], usersLimit)
		if err != nil {
			return describe(err)
		}
		if usersJSON {
			return printJSON(profiles)
		}
		if len(profiles) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, p := range profiles {
			fmt.Printf("%-36s  %-20s  %s\n", p.ID, valueOrDefault(p.DisplayName, "-"), valueOrDefault(p.Username, "-"))
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats [user-id]",
	Short: "Show conversation and message counters for a user",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, _ := getClient()
		userID := cfg.Auth.UserID
		if len(args) == 1 {
			userID = args[0]
		}
		ctx, cancel := commandContext(15 * time.Second)
		defer cancel()

		stats, err := client.Store().UserStats(ctx, userID)
		if err != nil {
			return describe(err)
		}
		if statsJSON {
			return printJSON(stats)
		}
		fmt.Printf("User:          %s\n", userID)
		fmt.Printf("Conversations: %s\n", humanize.Comma(int64(stats.TotalConversations)))
		fmt.Printf("Messages Sent: %s\n", humanize.Comma(int64(stats.TotalMessages)))
		return nil
	},
}

func init() {
	usersSearchCmd.Flags().IntVarP(&usersLimit, "limit", "n", connectlink.DefaultSearchLimit, "Maximum number of results")
	usersSearchCmd.Flags().BoolVar(&usersJSON, "json", false, "Output JSON")
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Output JSON")

	usersCmd.AddCommand(usersSearchCmd)
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(statsCmd)
}
