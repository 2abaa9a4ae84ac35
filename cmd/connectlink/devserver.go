package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/SiamRahamanDhrubo/connectlink/internal/devserver"
	"github.com/SiamRahamanDhrubo/connectlink/redisfeed"
)

var (
	serveAddr          string
	serveDB            string
	serveAnonKey       string
	serveJWTSecret     string
	serveWebhookURL    string
	serveWebhookSecret string
	serveRedisURL      string

	tokenEmail     string
	tokenName      string
	tokenTTL       time.Duration
	tokenJWTSecret string
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run a local backend for development and tests",
}

var devserverServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve REST, realtime, storage and auth endpoints backed by SQLite",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadSettings()
		logger := newLogger(valueOrDefault(cfg.Log.Level, "info"))

		secret := valueOrDefault(serveJWTSecret, os.Getenv("CONNECTLINK_JWT_SECRET"))
		if secret == "" {
			return errors.New("a signing secret is required: pass --jwt-secret or set CONNECTLINK_JWT_SECRET")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var feed *redisfeed.Feed
		if url := valueOrDefault(serveRedisURL, os.Getenv("REDIS_URL")); url != "" {
			f, err := redisfeed.Dial(ctx, url, redisfeed.WithLogger(logger))
			if err != nil {
				return err
			}
			defer f.Close()
			feed = f
		}

		srv, err := devserver.New(devserver.Config{
			Addr:          serveAddr,
			DBPath:        serveDB,
			AnonKey:       serveAnonKey,
			JWTSecret:     secret,
			WebhookURL:    serveWebhookURL,
			WebhookSecret: serveWebhookSecret,
			Feed:          feed,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		defer srv.Close()

		if serveAnonKey != "" {
			fmt.Printf("Anon key: %s\n", maskKey(serveAnonKey))
		}
		fmt.Printf("Listening on http://%s (Ctrl+C to stop)\n", serveAddr)
		return srv.ListenAndServe(ctx)
	},
}

var devserverTokenCmd = &cobra.Command{
	Use:   "token [user-id]",
	Short: "Mint an access token accepted by the dev server",
	Long:  "Sign an access token for user-id (a random id when omitted) with the dev server's secret.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := valueOrDefault(tokenJWTSecret, os.Getenv("CONNECTLINK_JWT_SECRET"))
		if secret == "" {
			return errors.New("a signing secret is required: pass --jwt-secret or set CONNECTLINK_JWT_SECRET")
		}
		userID := uuid.NewString()
		if len(args) == 1 {
			userID = args[0]
		}
		token, err := devserver.SignToken(secret, userID, tokenEmail, tokenName, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	f := devserverServeCmd.Flags()
	f.StringVar(&serveAddr, "addr", devserver.DefaultAddr, "Listen address")
	f.StringVar(&serveDB, "db", "", "SQLite database file (default in-memory)")
	f.StringVar(&serveAnonKey, "anon-key", "", "Required apikey header value (default accept any)")
	f.StringVar(&serveJWTSecret, "jwt-secret", "", "HMAC secret for access tokens (default $CONNECTLINK_JWT_SECRET)")
	f.StringVar(&serveWebhookURL, "webhook-url", "", "POST a signed payload here for every insert")
	f.StringVar(&serveWebhookSecret, "webhook-secret", "", "Secret used to sign webhook payloads")
	f.StringVar(&serveRedisURL, "redis-url", "", "Fan changes out through Redis (default $REDIS_URL)")

	t := devserverTokenCmd.Flags()
	t.StringVar(&tokenEmail, "email", "", "Email claim")
	t.StringVar(&tokenName, "name", "", "Display name claim")
	t.DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	t.StringVar(&tokenJWTSecret, "jwt-secret", "", "HMAC secret (default $CONNECTLINK_JWT_SECRET)")

	devserverCmd.AddCommand(devserverServeCmd)
	devserverCmd.AddCommand(devserverTokenCmd)
	rootCmd.AddCommand(devserverCmd)
}
