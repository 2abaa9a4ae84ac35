package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/SiamRahamanDhrubo/connectlink"
	"github.com/SiamRahamanDhrubo/connectlink/pgstore"
	"github.com/SiamRahamanDhrubo/connectlink/redisfeed"
)

// accountStore is what the commands need from a store. Both the REST store
// and the Postgres store satisfy it.
type accountStore interface {
	connectlink.MessageStore
	connectlink.Directory
	SearchProfiles(ctx context.Context, selfID, query string, limit int) ([]connectlink.Profile, error)
	UserStats(ctx context.Context, userID string) (*connectlink.UserStats, error)
	StartDirectConversation(ctx context.Context, selfID, otherID string) (*connectlink.Conversation, bool, error)
}

var (
	_ accountStore = (*connectlink.RESTStore)(nil)
	_ accountStore = (*pgstore.Store)(nil)
)

// backendFlags select and configure the push transport.
type backendFlags struct {
	realtime      string
	redisURL      string
	dbURL         string
	webhookAddr   string
	webhookSecret string
}

// backend bundles the collaborators of an Engine.
type backend struct {
	store     accountStore
	blobs     connectlink.BlobStore
	transport connectlink.Transport
	closers   []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openBackend wires the store and transport named by flags, falling back to
// the configured realtime transport.
func openBackend(ctx context.Context, client *connectlink.Client, cfg *Config, flags backendFlags, logger zerolog.Logger) (*backend, error) {
	kind := flags.realtime
	if kind == "" {
		kind = valueOrDefault(cfg.Default.Realtime, "websocket")
	}
	b := &backend{store: client.Store(), blobs: client.Blobs()}

	switch kind {
	case "websocket":
		rt := client.Realtime(nil)
		b.transport = rt
		b.closers = append(b.closers, func() { _ = rt.Close() })

	case "redis":
		url := valueOrDefault(flags.redisURL, os.Getenv("REDIS_URL"))
		feed, err := redisfeed.Dial(ctx, url, redisfeed.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		b.transport = feed
		b.closers = append(b.closers, func() { _ = feed.Close() })

	case "postgres":
		url := valueOrDefault(flags.dbURL, os.Getenv("DB_URL"))
		if url == "" {
			return nil, errors.New("postgres transport needs --db-url or DB_URL")
		}
		pool, err := pgstore.Connect(ctx, url)
		if err != nil {
			return nil, err
		}
		b.store = pgstore.New(pool, logger)
		b.transport = pgstore.NewNotifier(pool, logger)
		b.closers = append(b.closers, pool.Close)

	case "webhook":
		if flags.webhookSecret == "" {
			return nil, errors.New("webhook transport needs --webhook-secret")
		}
		receiver, err := connectlink.NewWebhookReceiver(flags.webhookSecret, logger)
		if err != nil {
			return nil, err
		}
		mux := http.NewServeMux()
		mux.Handle("/hooks/db", receiver.HTTPHandler())
		srv := &http.Server{Addr: flags.webhookAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", flags.webhookAddr).Msg("webhook listener failed")
			}
		}()
		logger.Info().Str("addr", flags.webhookAddr).Msg("receiving database webhooks on /hooks/db")
		b.transport = receiver
		b.closers = append(b.closers, func() {
			_ = receiver.Close()
			_ = srv.Close()
		})

	default:
		return nil, fmt.Errorf("unknown realtime transport %q", kind)
	}
	return b, nil
}

func (f *backendFlags) register(flags interface {
	StringVar(p *string, name, value, usage string)
}) {
	flags.StringVar(&f.realtime, "realtime", "", "Push transport: websocket, redis, postgres or webhook (default from config)")
	flags.StringVar(&f.redisURL, "redis-url", "", "Redis URL for the redis transport (default $REDIS_URL)")
	flags.StringVar(&f.dbURL, "db-url", "", "Postgres URL for the postgres transport (default $DB_URL)")
	flags.StringVar(&f.webhookAddr, "webhook-addr", ":8787", "Listen address for the webhook transport")
	flags.StringVar(&f.webhookSecret, "webhook-secret", "", "Shared secret for the webhook transport")
}

// newEngine builds an engine for the signed-in user on top of b.
func newEngine(b *backend, cfg *Config, logger zerolog.Logger, metrics *connectlink.Metrics) *connectlink.Engine {
	return connectlink.NewEngine(connectlink.EngineConfig{
		Store:     b.store,
		Directory: b.store,
		Blobs:     b.blobs,
		Transport: b.transport,
		SelfID:    cfg.Auth.UserID,
		Logger:    logger,
		Metrics:   metrics,
	})
}
