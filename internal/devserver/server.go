// Package devserver is a local stand-in for the managed backend that
// connectlink talks to. It serves the REST subset, auth, object storage and
// realtime WebSocket endpoints the SDK uses, stores everything in SQLite and
// emulates row-level security so that only participants see a conversation.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/SiamRahamanDhrubo/connectlink"
	"github.com/SiamRahamanDhrubo/connectlink/redisfeed"
)

const (
	DefaultAddr  = "127.0.0.1:54321"
	realtimePath = "/realtime/v1/websocket"
)

// Config configures a Server.
type Config struct {
	Addr string
	// DBPath is the SQLite file. Empty keeps everything in memory.
	DBPath    string
	AnonKey   string
	JWTSecret string

	// WebhookURL receives a signed POST for every committed insert.
	WebhookURL    string
	WebhookSecret string

	// Feed fans changes out through Redis, so several dev servers sharing
	// the feed deliver each other's changes.
	Feed *redisfeed.Feed

	Logger zerolog.Logger
}

// Server is the development backend.
type Server struct {
	cfg     Config
	db      *db
	hub     *hub
	hooks   *webhookSender
	metrics *serverMetrics
	logger  zerolog.Logger
	router  *mux.Router

	// writeMu serializes check-then-write sequences.
	writeMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New opens the database and prepares the routes.
func New(cfg Config) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("devserver: jwt secret is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	d, err := openDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		db:      d,
		metrics: newServerMetrics(),
		logger:  cfg.Logger.With().Str("component", "devserver").Logger(),
	}
	s.hub = newHub(s)
	if cfg.WebhookURL != "" {
		s.hooks = newWebhookSender(cfg.WebhookURL, cfg.WebhookSecret, s.logger, s.metrics)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if cfg.Feed != nil {
		if err := s.startRelays(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.middleware)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)
	r.HandleFunc(realtimePath, s.handleRealtime).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/auth/v1/user", s.handleUser).Methods(http.MethodGet)
	api.HandleFunc("/rest/v1/rpc/{fn}", s.handleRPC).Methods(http.MethodPost)
	api.HandleFunc("/rest/v1/{table}", s.handleSelect).Methods(http.MethodGet)
	api.HandleFunc("/rest/v1/{table}", s.handleInsert).Methods(http.MethodPost)
	api.HandleFunc("/storage/v1/object/{bucket}/{name}", s.handlePutObject).Methods(http.MethodPut, http.MethodPost)
	api.HandleFunc("/storage/v1/object/{bucket}/{name}", s.handleGetObject).Methods(http.MethodGet)
	return r
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on cfg.Addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("dev server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down dev server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.closeAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close disconnects sockets, flushes webhooks and closes the database.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.hub.closeAll()
		s.hooks.close()
		err = s.db.Close()
	})
	return err
}

// UpsertProfile creates or replaces a profile row, e.g. to seed users.
func (s *Server) UpsertProfile(ctx context.Context, p connectlink.Profile) error {
	if p.ID == "" {
		return errors.New("profile id is required")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.upsertProfile(ctx, p)
}

// ============================================================================
// Change fan-out
// ============================================================================

// emitChange announces a committed insert to webhooks and realtime
// subscribers.
func (s *Server) emitChange(ctx context.Context, table string, row map[string]any) {
	record, err := json.Marshal(row)
	if err != nil {
		s.logger.Error().Err(err).Str("table", table).Msg("failed to encode change")
		return
	}
	ev := connectlink.ChangeEvent{
		Type:            "INSERT",
		Table:           table,
		Record:          record,
		CommitTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	s.metrics.changes.WithLabelValues(table).Inc()
	s.hooks.enqueue(connectlink.WebhookPayload{Type: ev.Type, Table: table, Schema: "public", Record: record})

	if s.cfg.Feed != nil {
		err := s.cfg.Feed.Publish(ctx, ev)
		if err == nil {
			return
		}
		s.logger.Warn().Err(err).Str("table", table).Msg("redis publish failed, delivering locally")
	}
	s.hub.dispatch(ctx, ev)
}

// startRelays subscribes to every realtime table on the feed before the
// server accepts writes.
func (s *Server) startRelays(ctx context.Context) error {
	for table := range realtimeTables {
		stream, err := s.cfg.Feed.Stream(ctx, connectlink.Topic{Table: table})
		if err != nil {
			return err
		}
		s.wg.Add(1)
		go s.relay(ctx, table, stream)
	}
	return nil
}

func (s *Server) relay(ctx context.Context, table string, stream connectlink.EventStream) {
	defer s.wg.Done()
	for {
		for {
			ev, err := stream.Next(ctx)
			if err != nil {
				_ = stream.Close()
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn().Err(err).Str("table", table).Msg("redis relay dropped, resubscribing")
				break
			}
			s.hub.dispatch(ctx, ev)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			var err error
			stream, err = s.cfg.Feed.Stream(ctx, connectlink.Topic{Table: table})
			if err == nil {
				break
			}
			s.logger.Warn().Err(err).Str("table", table).Msg("redis resubscribe failed")
		}
	}
}
