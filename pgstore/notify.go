package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/SiamRahamanDhrubo/connectlink"
)

// Notifier is a connectlink.Transport fed by the notify triggers of Schema.
// Each stream holds one pooled connection while it is open.
type Notifier struct {
	pool    *pgxpool.Pool
	channel string
	logger  zerolog.Logger
}

var _ connectlink.Transport = (*Notifier)(nil)

// NewNotifier returns a Notifier listening on NotifyChannel through pool.
func NewNotifier(pool *pgxpool.Pool, logger zerolog.Logger) *Notifier {
	return &Notifier{
		pool:    pool,
		channel: NotifyChannel,
		logger:  logger.With().Str("component", "pgnotify").Logger(),
	}
}

func (n *Notifier) Stream(ctx context.Context, topic connectlink.Topic) (connectlink.EventStream, error) {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return nil, classify("listen", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{n.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, classify("listen", err)
	}
	sctx, cancel := context.WithCancel(context.Background())
	return &notifyStream{conn: conn, topic: topic, logger: n.logger, ctx: sctx, cancel: cancel}, nil
}

type notifyStream struct {
	topic  connectlink.Topic
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *pgxpool.Conn
}

// Next waits for the next notification inside the stream's topic.
func (s *notifyStream) Next(ctx context.Context) (connectlink.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return connectlink.ChangeEvent{}, connectlink.ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	for {
		n, err := s.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			switch {
			case s.ctx.Err() != nil:
				return connectlink.ChangeEvent{}, connectlink.ErrClosed
			case ctx.Err() != nil:
				return connectlink.ChangeEvent{}, ctx.Err()
			}
			return connectlink.ChangeEvent{}, classify("wait for notification", err)
		}
		var ev connectlink.ChangeEvent
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			s.logger.Warn().Err(err).Msg("ignoring malformed notification")
			continue
		}
		if s.topic.Matches(ev.Table, ev.Record) {
			return ev, nil
		}
	}
}

// Close stops listening and returns the connection to the pool. A cancelled
// wait leaves the connection closed, in which case the pool drops it.
func (s *notifyStream) Close() error {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	conn := s.conn
	s.conn = nil
	if !conn.Conn().IsClosed() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, "UNLISTEN *"); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			s.logger.Debug().Err(err).Msg("unlisten failed")
		}
	}
	conn.Release()
	return nil
}
