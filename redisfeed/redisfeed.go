// Package redisfeed carries connectlink change events over Redis pub/sub.
// Producers call Publish after a row is committed; consumers use Feed as the
// engine's Transport. One channel per table keeps subscribers from decoding
// changes of tables they never asked for.
package redisfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/SiamRahamanDhrubo/connectlink"
)

const (
	DefaultPrefix = "connectlink:changes:"
	// pollInterval bounds how long Next blocks before checking its context.
	pollInterval = 500 * time.Millisecond
)

// Feed publishes and streams change events.
type Feed struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
	owned  bool
}

var _ connectlink.Transport = (*Feed)(nil)

type Option func(*Feed)

// WithPrefix changes the channel name prefix.
func WithPrefix(prefix string) Option {
	return func(f *Feed) { f.prefix = prefix }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(f *Feed) { f.logger = logger }
}

// New wraps an existing client. Close does not close it.
func New(client *redis.Client, opts ...Option) *Feed {
	f := &Feed{client: client, prefix: DefaultPrefix, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With().Str("component", "redisfeed").Logger()
	return f
}

// Dial connects to the Redis server at url (redis://host:port/db) and pings
// it.
func Dial(ctx context.Context, url string, opts ...Option) (*Feed, error) {
	if url == "" {
		return nil, errors.New("redis: url is empty")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	f := New(c, opts...)
	f.owned = true
	return f, nil
}

// DialFromEnv connects to REDIS_URL.
func DialFromEnv(ctx context.Context, opts ...Option) (*Feed, error) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		return nil, errors.New("redis: REDIS_URL environment variable is not set")
	}
	return Dial(ctx, url, opts...)
}

// Close closes the client if Dial created it.
func (f *Feed) Close() error {
	if f.owned {
		return f.client.Close()
	}
	return nil
}

func (f *Feed) channel(table string) string {
	return f.prefix + table
}

// Publish sends ev to every stream subscribed to its table.
func (f *Feed) Publish(ctx context.Context, ev connectlink.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, f.channel(ev.Table), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w: %v", connectlink.ErrTransientIO, err)
	}
	return nil
}

// Stream subscribes to topic's table and filters events locally.
func (f *Feed) Stream(ctx context.Context, topic connectlink.Topic) (connectlink.EventStream, error) {
	ps := f.client.Subscribe(ctx, f.channel(topic.Table))
	// Wait for the subscription confirmation so no publish is missed after
	// Stream returns.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("redis subscribe: %w: %v", connectlink.ErrTransientIO, err)
	}
	return &stream{ps: ps, topic: topic, logger: f.logger, closed: make(chan struct{})}, nil
}

type stream struct {
	ps     *redis.PubSub
	topic  connectlink.Topic
	logger zerolog.Logger
	once   sync.Once
	closed chan struct{}
}

// Next reads until an event inside the topic arrives. A connection error is
// returned instead of reconnecting silently, so the subscriber resyncs.
func (s *stream) Next(ctx context.Context) (connectlink.ChangeEvent, error) {
	for {
		select {
		case <-s.closed:
			return connectlink.ChangeEvent{}, connectlink.ErrClosed
		default:
		}
		if err := ctx.Err(); err != nil {
			return connectlink.ChangeEvent{}, err
		}

		msg, err := s.ps.ReceiveTimeout(ctx, pollInterval)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-s.closed:
				return connectlink.ChangeEvent{}, connectlink.ErrClosed
			default:
			}
			if ctx.Err() != nil {
				return connectlink.ChangeEvent{}, ctx.Err()
			}
			return connectlink.ChangeEvent{}, fmt.Errorf("redis receive: %w: %v", connectlink.ErrTransientIO, err)
		}

		m, ok := msg.(*redis.Message)
		if !ok {
			continue
		}
		var ev connectlink.ChangeEvent
		if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
			s.logger.Warn().Err(err).Str("channel", m.Channel).Msg("ignoring malformed change")
			continue
		}
		if s.topic.Matches(ev.Table, ev.Record) {
			return ev, nil
		}
	}
}

func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.ps.Close()
	})
	return err
}
