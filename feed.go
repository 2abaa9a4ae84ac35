package connectlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Transport abstraction
// ============================================================================

// Topic selects the row changes a stream delivers.
type Topic struct {
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

func (t Topic) String() string {
	if t.Filter == "" {
		return t.Table
	}
	return t.Table + ":" + t.Filter
}

// MessagesTopic is the topic of one conversation's message inserts.
func MessagesTopic(conversationID string) Topic {
	return Topic{Table: "messages", Filter: "conversation_id=eq." + conversationID}
}

// MembershipTopic is the topic of conversations a user is added to.
func MembershipTopic(userID string) Topic {
	return Topic{Table: "conversation_participants", Filter: "user_id=eq." + userID}
}

// Transport opens push streams of row changes. Delivery is at least once.
type Transport interface {
	Stream(ctx context.Context, topic Topic) (EventStream, error)
}

// EventStream yields change events until it fails or is closed.
type EventStream interface {
	Next(ctx context.Context) (ChangeEvent, error)
	Close() error
}

// ============================================================================
// State machine
// ============================================================================

// FeedState is the lifecycle state of a Subscription.
type FeedState string

const (
	FeedIdle         FeedState = "idle"
	FeedSubscribing  FeedState = "subscribing"
	FeedActive       FeedState = "active"
	FeedError        FeedState = "error"
	FeedReconnecting FeedState = "reconnecting"
	FeedClosed       FeedState = "closed"
)

// ChangeReason tells onChange why a re-read is due.
type ChangeReason string

const (
	// ReasonSubscribed fires once the first stream becomes active.
	ReasonSubscribed ChangeReason = "subscribed"
	// ReasonInsert fires for every INSERT on the topic.
	ReasonInsert ChangeReason = "insert"
	// ReasonResubscribed fires when a stream becomes active again after a
	// failure; events may have been missed in between.
	ReasonResubscribed ChangeReason = "resubscribed"
)

// SubscriberConfig configures reconnect behaviour.
type SubscriberConfig struct {
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// MaxReconnectAttempts of zero retries forever.
	MaxReconnectAttempts int
	Logger               zerolog.Logger
	Metrics              *Metrics
	// OnStateChange, when set, observes every transition.
	OnStateChange func(topic Topic, state FeedState)
}

func (c *SubscriberConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
}

// Subscriber keeps push subscriptions alive over a Transport.
type Subscriber struct {
	transport Transport
	config    SubscriberConfig
}

// NewSubscriber returns a Subscriber over transport. A nil config takes the
// default reconnect delays and a no-op logger.
func NewSubscriber(transport Transport, config *SubscriberConfig) *Subscriber {
	cfg := SubscriberConfig{Logger: zerolog.Nop()}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Subscriber{transport: transport, config: cfg}
}

// Subscribe watches a conversation's message inserts. onChange runs on the
// subscription goroutine and must not block for long.
func (s *Subscriber) Subscribe(conversationID string, onChange func(ChangeReason)) *Subscription {
	return s.SubscribeTopic(MessagesTopic(conversationID), onChange)
}

// SubscribeTopic watches an arbitrary topic.
func (s *Subscriber) SubscribeTopic(topic Topic, onChange func(ChangeReason)) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		topic:  topic,
		state:  FeedIdle,
		cancel: cancel,
		done:   make(chan struct{}),
		notify: s.config.OnStateChange,
		logger: s.config.Logger.With().Str("topic", topic.String()).Logger(),
		mx:     s.config.Metrics,
	}
	go sub.run(ctx, s.transport, &s.config, onChange)
	return sub
}

// Unsubscribe releases sub. A nil or already released handle is a no-op.
func (s *Subscriber) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.Close()
}

// Subscription is a handle on one live push subscription.
type Subscription struct {
	topic  Topic
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	notify func(Topic, FeedState)
	logger zerolog.Logger
	mx     *Metrics

	mu    sync.Mutex
	state FeedState
	err   error
}

func (sub *Subscription) Topic() Topic { return sub.topic }

// State returns the current lifecycle state.
func (sub *Subscription) State() FeedState {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.state
}

// Done is closed once the subscription has reached FeedClosed.
func (sub *Subscription) Done() <-chan struct{} { return sub.done }

// Err returns the error that ended the subscription, if it ended on its own.
// It is nil after Close.
func (sub *Subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

// Close releases the subscription and waits for its goroutine to exit. Safe
// to call any number of times.
func (sub *Subscription) Close() {
	if sub == nil {
		return
	}
	sub.once.Do(sub.cancel)
	<-sub.done
}

func (sub *Subscription) setState(st FeedState) {
	sub.mu.Lock()
	if sub.state == st || sub.state == FeedClosed {
		sub.mu.Unlock()
		return
	}
	sub.state = st
	sub.mu.Unlock()

	sub.logger.Debug().Str("state", string(st)).Msg("feed state")
	sub.mx.feedState(st)
	if sub.notify != nil {
		sub.notify(sub.topic, st)
	}
}

func (sub *Subscription) run(ctx context.Context, transport Transport, cfg *SubscriberConfig, onChange func(ChangeReason)) {
	defer func() {
		sub.setState(FeedClosed)
		close(sub.done)
	}()

	recon := newReconnector(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay, cfg.MaxReconnectAttempts)
	dropped := false

	for {
		sub.setState(FeedSubscribing)
		stream, err := transport.Stream(ctx, sub.topic)
		if err == nil {
			sub.setState(FeedActive)
			recon.markConnected()
			if dropped {
				sub.mx.feedReconnect()
				safeNotify(sub.logger, onChange, ReasonResubscribed)
			} else {
				safeNotify(sub.logger, onChange, ReasonSubscribed)
			}
			err = sub.pump(ctx, stream, onChange)
			stream.Close()
		}
		if ctx.Err() != nil {
			return
		}

		dropped = true
		sub.setState(FeedError)
		if errors.Is(err, ErrAuth) || errors.Is(err, ErrValidation) || errors.Is(err, ErrClosed) {
			sub.logger.Error().Err(err).Msg("subscription ended")
			sub.fail(err)
			return
		}
		if !recon.shouldReconnect() {
			sub.logger.Error().Err(err).Int("attempts", recon.attempt).Msg("subscription gave up")
			sub.fail(err)
			return
		}

		delay := recon.nextDelay()
		sub.logger.Warn().Err(err).Dur("delay", delay).Int("attempt", recon.attempt).Msg("subscription dropped, reconnecting")
		sub.setState(FeedReconnecting)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (sub *Subscription) pump(ctx context.Context, stream EventStream, onChange func(ChangeReason)) error {
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if ev.Type != "INSERT" {
			continue
		}
		safeNotify(sub.logger, onChange, ReasonInsert)
	}
}

func (sub *Subscription) fail(err error) {
	sub.mu.Lock()
	sub.err = err
	sub.mu.Unlock()
}

func safeNotify(logger zerolog.Logger, onChange func(ChangeReason), reason ChangeReason) {
	if onChange == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("change handler panicked")
		}
	}()
	onChange(reason)
}

// Matches reports whether a change on table with the given row falls inside
// the topic. Only the eq operator is understood in filters.
func (t Topic) Matches(table string, record json.RawMessage) bool {
	if t.Table != table {
		return false
	}
	if t.Filter == "" {
		return true
	}
	col, rest, ok := strings.Cut(t.Filter, "=")
	if !ok {
		return false
	}
	want, ok := strings.CutPrefix(rest, "eq.")
	if !ok {
		return false
	}
	var row map[string]any
	if json.Unmarshal(record, &row) != nil {
		return false
	}
	v, ok := row[col]
	if !ok || v == nil {
		return false
	}
	return fmt.Sprint(v) == want
}
