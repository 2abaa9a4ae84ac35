package connectlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// ConnectedPayload is the first frame the server sends on a new socket.
type ConnectedPayload struct {
	UserID string `json:"userId"`
}

// SubscribePayload asks the server for change events of one table filter.
type SubscribePayload struct {
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// SubscribedPayload acknowledges a subscribe command.
type SubscribedPayload struct {
	RequestID      string `json:"requestId"`
	SubscriptionID string `json:"subscriptionId"`
}

// UnsubscribePayload releases a server-side subscription.
type UnsubscribePayload struct {
	SubscriptionID string `json:"subscriptionId"`
}

// ChangePayload carries one row change for a subscription.
type ChangePayload struct {
	SubscriptionID string `json:"subscriptionId"`
	ChangeEvent
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a command fails server side.
type RealtimeErrorPayload struct {
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
}

func (p RealtimeErrorPayload) err() error {
	e := fmt.Errorf("realtime: %s", p.Message)
	switch p.Code {
	case "unauthorized", "forbidden":
		return fmt.Errorf("%w: %v", ErrAuth, e)
	case "invalid_topic":
		return fmt.Errorf("%w: %v", ErrValidation, e)
	}
	return fmt.Errorf("%w: %v", ErrTransientIO, e)
}

// RealtimeEnvelope is the wire format for all real-time frames.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the WebSocket change-feed transport.
type RealtimeConfig struct {
	Token             string
	APIKey            string
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	SubscribeTimeout  time.Duration
	// Path is appended to the base URL. Defaults to /realtime/v1/websocket.
	Path string
}

func (c *RealtimeConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.SubscribeTimeout == 0 {
		c.SubscribeTimeout = 10 * time.Second
	}
	if c.Path == "" {
		c.Path = "/realtime/v1/websocket"
	}
}

// RealtimeState represents the socket state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(baseDelay, maxDelay time.Duration, maxAttempts int) *reconnector {
	return &reconnector{
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		maxAttempts: maxAttempts,
	}
}

// shouldReconnect reports whether another attempt is allowed. Zero
// maxAttempts means unlimited.
func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is a Transport over the backend's realtime WebSocket. All
// streams share one socket, which is dialed lazily and redialed by the next
// Stream call after it drops. Reconnect policy belongs to the Subscriber.
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig
	logger  zerolog.Logger

	mu     sync.Mutex
	conn   *realtimeConn
	state  RealtimeState
	closed bool
}

func newRealtimeClient(baseURL string, config *RealtimeConfig, logger zerolog.Logger) *RealtimeClient {
	return &RealtimeClient{
		baseURL: baseURL,
		config:  config,
		logger:  logger.With().Str("component", "realtime").Logger(),
		state:   StateDisconnected,
	}
}

// State returns the current socket state.
func (rc *RealtimeClient) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// UserID returns the user the server authenticated the socket as, or "" when
// not connected.
func (rc *RealtimeClient) UserID() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.conn == nil {
		return ""
	}
	return rc.conn.userID
}

// Stream subscribes to topic, dialing the socket if needed.
func (rc *RealtimeClient) Stream(ctx context.Context, topic Topic) (EventStream, error) {
	conn, err := rc.connect(ctx)
	if err != nil {
		return nil, err
	}
	return conn.subscribe(ctx, topic, rc.config.SubscribeTimeout)
}

// Close tears down the socket. Streams return ErrClosed afterwards.
func (rc *RealtimeClient) Close() error {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return nil
	}
	rc.closed = true
	conn := rc.conn
	rc.conn = nil
	rc.state = StateDisconnected
	rc.mu.Unlock()

	if conn != nil {
		conn.shutdown(ErrClosed)
		return conn.ws.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (rc *RealtimeClient) connect(ctx context.Context) (*realtimeConn, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return nil, ErrClosed
	}
	if rc.conn != nil {
		select {
		case <-rc.conn.done:
			rc.conn = nil
		default:
			return rc.conn, nil
		}
	}
	rc.state = StateConnecting

	conn, err := rc.dial(ctx)
	if err != nil {
		rc.state = StateDisconnected
		return nil, err
	}
	rc.conn = conn
	rc.state = StateConnected
	rc.logger.Debug().Str("user", conn.userID).Msg("realtime connected")

	go func() {
		<-conn.done
		rc.mu.Lock()
		if rc.conn == conn {
			rc.conn = nil
			rc.state = StateDisconnected
		}
		rc.mu.Unlock()
		rc.logger.Debug().Err(conn.err).Msg("realtime disconnected")
	}()
	return conn, nil
}

func (rc *RealtimeClient) socketURL() string {
	wsURL := strings.Replace(rc.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	q := url.Values{}
	if rc.config.APIKey != "" {
		q.Set("apikey", rc.config.APIKey)
	}
	if rc.config.Token != "" {
		q.Set("access_token", rc.config.Token)
	}
	u := wsURL + rc.config.Path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (rc *RealtimeClient) dial(ctx context.Context) (*realtimeConn, error) {
	ws, resp, err := websocket.Dial(ctx, rc.socketURL(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: websocket dial: %v", ErrAuth, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transientError("websocket dial", err)
	}
	ws.SetReadLimit(1 << 20)

	// First frame should be "connected"
	_, data, err := ws.Read(ctx)
	if err != nil {
		ws.Close(websocket.StatusNormalClosure, "")
		return nil, transientError("read connected frame", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		ws.Close(websocket.StatusNormalClosure, "")
		return nil, transientError("decode connected frame", err)
	}
	switch env.Type {
	case "connected":
	case "error":
		var p RealtimeErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		ws.Close(websocket.StatusNormalClosure, "")
		return nil, p.err()
	default:
		ws.Close(websocket.StatusNormalClosure, "")
		return nil, transientError("handshake", fmt.Errorf("expected 'connected', got '%s'", env.Type))
	}
	var hello ConnectedPayload
	_ = json.Unmarshal(env.Payload, &hello)

	connCtx, cancel := context.WithCancel(context.Background())
	conn := &realtimeConn{
		ws:           ws,
		userID:       hello.UserID,
		logger:       rc.logger,
		cancel:       cancel,
		done:         make(chan struct{}),
		streams:      make(map[string]*realtimeStream),
		pendingSubs:  make(map[string]*pendingSubscribe),
		pendingPings: make(map[string]chan PongPayload),
	}
	go conn.readLoop(connCtx)
	go conn.heartbeatLoop(connCtx, rc.config.HeartbeatInterval, rc.config.PongTimeout)
	return conn, nil
}

// ============================================================================
// Socket
// ============================================================================

type pendingSubscribe struct {
	stream *realtimeStream
	result chan error
}

type realtimeConn struct {
	ws      *websocket.Conn
	userID  string
	logger  zerolog.Logger
	cancel  context.CancelFunc
	counter atomic.Int64

	once sync.Once
	done chan struct{}
	err  error

	mu           sync.Mutex
	streams      map[string]*realtimeStream
	pendingSubs  map[string]*pendingSubscribe
	pendingPings map[string]chan PongPayload
}

func (c *realtimeConn) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, c.counter.Add(1))
}

func (c *realtimeConn) send(ctx context.Context, cmd *RealtimeCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return transientError("websocket write", err)
	}
	return nil
}

func (c *realtimeConn) subscribe(ctx context.Context, topic Topic, timeout time.Duration) (EventStream, error) {
	requestID := c.nextID("sub")
	stream := &realtimeStream{
		conn:   c,
		topic:  topic,
		events: make(chan ChangeEvent, 64),
		closed: make(chan struct{}),
	}
	pending := &pendingSubscribe{stream: stream, result: make(chan error, 1)}

	c.mu.Lock()
	c.pendingSubs[requestID] = pending
	c.mu.Unlock()
	forget := func() {
		c.mu.Lock()
		delete(c.pendingSubs, requestID)
		c.mu.Unlock()
	}

	err := c.send(ctx, &RealtimeCommand{
		Type:      "subscribe",
		Payload:   SubscribePayload{Table: topic.Table, Filter: topic.Filter},
		RequestID: requestID,
	})
	if err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-pending.result:
		if err != nil {
			return nil, err
		}
		return stream, nil
	case <-c.done:
		forget()
		return nil, c.err
	case <-timer.C:
		forget()
		return nil, transientError("subscribe "+topic.String(), errors.New("no acknowledgement"))
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (c *realtimeConn) ping(ctx context.Context, timeout time.Duration) error {
	requestID := c.nextID("ping")
	ch := make(chan PongPayload, 1)
	c.mu.Lock()
	c.pendingPings[requestID] = ch
	c.mu.Unlock()
	forget := func() {
		c.mu.Lock()
		delete(c.pendingPings, requestID)
		c.mu.Unlock()
	}

	err := c.send(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: PongPayload{RequestID: requestID},
	})
	if err != nil {
		forget()
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		forget()
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

func (c *realtimeConn) readLoop(ctx context.Context) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			c.shutdown(transientError("websocket read", err))
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		c.dispatch(env)
	}
}

func (c *realtimeConn) dispatch(env RealtimeEnvelope) {
	switch env.Type {
	case "subscribed":
		var p SubscribedPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		c.mu.Lock()
		pending, ok := c.pendingSubs[p.RequestID]
		if ok {
			delete(c.pendingSubs, p.RequestID)
			pending.stream.id = p.SubscriptionID
			c.streams[p.SubscriptionID] = pending.stream
		}
		c.mu.Unlock()
		if ok {
			pending.result <- nil
		}

	case "change":
		var p ChangePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		c.mu.Lock()
		stream := c.streams[p.SubscriptionID]
		c.mu.Unlock()
		if stream != nil {
			stream.deliver(p.ChangeEvent)
		}

	case "pong":
		var p PongPayload
		if json.Unmarshal(env.Payload, &p) != nil || p.RequestID == "" {
			return
		}
		c.mu.Lock()
		ch, ok := c.pendingPings[p.RequestID]
		if ok {
			delete(c.pendingPings, p.RequestID)
		}
		c.mu.Unlock()
		if ok {
			ch <- p
		}

	case "error":
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		c.mu.Lock()
		pending, ok := c.pendingSubs[p.RequestID]
		if ok {
			delete(c.pendingSubs, p.RequestID)
		}
		c.mu.Unlock()
		if ok {
			pending.result <- p.err()
			return
		}
		c.logger.Warn().Str("code", p.Code).Msg(p.Message)
	}
}

func (c *realtimeConn) heartbeatLoop(ctx context.Context, interval, pongTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(ctx, pongTimeout); err != nil {
				if ctx.Err() != nil {
					return
				}
				// Heartbeat failed, force close so readers see the drop.
				c.logger.Warn().Err(err).Msg("realtime heartbeat failed")
				c.ws.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// shutdown records the terminal error and wakes every waiter. Only the first
// call has an effect.
func (c *realtimeConn) shutdown(err error) {
	c.once.Do(func() {
		c.err = err
		c.cancel()
		close(c.done)
		c.mu.Lock()
		c.pendingPings = make(map[string]chan PongPayload)
		c.mu.Unlock()
	})
}

func (c *realtimeConn) release(s *realtimeStream) {
	c.mu.Lock()
	_, live := c.streams[s.id]
	delete(c.streams, s.id)
	c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
	}
	if !live {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.send(ctx, &RealtimeCommand{
		Type:    "unsubscribe",
		Payload: UnsubscribePayload{SubscriptionID: s.id},
	}); err != nil {
		c.logger.Debug().Err(err).Str("subscription", s.id).Msg("unsubscribe failed")
	}
}

// ============================================================================
// Stream
// ============================================================================

type realtimeStream struct {
	conn   *realtimeConn
	topic  Topic
	id     string
	events chan ChangeEvent
	once   sync.Once
	closed chan struct{}
}

// deliver never blocks the read loop. A full buffer already holds an event
// that will trigger a re-read, so dropping is safe.
func (s *realtimeStream) deliver(ev ChangeEvent) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *realtimeStream) Next(ctx context.Context) (ChangeEvent, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.closed:
		return ChangeEvent{}, ErrClosed
	case <-s.conn.done:
		return ChangeEvent{}, s.conn.err
	case <-ctx.Done():
		return ChangeEvent{}, ctx.Err()
	}
}

func (s *realtimeStream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.conn.release(s)
	})
	return nil
}
