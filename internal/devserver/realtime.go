package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/SiamRahamanDhrubo/connectlink"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var realtimeTables = map[string]bool{
	"messages":                  true,
	"conversation_participants": true,
	"conversations":             true,
	"profiles":                  true,
}

// topicError is a rejected subscribe.
type topicError struct {
	code    string
	message string
}

func (e *topicError) Error() string { return e.message }

// hub fans committed changes out to the subscriptions of connected sockets.
type hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
	logger  zerolog.Logger
	server  *Server
}

func newHub(s *Server) *hub {
	return &hub{
		clients: make(map[*wsClient]bool),
		logger:  s.logger.With().Str("component", "realtime").Logger(),
		server:  s,
	}
}

func (h *hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.server.metrics.sockets.Inc()
	h.logger.Debug().Str("user", c.userID).Int("clients", n).Msg("client connected")
}

func (h *hub) unregister(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.server.metrics.sockets.Dec()
		h.logger.Debug().Str("user", c.userID).Int("clients", n).Msg("client disconnected")
	}
}

// dispatch sends ev to every matching subscription whose user may see the
// row.
func (h *hub) dispatch(ctx context.Context, ev connectlink.ChangeEvent) {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	if len(clients) == 0 {
		return
	}

	visible, err := h.server.audience(ctx, ev)
	if err != nil {
		h.logger.Error().Err(err).Str("table", ev.Table).Msg("failed to resolve audience")
		return
	}
	for _, c := range clients {
		if !visible(c.userID) {
			continue
		}
		for _, id := range c.matching(ev) {
			c.queue("change", connectlink.ChangePayload{SubscriptionID: id, ChangeEvent: ev})
			h.server.metrics.deliveries.Inc()
		}
	}
}

func (h *hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.kick()
	}
}

// ============================================================================
// Socket client
// ============================================================================

type wsClient struct {
	hub    *hub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	userID string

	mu   sync.Mutex
	subs map[string]connectlink.Topic
}

func (c *wsClient) matching(ev connectlink.ChangeEvent) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, topic := range c.subs {
		if topic.Matches(ev.Table, ev.Record) {
			ids = append(ids, id)
		}
	}
	return ids
}

// queue encodes a frame for the write pump. A client that cannot keep up is
// disconnected; it resyncs when it redials.
func (c *wsClient) queue(typ string, payload any) {
	data, err := json.Marshal(struct {
		Type    string `json:"type"`
		Payload any    `json:"payload"`
	}{typ, payload})
	if err != nil {
		c.hub.logger.Error().Err(err).Msg("failed to encode frame")
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.hub.logger.Warn().Str("user", c.userID).Msg("send buffer full, dropping client")
		c.kick()
	}
}

func (c *wsClient) kick() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.kick()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Str("user", c.userID).Msg("read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var cmd struct {
			Type      string          `json:"type"`
			Payload   json.RawMessage `json:"payload"`
			RequestID string          `json:"requestId"`
		}
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.queue("error", connectlink.RealtimeErrorPayload{Code: "bad_request", Message: "malformed frame"})
			continue
		}
		c.handle(cmd.Type, cmd.Payload, cmd.RequestID)
	}
}

func (c *wsClient) handle(typ string, payload json.RawMessage, requestID string) {
	switch typ {
	case "subscribe":
		var p connectlink.SubscribePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			c.queue("error", connectlink.RealtimeErrorPayload{RequestID: requestID, Code: "invalid_topic", Message: "malformed subscribe"})
			return
		}
		topic := connectlink.Topic{Table: p.Table, Filter: p.Filter}
		if err := c.hub.server.authorizeTopic(context.Background(), c.userID, topic); err != nil {
			code, msg := "internal", err.Error()
			var te *topicError
			if errors.As(err, &te) {
				code = te.code
			}
			c.queue("error", connectlink.RealtimeErrorPayload{RequestID: requestID, Code: code, Message: msg})
			return
		}
		id := uuid.NewString()
		c.mu.Lock()
		c.subs[id] = topic
		c.mu.Unlock()
		c.queue("subscribed", connectlink.SubscribedPayload{RequestID: requestID, SubscriptionID: id})

	case "unsubscribe":
		var p connectlink.UnsubscribePayload
		if json.Unmarshal(payload, &p) == nil {
			c.mu.Lock()
			delete(c.subs, p.SubscriptionID)
			c.mu.Unlock()
		}

	case "ping":
		var p connectlink.PongPayload
		_ = json.Unmarshal(payload, &p)
		if p.RequestID == "" {
			p.RequestID = requestID
		}
		c.queue("pong", p)

	default:
		c.queue("error", connectlink.RealtimeErrorPayload{RequestID: requestID, Code: "bad_request", Message: "unknown command " + typ})
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.kick()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.kick()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
			return
		}
	}
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p, err := s.authenticate(r, q.Get("apikey"), q.Get("access_token"))
	if err != nil || p.UserID == "" {
		msg := "access token required"
		if err != nil {
			msg = err.Error()
		}
		writeError(w, &connectlink.APIError{Status: http.StatusUnauthorized, Code: "PGRST301", Message: msg})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &wsClient{
		hub:    s.hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		userID: p.UserID,
		subs:   make(map[string]connectlink.Topic),
	}
	s.hub.register(c)
	c.queue("connected", connectlink.ConnectedPayload{UserID: p.UserID})

	go c.writePump()
	go c.readPump()
}

// authorizeTopic validates a subscription request for userID.
func (s *Server) authorizeTopic(ctx context.Context, userID string, topic connectlink.Topic) error {
	if !realtimeTables[topic.Table] {
		return &topicError{code: "invalid_topic", message: "unknown table " + topic.Table}
	}
	if topic.Filter == "" {
		return nil
	}
	col, rest, ok := strings.Cut(topic.Filter, "=")
	val, isEq := strings.CutPrefix(rest, "eq.")
	if !ok || !isEq || !tables[topic.Table].has(col) {
		return &topicError{code: "invalid_topic", message: "unsupported filter " + topic.Filter}
	}

	switch {
	case topic.Table == "messages" && col == "conversation_id",
		topic.Table == "conversation_participants" && col == "conversation_id":
		member, err := s.db.isParticipant(ctx, val, userID)
		if err != nil {
			return err
		}
		if !member {
			return &topicError{code: "forbidden", message: "not a participant of conversation " + val}
		}
	case topic.Table == "conversation_participants" && col == "user_id" && val != userID:
		return &topicError{code: "forbidden", message: "cannot watch another user's memberships"}
	}
	return nil
}

// audience returns who may see the row of ev.
func (s *Server) audience(ctx context.Context, ev connectlink.ChangeEvent) (func(string) bool, error) {
	var row map[string]any
	if err := json.Unmarshal(ev.Record, &row); err != nil {
		return nil, err
	}
	str := func(k string) string { v, _ := row[k].(string); return v }

	switch ev.Table {
	case "messages", "conversation_participants":
		members, err := s.db.members(ctx, str("conversation_id"))
		if err != nil {
			return nil, err
		}
		return func(u string) bool { return members[u] }, nil
	case "conversations":
		members, err := s.db.members(ctx, str("id"))
		if err != nil {
			return nil, err
		}
		creator := str("created_by")
		return func(u string) bool { return members[u] || u == creator }, nil
	}
	return func(string) bool { return true }, nil
}
