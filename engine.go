package connectlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ============================================================================
// Events
// ============================================================================

// EventType names an engine event.
type EventType string

const (
	// EventViewUpdated fires when an open conversation's rows changed.
	EventViewUpdated EventType = "view.updated"
	// EventSendFailed fires when an append failed; the entry stays visible
	// as failed until Retry or Discard.
	EventSendFailed EventType = "send.failed"
	// EventConversationsUpdated carries a freshly computed conversation list.
	EventConversationsUpdated EventType = "conversations.updated"
	// EventAuthRequired fires when the backend rejected the session. Syncing
	// of the affected conversation stops.
	EventAuthRequired EventType = "auth.required"
	// EventSyncError reports a transient read failure that is being retried.
	EventSyncError EventType = "sync.error"

	// EventAll subscribes a handler to every event type.
	EventAll EventType = "*"
)

// Event is delivered to handlers registered with Engine.On.
type Event struct {
	Type           EventType
	ConversationID string
	// Token is the client token of the affected send, if any.
	Token   string
	Err     error
	Entries []ConversationEntry
}

// EventHandler handles engine events. Handlers run on engine goroutines and
// must not call Shutdown.
type EventHandler func(Event)

type eventEmitter struct {
	mu        sync.RWMutex
	listeners map[EventType][]EventHandler
}

func (e *eventEmitter) On(t EventType, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[EventType][]EventHandler)
	}
	e.listeners[t] = append(e.listeners[t], handler)
}

func (e *eventEmitter) emit(ev Event) {
	e.mu.RLock()
	handlers := append(append([]EventHandler{}, e.listeners[ev.Type]...), e.listeners[EventAll]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(ev)
		}()
	}
}

func (e *eventEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = nil
}

// ============================================================================
// Configuration
// ============================================================================

// EngineOptions tunes sync behaviour. Zero values take defaults.
type EngineOptions struct {
	// MinResyncInterval spaces re-reads of one conversation.
	MinResyncInterval time.Duration
	ResyncBurst       int
	// ResyncOverlap re-reads this far behind the cursor so rows committed
	// late with an earlier timestamp are still picked up.
	ResyncOverlap        time.Duration
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	MaxReconnectAttempts int
}

func (o *EngineOptions) defaults() {
	if o.MinResyncInterval == 0 {
		o.MinResyncInterval = 200 * time.Millisecond
	}
	if o.ResyncBurst == 0 {
		o.ResyncBurst = 2
	}
	if o.ResyncOverlap == 0 {
		o.ResyncOverlap = 5 * time.Second
	}
	if o.RetryBaseDelay == 0 {
		o.RetryBaseDelay = 1 * time.Second
	}
	if o.RetryMaxDelay == 0 {
		o.RetryMaxDelay = 30 * time.Second
	}
}

// EngineConfig wires an Engine to its collaborators.
type EngineConfig struct {
	Store     MessageStore
	Directory Directory
	// Blobs may be nil, in which case attachments are rejected.
	Blobs     BlobStore
	Transport Transport
	SelfID    string
	Logger    zerolog.Logger
	Metrics   *Metrics
	Options   *EngineOptions
}

// ============================================================================
// Engine
// ============================================================================

// Engine keeps a LocalView per open conversation in step with the backend.
type Engine struct {
	eventEmitter

	store      MessageStore
	dir        Directory
	composer   *Composer
	subscriber *Subscriber
	aggregator *Aggregator
	selfID     string
	logger     zerolog.Logger
	metrics    *Metrics
	opts       EngineOptions

	mu       sync.Mutex
	open     map[string]*openConversation
	watchers map[*conversationWatch]struct{}
	gen      uint64
	closed   bool
	wg       sync.WaitGroup
}

type openConversation struct {
	id      string
	gen     uint64
	view    *LocalView
	ctx     context.Context
	cancel  context.CancelFunc
	trigger chan struct{}
	sub     *Subscription
	outbox  *outbox
}

// kick requests a re-read. Requests made while one is pending coalesce.
func (oc *openConversation) kick() {
	select {
	case oc.trigger <- struct{}{}:
	default:
	}
}

// NewEngine creates an engine for cfg.SelfID.
func NewEngine(cfg EngineConfig) *Engine {
	opts := EngineOptions{}
	if cfg.Options != nil {
		opts = *cfg.Options
	}
	opts.defaults()

	e := &Engine{
		store:    cfg.Store,
		dir:      cfg.Directory,
		composer: NewComposer(cfg.Blobs),
		subscriber: NewSubscriber(cfg.Transport, &SubscriberConfig{
			ReconnectBaseDelay:   opts.RetryBaseDelay,
			ReconnectMaxDelay:    opts.RetryMaxDelay,
			MaxReconnectAttempts: opts.MaxReconnectAttempts,
			Logger:               cfg.Logger,
			Metrics:              cfg.Metrics,
		}),
		aggregator: NewAggregator(cfg.Store, cfg.Directory, cfg.Logger),
		selfID:     cfg.SelfID,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		opts:       opts,
		open:       make(map[string]*openConversation),
		watchers:   make(map[*conversationWatch]struct{}),
	}
	return e
}

// SelfID returns the user the engine acts as.
func (e *Engine) SelfID() string { return e.selfID }

// Open starts syncing conversationID and returns its view. Opening an already
// open conversation returns the existing view. A transient failure of the
// initial read is retried in the background; an auth failure is returned.
func (e *Engine) Open(ctx context.Context, conversationID string) (*LocalView, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if oc, ok := e.open[conversationID]; ok {
		e.mu.Unlock()
		return oc.view, nil
	}
	e.mu.Unlock()

	log := e.logger.With().Str("conversation", conversationID).Logger()
	cctx, cancel := context.WithCancel(context.Background())
	oc := &openConversation{
		id:      conversationID,
		view:    NewLocalView(conversationID, e.selfID),
		ctx:     cctx,
		cancel:  cancel,
		trigger: make(chan struct{}, 1),
		outbox:  newOutbox(),
	}
	oc.sub = e.subscriber.Subscribe(conversationID, func(reason ChangeReason) {
		log.Debug().Str("reason", string(reason)).Msg("change feed signalled")
		oc.kick()
	})

	e.mu.Lock()
	if existing, ok := e.open[conversationID]; ok || e.closed {
		closed := e.closed
		e.mu.Unlock()
		cancel()
		oc.sub.Close()
		if closed {
			return nil, ErrClosed
		}
		return existing.view, nil
	}
	e.gen++
	oc.gen = e.gen
	e.open[conversationID] = oc
	// Under mu, so a concurrent Shutdown waits for the loops started below.
	e.wg.Add(3)
	e.mu.Unlock()
	e.metrics.viewOpened(1)

	// Initial read happens on the caller's goroutine so Open returns a
	// populated view.
	err := e.syncOnce(ctx, oc)
	switch {
	case err == nil:
	case IsRetryable(err):
		log.Warn().Err(err).Msg("initial read failed, retrying in background")
		e.emit(Event{Type: EventSyncError, ConversationID: conversationID, Err: err})
		oc.kick()
	default:
		e.Close(conversationID)
		e.wg.Add(-3)
		return nil, err
	}

	go func() {
		defer e.wg.Done()
		e.syncLoop(oc, log)
	}()
	go func() {
		defer e.wg.Done()
		oc.outbox.run(oc.ctx, func(ctx context.Context, op outboxOp) {
			e.deliver(ctx, oc, op, log)
		})
	}()
	go func() {
		defer e.wg.Done()
		select {
		case <-oc.ctx.Done():
		case <-oc.sub.Done():
			if err := oc.sub.Err(); err != nil && isAuth(err) {
				e.emit(Event{Type: EventAuthRequired, ConversationID: conversationID, Err: err})
			}
		}
	}()

	log.Info().Int("messages", len(oc.view.Messages())).Msg("conversation opened")
	return oc.view, nil
}

// View returns the view of an open conversation.
func (e *Engine) View(conversationID string) (*LocalView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	oc, ok := e.open[conversationID]
	if !ok {
		return nil, false
	}
	return oc.view, true
}

// Close stops syncing conversationID. Reads still in flight are discarded
// when they complete. Closing a conversation that is not open is a no-op.
func (e *Engine) Close(conversationID string) {
	e.mu.Lock()
	oc, ok := e.open[conversationID]
	if ok {
		delete(e.open, conversationID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	oc.cancel()
	oc.outbox.close()
	e.subscriber.Unsubscribe(oc.sub)
	e.metrics.viewOpened(-1)
	e.logger.Info().Str("conversation", conversationID).Msg("conversation closed")
}

// Shutdown closes every conversation and watcher and waits for background
// work to stop.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	ids := make([]string, 0, len(e.open))
	for id := range e.open {
		ids = append(ids, id)
	}
	watchers := make([]*conversationWatch, 0, len(e.watchers))
	for w := range e.watchers {
		watchers = append(watchers, w)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.Close(id)
	}
	for _, w := range watchers {
		w.stop()
	}
	e.wg.Wait()
	e.removeAll()
}

func (e *Engine) current(oc *openConversation) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.open[oc.id]
	return ok && cur.gen == oc.gen
}

func (e *Engine) lookup(conversationID string) (*openConversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	oc, ok := e.open[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s is not open", ErrNotFound, conversationID)
	}
	return oc, nil
}

// ============================================================================
// Sync
// ============================================================================

// syncOnce reads everything after the view's cursor (minus the overlap
// window) and reconciles it, unless the conversation was closed or reopened
// meanwhile.
func (e *Engine) syncOnce(ctx context.Context, oc *openConversation) error {
	var after *Cursor
	if c := oc.view.SyncedThrough(); !c.IsZero() {
		after = &Cursor{CreatedAt: c.CreatedAt.Add(-e.opts.ResyncOverlap)}
	}

	ctx, cancel := mergeDone(ctx, oc.ctx)
	defer cancel()

	start := time.Now()
	msgs, err := e.store.FetchMessages(ctx, oc.id, after)
	e.metrics.fetch(start, err)
	if oc.ctx.Err() != nil || !e.current(oc) {
		e.logger.Debug().Str("conversation", oc.id).Msg("discarding stale read")
		return nil
	}
	if err != nil {
		return err
	}

	before := oc.view.Version()
	oc.view.Reconcile(msgs)
	e.metrics.reconcile()
	if oc.view.Version() != before {
		e.emit(Event{Type: EventViewUpdated, ConversationID: oc.id})
	}
	return nil
}

func (e *Engine) syncLoop(oc *openConversation, log zerolog.Logger) {
	limiter := rate.NewLimiter(rate.Every(e.opts.MinResyncInterval), e.opts.ResyncBurst)
	recon := newReconnector(e.opts.RetryBaseDelay, e.opts.RetryMaxDelay, 0)

	for {
		select {
		case <-oc.ctx.Done():
			return
		case <-oc.trigger:
		}
		if err := limiter.Wait(oc.ctx); err != nil {
			return
		}

		err := e.syncOnce(oc.ctx, oc)
		switch {
		case err == nil:
			recon.reset()
		case oc.ctx.Err() != nil:
			return
		case isAuth(err):
			log.Error().Err(err).Msg("sync stopped, session rejected")
			e.emit(Event{Type: EventAuthRequired, ConversationID: oc.id, Err: err})
			return
		case IsRetryable(err):
			delay := recon.nextDelay()
			log.Warn().Err(err).Dur("delay", delay).Msg("sync failed, retrying")
			e.emit(Event{Type: EventSyncError, ConversationID: oc.id, Err: err})
			timer := time.NewTimer(delay)
			select {
			case <-oc.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			oc.kick()
		default:
			log.Error().Err(err).Msg("sync failed")
			e.emit(Event{Type: EventSyncError, ConversationID: oc.id, Err: err})
		}
	}
}

// mergeDone returns a context carrying a's values that is also cancelled
// when b is done.
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// ============================================================================
// Sending
// ============================================================================

// Send composes text and att, shows the message immediately as pending and
// queues the append behind earlier sends of the same conversation. It returns
// the client token identifying the entry. Validation and upload failures are
// returned before anything is shown.
func (e *Engine) Send(ctx context.Context, conversationID, text string, att *AttachmentInput) (string, error) {
	oc, err := e.lookup(conversationID)
	if err != nil {
		return "", err
	}
	payload, err := e.composer.Compose(ctx, text, att)
	if err != nil {
		return "", err
	}

	token := oc.view.ApplyOptimisticSend(payload)
	payload.ClientToken = token
	e.emit(Event{Type: EventViewUpdated, ConversationID: conversationID, Token: token})

	if !oc.outbox.push(outboxOp{token: token, payload: payload}) {
		return "", ErrClosed
	}
	return token, nil
}

// Retry queues a failed send again under the same client token, so a send
// that did reach the backend is not stored twice.
func (e *Engine) Retry(conversationID, token string) error {
	oc, err := e.lookup(conversationID)
	if err != nil {
		return err
	}
	payload, err := oc.view.MarkSending(token)
	if err != nil {
		return err
	}
	e.emit(Event{Type: EventViewUpdated, ConversationID: conversationID, Token: token})
	if !oc.outbox.push(outboxOp{token: token, payload: payload}) {
		return ErrClosed
	}
	return nil
}

// Discard drops a failed send from the view.
func (e *Engine) Discard(conversationID, token string) error {
	oc, err := e.lookup(conversationID)
	if err != nil {
		return err
	}
	if err := oc.view.Discard(token); err != nil {
		return err
	}
	e.emit(Event{Type: EventViewUpdated, ConversationID: conversationID, Token: token})
	return nil
}

// PendingSends returns the number of appends queued but not yet attempted.
func (e *Engine) PendingSends(conversationID string) int {
	oc, err := e.lookup(conversationID)
	if err != nil {
		return 0
	}
	return oc.outbox.size()
}

func (e *Engine) deliver(ctx context.Context, oc *openConversation, op outboxOp, log zerolog.Logger) {
	stored, err := e.store.AppendMessage(ctx, oc.id, e.selfID, op.payload)
	if ctx.Err() != nil {
		return
	}
	e.metrics.send(err)
	if err != nil {
		log.Warn().Err(err).Str("token", op.token).Msg("send failed")
		oc.view.MarkFailed(op.token, err)
		e.emit(Event{Type: EventSendFailed, ConversationID: oc.id, Token: op.token, Err: err})
		if isAuth(err) {
			e.emit(Event{Type: EventAuthRequired, ConversationID: oc.id, Err: err})
		}
		return
	}

	oc.view.Confirm(op.token, *stored)
	e.emit(Event{Type: EventViewUpdated, ConversationID: oc.id, Token: op.token})
	// Rows committed before ours may not have been read yet.
	oc.kick()
}

// ============================================================================
// Conversation list
// ============================================================================

// Conversations returns the conversation list of the engine's user.
func (e *Engine) Conversations(ctx context.Context) ([]ConversationEntry, error) {
	return e.aggregator.ListConversations(ctx, e.selfID)
}

// SenderProfiles returns the profiles of everyone who wrote in an open
// conversation, keyed by user ID.
func (e *Engine) SenderProfiles(ctx context.Context, conversationID string) (map[string]Profile, error) {
	oc, err := e.lookup(conversationID)
	if err != nil {
		return nil, err
	}
	ids := oc.view.SenderIDs()
	out := make(map[string]Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := e.dir.Profiles(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, p := range rows {
		out[p.ID] = p
	}
	return out, nil
}

type conversationWatch struct {
	cancel  context.CancelFunc
	done    chan struct{}
	trigger chan struct{}
	subs    []*Subscription
	once    sync.Once
}

func (w *conversationWatch) kick() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// stop does not wait for the loop to exit, so it may be called from an
// event handler.
func (w *conversationWatch) stop() {
	w.once.Do(func() {
		w.cancel()
		for _, s := range w.subs {
			s.Close()
		}
	})
}

// WatchConversations recomputes the conversation list whenever a message
// arrives in any conversation or the user joins one, and emits it as
// EventConversationsUpdated. The returned function stops watching.
func (e *Engine) WatchConversations() (stop func(), err error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &conversationWatch{
		cancel:  cancel,
		done:    make(chan struct{}),
		trigger: make(chan struct{}, 1),
	}
	e.watchers[w] = struct{}{}
	e.wg.Add(1)
	e.mu.Unlock()

	onChange := func(ChangeReason) { w.kick() }
	w.subs = []*Subscription{
		e.subscriber.SubscribeTopic(Topic{Table: "messages"}, onChange),
		e.subscriber.SubscribeTopic(MembershipTopic(e.selfID), onChange),
	}

	go func() {
		defer e.wg.Done()
		defer close(w.done)
		e.watchLoop(ctx, w)
	}()

	return func() {
		w.stop()
		e.mu.Lock()
		delete(e.watchers, w)
		e.mu.Unlock()
	}, nil
}

func (e *Engine) watchLoop(ctx context.Context, w *conversationWatch) {
	limiter := rate.NewLimiter(rate.Every(e.opts.MinResyncInterval), e.opts.ResyncBurst)
	recon := newReconnector(e.opts.RetryBaseDelay, e.opts.RetryMaxDelay, 0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.trigger:
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		entries, err := e.aggregator.ListConversations(ctx, e.selfID)
		switch {
		case err == nil:
			recon.reset()
			e.emit(Event{Type: EventConversationsUpdated, Entries: entries})
		case ctx.Err() != nil:
			return
		case isAuth(err):
			e.emit(Event{Type: EventAuthRequired, Err: err})
			return
		default:
			e.emit(Event{Type: EventSyncError, Err: err})
			if !errors.Is(err, ErrTransientIO) {
				continue
			}
			timer := time.NewTimer(recon.nextDelay())
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			w.kick()
		}
	}
}
