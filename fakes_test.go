package connectlink

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// In-memory store
// ============================================================================

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type memStore struct {
	mu       sync.Mutex
	convs    []Conversation
	parts    []Participant
	profiles map[string]Profile
	msgs     []Message
	seq      int

	appendErrs []error
	fetchErrs  []error
	// appendGate, when set, blocks each append until a value is received.
	appendGate chan struct{}
	onAppend   func(Message)

	fetchCalls        int
	latestCalls       int
	participantsCalls int
	profilesCalls     int
	convCalls         int
}

func newMemStore() *memStore {
	return &memStore{profiles: make(map[string]Profile)}
}

func (s *memStore) addConversation(c Conversation, members ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = testEpoch
	}
	s.convs = append(s.convs, c)
	for _, m := range members {
		s.parts = append(s.parts, Participant{ConversationID: c.ID, UserID: m})
	}
}

func (s *memStore) addProfile(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

// insert stores a message written by someone else, bypassing the outbox.
func (s *memStore) insert(convID, sender, content string, at time.Time) Message {
	s.mu.Lock()
	s.seq++
	m := Message{
		ID:             fmt.Sprintf("m%04d", s.seq),
		ConversationID: convID,
		SenderID:       sender,
		Content:        content,
		CreatedAt:      at,
	}
	s.msgs = append(s.msgs, m)
	hook := s.onAppend
	s.mu.Unlock()
	if hook != nil {
		hook(m)
	}
	return m
}

func (s *memStore) FetchMessages(ctx context.Context, conversationID string, after *Cursor) ([]Message, error) {
	s.mu.Lock()
	s.fetchCalls++
	if len(s.fetchErrs) > 0 {
		err := s.fetchErrs[0]
		s.fetchErrs = s.fetchErrs[1:]
		s.mu.Unlock()
		return nil, err
	}
	var out []Message
	for _, m := range s.msgs {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	s.mu.Unlock()
	return afterCursor(out, after), nil
}

func (s *memStore) isMember(convID, userID string) bool {
	for _, p := range s.parts {
		if p.ConversationID == convID && p.UserID == userID {
			return true
		}
	}
	return false
}

func (s *memStore) AppendMessage(ctx context.Context, conversationID, senderID string, p Payload) (*Message, error) {
	if err := checkPayload(p); err != nil {
		return nil, err
	}
	if s.appendGate != nil {
		select {
		case <-s.appendGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	if len(s.appendErrs) > 0 {
		err := s.appendErrs[0]
		s.appendErrs = s.appendErrs[1:]
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	if !s.isMember(conversationID, senderID) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: not a participant", ErrAuth)
	}
	if p.ClientToken != "" {
		for _, m := range s.msgs {
			if m.ClientToken == p.ClientToken {
				s.mu.Unlock()
				return &m, nil
			}
		}
	}
	s.seq++
	m := Message{
		ID:             fmt.Sprintf("m%04d", s.seq),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        p.Content,
		Attachment:     p.Attachment,
		ClientToken:    p.ClientToken,
		CreatedAt:      testEpoch.Add(time.Duration(s.seq) * time.Second),
	}
	s.msgs = append(s.msgs, m)
	hook := s.onAppend
	s.mu.Unlock()
	if hook != nil {
		hook(m)
	}
	return &m, nil
}

func (s *memStore) LatestMessages(ctx context.Context, conversationIDs []string) (map[string]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latestCalls++
	want := make(map[string]bool)
	for _, id := range conversationIDs {
		want[id] = true
	}
	out := make(map[string]Message)
	for _, m := range s.msgs {
		if !want[m.ConversationID] {
			continue
		}
		if prev, ok := out[m.ConversationID]; !ok || messageLess(prev, m) {
			out[m.ConversationID] = m
		}
	}
	return out, nil
}

func (s *memStore) ConversationsFor(ctx context.Context, userID string) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convCalls++
	var out []Conversation
	for _, c := range s.convs {
		if s.isMember(c.ID, userID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) Participants(ctx context.Context, conversationIDs []string) ([]Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participantsCalls++
	want := make(map[string]bool)
	for _, id := range conversationIDs {
		want[id] = true
	}
	var out []Participant
	for _, p := range s.parts {
		if want[p.ConversationID] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) Profiles(ctx context.Context, userIDs []string) ([]Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profilesCalls++
	var out []Profile
	for _, id := range uniqueStrings(userIDs) {
		if p, ok := s.profiles[id]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) calls() (fetch, latest, participants, profiles int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchCalls, s.latestCalls, s.participantsCalls, s.profilesCalls
}

// ============================================================================
// In-memory blobs
// ============================================================================

type memBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
	puts int
	err  error
}

func newMemBlobs() *memBlobs { return &memBlobs{data: make(map[string][]byte)} }

func (b *memBlobs) Put(ctx context.Context, data []byte, name, mimeType string) (*Attachment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	b.puts++
	ref := ContentRef(data)
	b.data[ref] = append([]byte(nil), data...)
	return &Attachment{Ref: ref, Name: name, MimeType: mimeType, Size: int64(len(data))}, nil
}

func (b *memBlobs) Get(ctx context.Context, ref string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.data[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

// ============================================================================
// Fake transport
// ============================================================================

type fakeTransport struct {
	mu       sync.Mutex
	streams  []*fakeStream
	failNext []error
	opened   int
}

func (t *fakeTransport) Stream(ctx context.Context, topic Topic) (EventStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opened++
	if len(t.failNext) > 0 {
		err := t.failNext[0]
		t.failNext = t.failNext[1:]
		return nil, err
	}
	s := &fakeStream{
		topic:  topic,
		events: make(chan ChangeEvent, 64),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	t.streams = append(t.streams, s)
	return s, nil
}

// publish delivers an INSERT of m to every live matching stream.
func (t *fakeTransport) publish(table string, row any) {
	record, _ := json.Marshal(row)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.streams {
		if s.isClosed() || !s.topic.Matches(table, record) {
			continue
		}
		s.events <- ChangeEvent{Type: "INSERT", Table: table, Record: record}
	}
}

// drop fails every live stream with err.
func (t *fakeTransport) drop(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.streams {
		select {
		case s.fail <- err:
		default:
		}
	}
}

func (t *fakeTransport) live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.streams {
		if !s.isClosed() {
			n++
		}
	}
	return n
}

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened
}

type fakeStream struct {
	topic    Topic
	events   chan ChangeEvent
	fail     chan error
	once     sync.Once
	closed   chan struct{}
	closeCnt int
	mu       sync.Mutex
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeStream) Next(ctx context.Context) (ChangeEvent, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case err := <-s.fail:
		return ChangeEvent{}, err
	case <-s.closed:
		return ChangeEvent{}, ErrClosed
	case <-ctx.Done():
		return ChangeEvent{}, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closeCnt++
	s.mu.Unlock()
	s.once.Do(func() { close(s.closed) })
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func contents(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Content
	}
	return out
}

func msg(id, sender, content string, sec int) Message {
	return Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       sender,
		Content:        content,
		CreatedAt:      testEpoch.Add(time.Duration(sec) * time.Second),
	}
}
