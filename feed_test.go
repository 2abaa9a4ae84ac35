package connectlink

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type reasonLog struct {
	mu      sync.Mutex
	reasons []ChangeReason
}

func (l *reasonLog) add(r ChangeReason) {
	l.mu.Lock()
	l.reasons = append(l.reasons, r)
	l.mu.Unlock()
}

func (l *reasonLog) count(r ChangeReason) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, x := range l.reasons {
		if x == r {
			n++
		}
	}
	return n
}

func fastSubscriber(tr Transport, cfg SubscriberConfig) *Subscriber {
	cfg.ReconnectBaseDelay = 2 * time.Millisecond
	cfg.ReconnectMaxDelay = 10 * time.Millisecond
	return NewSubscriber(tr, &cfg)
}

// ============================================================================
// Subscriber
// ============================================================================

func TestSubscriberInsertTriggersChange(t *testing.T) {
	tr := &fakeTransport{}
	log := &reasonLog{}
	sub := fastSubscriber(tr, SubscriberConfig{}).Subscribe("c1", log.add)
	defer sub.Close()

	waitFor(t, "active", func() bool { return sub.State() == FeedActive })
	if log.count(ReasonSubscribed) != 1 {
		t.Errorf("expected one subscribed signal, got %d", log.count(ReasonSubscribed))
	}

	tr.publish("messages", Message{ID: "m1", ConversationID: "c1"})
	tr.publish("messages", Message{ID: "m2", ConversationID: "c2"})
	waitFor(t, "insert signal", func() bool { return log.count(ReasonInsert) == 1 })

	time.Sleep(20 * time.Millisecond)
	if n := log.count(ReasonInsert); n != 1 {
		t.Errorf("expected only the c1 insert to signal, got %d", n)
	}
}

func TestSubscriberReconnects(t *testing.T) {
	tr := &fakeTransport{failNext: []error{ErrTransientIO}}
	log := &reasonLog{}
	var statesMu sync.Mutex
	var states []FeedState
	sub := fastSubscriber(tr, SubscriberConfig{
		OnStateChange: func(_ Topic, st FeedState) {
			statesMu.Lock()
			states = append(states, st)
			statesMu.Unlock()
		},
	}).Subscribe("c1", log.add)
	defer sub.Close()

	// first attempt failed, so the first activation is already a resubscribe
	waitFor(t, "resubscribe after failed dial", func() bool { return log.count(ReasonResubscribed) == 1 })

	tr.drop(ErrTransientIO)
	waitFor(t, "resubscribe after drop", func() bool { return log.count(ReasonResubscribed) == 2 })
	if sub.State() != FeedActive {
		t.Errorf("expected active, got %s", sub.State())
	}

	statesMu.Lock()
	defer statesMu.Unlock()
	want := []FeedState{FeedSubscribing, FeedError, FeedReconnecting, FeedSubscribing, FeedActive}
	for i, st := range want {
		if i >= len(states) || states[i] != st {
			t.Fatalf("expected transitions to start with %v, got %v", want, states)
		}
	}
}

func TestSubscriberAuthErrorEnds(t *testing.T) {
	tr := &fakeTransport{failNext: []error{ErrAuth}}
	sub := fastSubscriber(tr, SubscriberConfig{}).Subscribe("c1", nil)

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end")
	}
	if !errors.Is(sub.Err(), ErrAuth) {
		t.Errorf("expected auth error, got %v", sub.Err())
	}
	if sub.State() != FeedClosed {
		t.Errorf("expected closed, got %s", sub.State())
	}
	if tr.openCount() != 1 {
		t.Errorf("auth errors must not be retried, got %d attempts", tr.openCount())
	}
}

func TestSubscriberGivesUp(t *testing.T) {
	tr := &fakeTransport{failNext: []error{ErrTransientIO, ErrTransientIO, ErrTransientIO}}
	sub := fastSubscriber(tr, SubscriberConfig{MaxReconnectAttempts: 2}).Subscribe("c1", nil)

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not give up")
	}
	if !IsRetryable(sub.Err()) {
		t.Errorf("expected transient error, got %v", sub.Err())
	}
	if n := tr.openCount(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestSubscriptionCloseExactlyOnce(t *testing.T) {
	tr := &fakeTransport{}
	s := fastSubscriber(tr, SubscriberConfig{})
	sub := s.Subscribe("c1", nil)
	waitFor(t, "active", func() bool { return sub.State() == FeedActive })

	sub.Close()
	sub.Close()
	s.Unsubscribe(sub)
	s.Unsubscribe(nil)

	if sub.State() != FeedClosed {
		t.Errorf("expected closed, got %s", sub.State())
	}
	if sub.Err() != nil {
		t.Errorf("expected no error after Close, got %v", sub.Err())
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, st := range tr.streams {
		st.mu.Lock()
		n := st.closeCnt
		st.mu.Unlock()
		if n != 1 {
			t.Errorf("stream released %d times", n)
		}
	}
}

func TestSubscriberSurvivesPanickingHandler(t *testing.T) {
	tr := &fakeTransport{}
	var mu sync.Mutex
	calls := 0
	sub := fastSubscriber(tr, SubscriberConfig{}).Subscribe("c1", func(ChangeReason) {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("boom")
	})
	defer sub.Close()

	waitFor(t, "active", func() bool { return sub.State() == FeedActive })
	tr.publish("messages", Message{ID: "m1", ConversationID: "c1"})
	waitFor(t, "second call", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	})
	if sub.State() != FeedActive {
		t.Errorf("expected still active, got %s", sub.State())
	}
}

// ============================================================================
// Topic
// ============================================================================

func TestTopicMatches(t *testing.T) {
	rec := []byte(`{"id":"m1","conversation_id":"c1","user_id":"u1"}`)
	cases := []struct {
		topic Topic
		table string
		want  bool
	}{
		{MessagesTopic("c1"), "messages", true},
		{MessagesTopic("c2"), "messages", false},
		{MessagesTopic("c1"), "profiles", false},
		{Topic{Table: "messages"}, "messages", true},
		{MembershipTopic("u1"), "conversation_participants", true},
		{Topic{Table: "messages", Filter: "conversation_id=neq.c1"}, "messages", false},
		{Topic{Table: "messages", Filter: "missing=eq.x"}, "messages", false},
	}
	for _, tc := range cases {
		if got := tc.topic.Matches(tc.table, rec); got != tc.want {
			t.Errorf("%s on %s: expected %v, got %v", tc.topic, tc.table, tc.want, got)
		}
	}
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(100*time.Millisecond, time.Second, 3)
	d1 := r.nextDelay()
	d2 := r.nextDelay()
	d3 := r.nextDelay()
	if d1 < 100*time.Millisecond || d1 > 150*time.Millisecond {
		t.Errorf("first delay out of range: %v", d1)
	}
	if d2 < 200*time.Millisecond || d3 < 400*time.Millisecond {
		t.Errorf("delays not growing: %v %v", d2, d3)
	}
	if r.shouldReconnect() {
		t.Error("expected attempts to be exhausted")
	}
	for i := 0; i < 10; i++ {
		r.nextDelay()
	}
	if d := r.nextDelay(); d > time.Second {
		t.Errorf("delay above max: %v", d)
	}
	r.reset()
	if !r.shouldReconnect() {
		t.Error("reset should allow reconnects")
	}
}
