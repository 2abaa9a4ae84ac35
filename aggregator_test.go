package connectlink

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestListConversations(t *testing.T) {
	s := newMemStore()
	s.addProfile(Profile{ID: "bob", DisplayName: "Bob"})
	s.addProfile(Profile{ID: "carol", DisplayName: "Carol"})
	s.addConversation(Conversation{ID: "early", CreatedAt: testEpoch}, "alice", "bob")
	s.addConversation(Conversation{ID: "late", CreatedAt: testEpoch}, "alice", "carol")
	s.addConversation(Conversation{ID: "empty", CreatedAt: testEpoch.Add(30 * time.Minute)}, "alice", "bob")
	s.addConversation(Conversation{ID: "other"}, "bob", "carol")

	ten := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	eleven := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	s.insert("early", "bob", "at ten", ten)
	s.insert("late", "carol", "first", ten.Add(-time.Hour))
	s.insert("late", "carol", "at eleven", eleven)

	agg := NewAggregator(s, s, zerolog.Nop())
	entries, err := agg.ListConversations(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}

	var order []string
	for _, e := range entries {
		order = append(order, e.Conversation.ID)
	}
	want := []string{"late", "early", "empty"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}

	t.Run("preview and identity", func(t *testing.T) {
		late := entries[0]
		if late.Preview != "at eleven" || late.Identity.Name != "Carol" {
			t.Errorf("unexpected entry %+v", late)
		}
		if late.LastMessageAt == nil || !late.LastMessageAt.Equal(eleven) {
			t.Errorf("unexpected last message time %v", late.LastMessageAt)
		}
	})

	t.Run("empty conversation", func(t *testing.T) {
		empty := entries[2]
		if empty.Preview != NoMessagesYet || empty.TimestampLabel() != TimestampNow {
			t.Errorf("unexpected empty entry %+v", empty)
		}
		if empty.LastMessageAt != nil {
			t.Error("expected no last message time")
		}
	})

	t.Run("batched queries", func(t *testing.T) {
		_, latest, participants, profiles := s.calls()
		if latest != 1 || participants != 1 || profiles != 1 {
			t.Errorf("expected 1/1/1 queries, got %d/%d/%d", latest, participants, profiles)
		}
	})
}

func TestListConversationsTieBreak(t *testing.T) {
	s := newMemStore()
	s.addConversation(Conversation{ID: "b"}, "alice", "bob")
	s.addConversation(Conversation{ID: "a"}, "alice", "bob")
	agg := NewAggregator(s, s, zerolog.Nop())

	entries, err := agg.ListConversations(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Conversation.ID != "a" || entries[1].Conversation.ID != "b" {
		t.Errorf("expected ties ordered by id, got %s, %s", entries[0].Conversation.ID, entries[1].Conversation.ID)
	}
}

func TestListConversationsNone(t *testing.T) {
	agg := NewAggregator(newMemStore(), newMemStore(), zerolog.Nop())
	entries, err := agg.ListConversations(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if entries == nil || len(entries) != 0 {
		t.Errorf("expected empty non-nil list, got %#v", entries)
	}
}

func TestPreviewText(t *testing.T) {
	att := &Attachment{Ref: "sha256:00", Name: "report.pdf", MimeType: "application/pdf"}
	cases := []struct {
		name string
		m    Message
		want string
	}{
		{"text", Message{Content: "  hi  "}, "hi"},
		{"attachment only", Message{Content: "Sent a file", Attachment: att}, "📎 report.pdf"},
		{"attachment with caption", Message{Content: "see this", Attachment: att}, "see this"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := previewText(tc.m); got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestFilterEntries(t *testing.T) {
	entries := []ConversationEntry{
		{Identity: Identity{Name: "Bob Builder"}},
		{Identity: Identity{Name: "Carol"}},
	}
	if got := FilterEntries(entries, "bob"); len(got) != 1 || got[0].Identity.Name != "Bob Builder" {
		t.Errorf("unexpected filter result %+v", got)
	}
	if got := FilterEntries(entries, "  "); len(got) != 2 {
		t.Errorf("blank query should keep all, got %d", len(got))
	}
}
