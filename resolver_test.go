package connectlink

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func newResolverFixture() *memStore {
	s := newMemStore()
	s.addProfile(Profile{ID: "alice", DisplayName: "Alice", AvatarURL: "https://img/alice.png"})
	s.addProfile(Profile{ID: "bob", DisplayName: "Bob"})
	s.addProfile(Profile{ID: "carol"})
	s.addConversation(Conversation{ID: "ab"}, "alice", "bob")
	s.addConversation(Conversation{ID: "ac"}, "alice", "carol")
	s.addConversation(Conversation{ID: "ad"}, "alice", "dave") // dave has no profile row
	s.addConversation(Conversation{ID: "team", Name: "Team", IsGroup: true}, "alice", "bob", "carol")
	s.addConversation(Conversation{ID: "crowd"}, "alice", "bob", "carol")
	s.addConversation(Conversation{ID: "solo"}, "alice")
	return s
}

func TestResolveDisplayIdentity(t *testing.T) {
	s := newResolverFixture()
	r := NewResolver(s, zerolog.Nop())
	ctx := context.Background()

	resolve := func(convID, self string) Identity {
		t.Helper()
		var conv Conversation
		for _, c := range s.convs {
			if c.ID == convID {
				conv = c
			}
		}
		id, err := r.ResolveDisplayIdentity(ctx, conv, self)
		if err != nil {
			t.Fatalf("resolve %s: %v", convID, err)
		}
		return id
	}

	t.Run("symmetric 1:1", func(t *testing.T) {
		fromAlice := resolve("ab", "alice")
		if fromAlice.Name != "Bob" {
			t.Errorf("alice should see Bob, got %q", fromAlice.Name)
		}
		fromBob := resolve("ab", "bob")
		if fromBob.Name != "Alice" || fromBob.AvatarURL != "https://img/alice.png" {
			t.Errorf("bob should see Alice, got %+v", fromBob)
		}
	})

	t.Run("default avatar", func(t *testing.T) {
		if id := resolve("ab", "alice"); id.AvatarURL != DefaultAvatarURL {
			t.Errorf("expected default avatar, got %q", id.AvatarURL)
		}
	})

	t.Run("empty display name", func(t *testing.T) {
		id := resolve("ac", "alice")
		if id.Name != UnknownUserName || id.Degraded {
			t.Errorf("expected non-degraded Unknown User, got %+v", id)
		}
	})

	t.Run("missing profile row", func(t *testing.T) {
		id := resolve("ad", "alice")
		if id.Name != UnknownUserName || id.AvatarURL != DefaultAvatarURL {
			t.Errorf("unexpected identity %+v", id)
		}
	})

	t.Run("named conversation", func(t *testing.T) {
		id := resolve("team", "alice")
		if id.Name != "Team" || id.AvatarURL != GroupAvatarURL {
			t.Errorf("unexpected identity %+v", id)
		}
	})

	t.Run("malformed cardinality degrades", func(t *testing.T) {
		for _, conv := range []string{"crowd", "solo"} {
			id := resolve(conv, "alice")
			if id.Name != UnknownUserName || !id.Degraded {
				t.Errorf("%s: expected degraded placeholder, got %+v", conv, id)
			}
		}
	})
}

func TestResolveAllBatches(t *testing.T) {
	s := newResolverFixture()
	r := NewResolver(s, zerolog.Nop())

	ids, err := r.resolveAll(context.Background(), s.convs, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != len(s.convs) {
		t.Fatalf("expected %d identities, got %d", len(s.convs), len(ids))
	}
	_, _, participants, profiles := s.calls()
	if participants != 1 || profiles != 1 {
		t.Errorf("expected one participants and one profiles query, got %d and %d", participants, profiles)
	}
}
