//go:build integration

package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/SiamRahamanDhrubo/connectlink"
)

// Run with: DB_URL=postgres://... go test -tags integration ./pgstore

var runID = fmt.Sprintf("%d", time.Now().UnixNano()%1000000)

func setupStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("DB_URL") == "" {
		t.Skip("DB_URL not set")
	}
	ctx := context.Background()
	pool, err := ConnectFromEnv(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	s := New(pool, zerolog.Nop())
	if err := s.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return s
}

func user(name string) string { return name + "-" + runID }

func TestPostgresStore(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	alice, bob, eve := user("alice"), user("bob"), user("eve")
	for _, p := range []connectlink.Profile{
		{ID: alice, DisplayName: "Alice " + runID},
		{ID: bob, DisplayName: "Bob " + runID, Bio: "builds things"},
		{ID: eve},
	} {
		if err := s.UpsertProfile(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	conv, created, err := s.StartDirectConversation(ctx, alice, bob)
	if err != nil || !created {
		t.Fatalf("start: %v created=%v", err, created)
	}
	again, created, err := s.StartDirectConversation(ctx, bob, alice)
	if err != nil || created || again.ID != conv.ID {
		t.Fatalf("expected the same conversation, got %+v created=%v err=%v", again, created, err)
	}

	t.Run("append and fetch", func(t *testing.T) {
		first, err := s.AppendMessage(ctx, conv.ID, alice, connectlink.Payload{Content: "hello", ClientToken: "tok-1-" + runID})
		if err != nil {
			t.Fatal(err)
		}
		replay, err := s.AppendMessage(ctx, conv.ID, alice, connectlink.Payload{Content: "hello", ClientToken: "tok-1-" + runID})
		if err != nil || replay.ID != first.ID {
			t.Fatalf("token replay should return the stored row: %+v %v", replay, err)
		}
		att := &connectlink.Attachment{Ref: connectlink.ContentRef([]byte("x")), Name: "x.txt", MimeType: "text/plain", Size: 1}
		if _, err := s.AppendMessage(ctx, conv.ID, bob, connectlink.Payload{Content: "Sent a file", Attachment: att}); err != nil {
			t.Fatal(err)
		}

		msgs, err := s.FetchMessages(ctx, conv.ID, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 2 || msgs[0].Content != "hello" || msgs[1].Attachment == nil || msgs[1].Attachment.Name != "x.txt" {
			t.Fatalf("unexpected log %+v", msgs)
		}

		after := msgs[0].Cursor()
		tail, err := s.FetchMessages(ctx, conv.ID, &after)
		if err != nil || len(tail) != 1 || tail[0].ID != msgs[1].ID {
			t.Errorf("unexpected tail %+v %v", tail, err)
		}

		latest, err := s.LatestMessages(ctx, []string{conv.ID})
		if err != nil || latest[conv.ID].ID != msgs[1].ID {
			t.Errorf("unexpected latest %+v %v", latest, err)
		}
	})

	t.Run("non participant", func(t *testing.T) {
		_, err := s.AppendMessage(ctx, conv.ID, eve, connectlink.Payload{Content: "let me in"})
		if !errors.Is(err, connectlink.ErrAuth) {
			t.Errorf("expected auth error, got %v", err)
		}
	})

	t.Run("directory", func(t *testing.T) {
		convs, err := s.ConversationsFor(ctx, bob)
		if err != nil || len(convs) != 1 || convs[0].ID != conv.ID {
			t.Errorf("unexpected conversations %+v %v", convs, err)
		}
		found, err := s.SearchProfiles(ctx, alice, "BUILDS THINGS", 100)
		if err != nil {
			t.Fatal(err)
		}
		hit := false
		for _, p := range found {
			hit = hit || p.ID == bob
			if p.ID == alice {
				t.Error("search must exclude the caller")
			}
		}
		if !hit {
			t.Errorf("expected %s in %+v", bob, found)
		}
		stats, err := s.UserStats(ctx, alice)
		if err != nil || stats.TotalConversations != 1 || stats.TotalMessages != 1 {
			t.Errorf("unexpected stats %+v %v", stats, err)
		}
	})
}

func TestPostgresNotifier(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	alice, bob := user("nalice"), user("nbob")
	conv, _, err := s.StartDirectConversation(ctx, alice, bob)
	if err != nil {
		t.Fatal(err)
	}

	n := NewNotifier(s.Pool(), zerolog.Nop())
	stream, err := n.Stream(ctx, connectlink.MessagesTopic(conv.ID))
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	if _, err := s.AppendMessage(ctx, conv.ID, bob, connectlink.Payload{Content: "ping"}); err != nil {
		t.Fatal(err)
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ev, err := stream.Next(wctx)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != "INSERT" || ev.Table != "messages" {
		t.Errorf("unexpected event %+v", ev)
	}

	t.Run("engine end to end", func(t *testing.T) {
		engine := connectlink.NewEngine(connectlink.EngineConfig{
			Store:     s,
			Directory: s,
			Transport: n,
			SelfID:    alice,
			Logger:    zerolog.Nop(),
		})
		defer engine.Shutdown()

		view, err := engine.Open(ctx, conv.ID)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.AppendMessage(ctx, conv.ID, bob, connectlink.Payload{Content: "pong"}); err != nil {
			t.Fatal(err)
		}
		deadline := time.Now().Add(5 * time.Second)
		for len(view.Messages()) < 2 && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}
		if n := len(view.Messages()); n != 2 {
			t.Errorf("expected 2 messages, got %d", n)
		}
	})
}
