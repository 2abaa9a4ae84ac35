package redisfeed

import (
	"context"
	"testing"

	redis "github.com/redis/go-redis/v9"
)

func TestChannelNames(t *testing.T) {
	c := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer c.Close()

	f := New(c)
	if got := f.channel("messages"); got != "connectlink:changes:messages" {
		t.Errorf("unexpected channel %q", got)
	}
	f = New(c, WithPrefix("test:"))
	if got := f.channel("conversation_participants"); got != "test:conversation_participants" {
		t.Errorf("unexpected channel %q", got)
	}
	if err := f.Close(); err != nil {
		t.Errorf("closing a borrowed client should be a no-op: %v", err)
	}
}

func TestDialErrors(t *testing.T) {
	ctx := context.Background()
	if _, err := Dial(ctx, ""); err == nil {
		t.Error("expected error for empty url")
	}
	if _, err := Dial(ctx, "http://not-redis"); err == nil {
		t.Error("expected error for invalid scheme")
	}
}
