package connectlink

import (
	"context"
	"sort"
	"strings"
)

// MessageStore reads and appends conversation logs.
type MessageStore interface {
	// FetchMessages returns the messages strictly after `after`, ascending by
	// (CreatedAt, ID). A nil cursor returns the whole log.
	FetchMessages(ctx context.Context, conversationID string, after *Cursor) ([]Message, error)
	// AppendMessage stores a message. Appends are idempotent on
	// Payload.ClientToken.
	AppendMessage(ctx context.Context, conversationID, senderID string, p Payload) (*Message, error)
	// LatestMessages returns the newest message of each conversation that has
	// one, in a single round trip.
	LatestMessages(ctx context.Context, conversationIDs []string) (map[string]Message, error)
}

// Directory reads conversation membership and profiles.
type Directory interface {
	ConversationsFor(ctx context.Context, userID string) ([]Conversation, error)
	Participants(ctx context.Context, conversationIDs []string) ([]Participant, error)
	Profiles(ctx context.Context, userIDs []string) ([]Profile, error)
}

// checkPayload rejects an append that carries nothing to show.
func checkPayload(p Payload) error {
	if strings.TrimSpace(p.Content) == "" && p.Attachment == nil {
		return validationError("message has no content and no attachment")
	}
	return nil
}

// afterCursor drops messages at or before c and sorts the remainder.
func afterCursor(msgs []Message, c *Cursor) []Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if c != nil && !c.Before(m.Cursor()) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return messageLess(out[i], out[j]) })
	return out
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
