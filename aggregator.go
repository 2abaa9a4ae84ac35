package connectlink

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Aggregator builds the conversation list.
type Aggregator struct {
	store    MessageStore
	dir      Directory
	resolver *Resolver
}

// NewAggregator returns an Aggregator reading from store and dir.
func NewAggregator(store MessageStore, dir Directory, logger zerolog.Logger) *Aggregator {
	return &Aggregator{store: store, dir: dir, resolver: NewResolver(dir, logger)}
}

// ListConversations returns selfUserID's conversations, most recently active
// first. It issues a fixed number of queries regardless of list length.
func (a *Aggregator) ListConversations(ctx context.Context, selfUserID string) ([]ConversationEntry, error) {
	convs, err := a.dir.ConversationsFor(ctx, selfUserID)
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return []ConversationEntry{}, nil
	}

	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	latest, err := a.store.LatestMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	identities, err := a.resolver.resolveAll(ctx, convs, selfUserID)
	if err != nil {
		return nil, err
	}

	entries := make([]ConversationEntry, 0, len(convs))
	for _, c := range convs {
		e := ConversationEntry{
			Conversation: c,
			Preview:      NoMessagesYet,
			LastActivity: c.CreatedAt,
			Identity:     identities[c.ID],
		}
		if m, ok := latest[c.ID]; ok {
			at := m.CreatedAt
			e.Preview = previewText(m)
			e.LastMessageAt = &at
			e.LastActivity = at
		}
		entries = append(entries, e)
	}
	sortEntries(entries)
	return entries, nil
}

// sortEntries orders by last activity descending, then by conversation ID.
func sortEntries(entries []ConversationEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.LastActivity.Equal(b.LastActivity) {
			return a.LastActivity.After(b.LastActivity)
		}
		return a.Conversation.ID < b.Conversation.ID
	})
}

func previewText(m Message) string {
	content := strings.TrimSpace(m.Content)
	if m.Attachment != nil && (content == "" || content == sentFileText || content == sentImageText) {
		return "📎 " + m.Attachment.Name
	}
	return content
}

// FilterEntries keeps the entries whose display name contains query,
// case-insensitively. An empty query keeps everything.
func FilterEntries(entries []ConversationEntry, query string) []ConversationEntry {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return entries
	}
	out := make([]ConversationEntry, 0, len(entries))
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Identity.Name), query) {
			out = append(out, e)
		}
	}
	return out
}
