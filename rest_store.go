package connectlink

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RESTStore implements MessageStore and Directory over the backend's
// PostgREST-style row API.
type RESTStore struct {
	client *Client
}

var (
	_ MessageStore = (*RESTStore)(nil)
	_ Directory    = (*RESTStore)(nil)
)

// ============================================================================
// Query helpers
// ============================================================================

func eq(v string) string { return "eq." + v }

func inList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return "in.(" + strings.Join(quoted, ",") + ")"
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *RESTStore) selectRows(ctx context.Context, table string, q url.Values) ([]byte, error) {
	return s.client.doRequest(ctx, request{method: http.MethodGet, path: "/rest/v1/" + table, query: q})
}

func (s *RESTStore) insertRows(ctx context.Context, table string, body any) ([]byte, error) {
	return s.client.doRequest(ctx, request{
		method: http.MethodPost,
		path:   "/rest/v1/" + table,
		body:   body,
		header: map[string]string{"Prefer": "return=representation"},
	})
}

func (s *RESTStore) rpc(ctx context.Context, fn string, args any) ([]byte, error) {
	return s.client.doRequest(ctx, request{method: http.MethodPost, path: "/rest/v1/rpc/" + fn, body: args})
}

// ============================================================================
// MessageStore
// ============================================================================

// FetchMessages pages through the log. The cursor is applied as created_at >=
// on the server and refined locally, since ties on created_at are broken by
// ID.
func (s *RESTStore) FetchMessages(ctx context.Context, conversationID string, after *Cursor) ([]Message, error) {
	pageSize := s.client.pageSize
	var all []Message
	for offset := 0; ; offset += pageSize {
		q := url.Values{}
		q.Set("conversation_id", eq(conversationID))
		q.Set("order", "created_at.asc,id.asc")
		q.Set("limit", strconv.Itoa(pageSize))
		q.Set("offset", strconv.Itoa(offset))
		if after != nil && !after.IsZero() {
			q.Set("created_at", "gte."+formatTime(after.CreatedAt))
		}

		data, err := s.selectRows(ctx, "messages", q)
		if err != nil {
			return nil, err
		}
		page, err := decodeJSON[[]Message](data)
		if err != nil {
			return nil, err
		}
		all = append(all, *page...)
		if len(*page) < pageSize {
			break
		}
	}
	return afterCursor(all, after), nil
}

// AppendMessage inserts one row and returns it as stored.
func (s *RESTStore) AppendMessage(ctx context.Context, conversationID, senderID string, p Payload) (*Message, error) {
	if err := checkPayload(p); err != nil {
		return nil, err
	}
	row := Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        p.Content,
		Attachment:     p.Attachment,
		ClientToken:    p.ClientToken,
	}
	data, err := s.insertRows(ctx, "messages", insertMessage(row))
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	if len(*rows) != 1 {
		return nil, fmt.Errorf("%w: insert returned %d rows", ErrDataIntegrity, len(*rows))
	}
	return &(*rows)[0], nil
}

// insertMessage omits the server-assigned columns.
func insertMessage(m Message) map[string]any {
	row := map[string]any{
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"content":         m.Content,
	}
	if m.Attachment != nil {
		row["attachment"] = m.Attachment
	}
	if m.ClientToken != "" {
		row["client_token"] = m.ClientToken
	}
	return row
}

// LatestMessages calls the latest_messages RPC.
func (s *RESTStore) LatestMessages(ctx context.Context, conversationIDs []string) (map[string]Message, error) {
	out := make(map[string]Message)
	ids := uniqueStrings(conversationIDs)
	if len(ids) == 0 {
		return out, nil
	}
	data, err := s.rpc(ctx, "latest_messages", map[string]any{"conversation_ids": ids})
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	for _, m := range *rows {
		if prev, ok := out[m.ConversationID]; !ok || messageLess(prev, m) {
			out[m.ConversationID] = m
		}
	}
	return out, nil
}

// ============================================================================
// Directory
// ============================================================================

func (s *RESTStore) ConversationsFor(ctx context.Context, userID string) ([]Conversation, error) {
	q := url.Values{}
	q.Set("user_id", eq(userID))
	q.Set("select", "conversation_id")
	data, err := s.selectRows(ctx, "conversation_participants", q)
	if err != nil {
		return nil, err
	}
	memberships, err := decodeJSON[[]Participant](data)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(*memberships))
	for _, p := range *memberships {
		ids = append(ids, p.ConversationID)
	}
	ids = uniqueStrings(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	q = url.Values{}
	q.Set("id", inList(ids))
	q.Set("order", "created_at.desc")
	data, err = s.selectRows(ctx, "conversations", q)
	if err != nil {
		return nil, err
	}
	convs, err := decodeJSON[[]Conversation](data)
	if err != nil {
		return nil, err
	}
	return *convs, nil
}

func (s *RESTStore) Participants(ctx context.Context, conversationIDs []string) ([]Participant, error) {
	ids := uniqueStrings(conversationIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("conversation_id", inList(ids))
	data, err := s.selectRows(ctx, "conversation_participants", q)
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]Participant](data)
	if err != nil {
		return nil, err
	}
	return *rows, nil
}

func (s *RESTStore) Profiles(ctx context.Context, userIDs []string) ([]Profile, error) {
	ids := uniqueStrings(userIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("id", inList(ids))
	data, err := s.selectRows(ctx, "profiles", q)
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]Profile](data)
	if err != nil {
		return nil, err
	}
	return *rows, nil
}

// ============================================================================
// Discovery
// ============================================================================

// DefaultSearchLimit caps SearchProfiles when no limit is given.
const DefaultSearchLimit = 20

// SearchProfiles finds other users whose display name, username or bio
// contains query, case-insensitively. An empty query lists everyone.
func (s *RESTStore) SearchProfiles(ctx context.Context, selfID, query string, limit int) ([]Profile, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	data, err := s.rpc(ctx, "search_profiles", map[string]any{
		"query":       strings.TrimSpace(query),
		"exclude_id":  selfID,
		"max_results": limit,
	})
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]Profile](data)
	if err != nil {
		return nil, err
	}
	return *rows, nil
}

// UserStats returns the counters shown on a user's profile.
func (s *RESTStore) UserStats(ctx context.Context, userID string) (*UserStats, error) {
	data, err := s.rpc(ctx, "user_stats", map[string]any{"user_id": userID})
	if err != nil {
		return nil, err
	}
	return decodeJSON[UserStats](data)
}

// StartDirectConversation returns the 1:1 conversation between selfID and
// otherID, creating it with both participant rows when none exists.
func (s *RESTStore) StartDirectConversation(ctx context.Context, selfID, otherID string) (*Conversation, bool, error) {
	if selfID == "" || otherID == "" {
		return nil, false, validationError("both user ids are required")
	}
	if selfID == otherID {
		return nil, false, validationError("cannot start a conversation with yourself")
	}

	existing, err := findDirect(ctx, s, selfID, otherID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	data, err := s.insertRows(ctx, "conversations", map[string]any{
		"is_group":   false,
		"created_by": selfID,
	})
	if err != nil {
		return nil, false, err
	}
	rows, err := decodeJSON[[]Conversation](data)
	if err != nil {
		return nil, false, err
	}
	if len(*rows) != 1 {
		return nil, false, fmt.Errorf("%w: insert returned %d rows", ErrDataIntegrity, len(*rows))
	}
	conv := (*rows)[0]

	_, err = s.insertRows(ctx, "conversation_participants", []Participant{
		{ConversationID: conv.ID, UserID: selfID},
		{ConversationID: conv.ID, UserID: otherID},
	})
	if err != nil {
		return nil, false, err
	}
	return &conv, true, nil
}

// findDirect looks for a non-group conversation whose members are exactly
// selfID and otherID.
func findDirect(ctx context.Context, dir Directory, selfID, otherID string) (*Conversation, error) {
	convs, err := dir.ConversationsFor(ctx, selfID)
	if err != nil {
		return nil, err
	}
	var direct []Conversation
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		if !c.IsGroup && c.Name == "" {
			direct = append(direct, c)
			ids = append(ids, c.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	parts, err := dir.Participants(ctx, ids)
	if err != nil {
		return nil, err
	}
	members := groupMembers(parts)
	for _, c := range direct {
		m := members[c.ID]
		if len(m) == 2 && m[selfID] && m[otherID] {
			c := c
			return &c, nil
		}
	}
	return nil, nil
}

func groupMembers(parts []Participant) map[string]map[string]bool {
	out := make(map[string]map[string]bool)
	for _, p := range parts {
		if out[p.ConversationID] == nil {
			out[p.ConversationID] = make(map[string]bool)
		}
		out[p.ConversationID][p.UserID] = true
	}
	return out
}
