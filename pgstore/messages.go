package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/SiamRahamanDhrubo/connectlink"
)

const messageColumns = `id, conversation_id, sender_id, content, attachment, COALESCE(client_token, ''), created_at`

func scanMessage(row pgx.Row) (connectlink.Message, error) {
	var (
		m   connectlink.Message
		att []byte
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &att, &m.ClientToken, &m.CreatedAt); err != nil {
		return m, err
	}
	if len(att) > 0 {
		m.Attachment = &connectlink.Attachment{}
		if err := json.Unmarshal(att, m.Attachment); err != nil {
			return m, fmt.Errorf("%w: message %s attachment: %v", connectlink.ErrDataIntegrity, m.ID, err)
		}
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func collectMessages(rows pgx.Rows) ([]connectlink.Message, error) {
	defer rows.Close()
	var out []connectlink.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FetchMessages pages through the log with keyset pagination on
// (created_at, id).
func (s *Store) FetchMessages(ctx context.Context, conversationID string, after *connectlink.Cursor) ([]connectlink.Message, error) {
	var cur connectlink.Cursor
	if after != nil {
		cur = *after
	}
	var all []connectlink.Message
	for {
		var (
			rows pgx.Rows
			err  error
		)
		if cur.IsZero() {
			rows, err = s.pool.Query(ctx, `
				SELECT `+messageColumns+`
				FROM messages
				WHERE conversation_id = $1
				ORDER BY created_at, id
				LIMIT $2
			`, conversationID, s.pageSize)
		} else {
			rows, err = s.pool.Query(ctx, `
				SELECT `+messageColumns+`
				FROM messages
				WHERE conversation_id = $1 AND (created_at, id) > ($2, $3)
				ORDER BY created_at, id
				LIMIT $4
			`, conversationID, cur.CreatedAt, cur.ID, s.pageSize)
		}
		if err != nil {
			return nil, classify("fetch messages", err)
		}
		page, err := collectMessages(rows)
		if err != nil {
			return nil, classify("fetch messages", err)
		}
		all = append(all, page...)
		if len(page) < s.pageSize {
			return all, nil
		}
		cur = page[len(page)-1].Cursor()
	}
}

// AppendMessage inserts a message if senderID participates in the
// conversation. A repeated client token returns the row stored the first
// time.
func (s *Store) AppendMessage(ctx context.Context, conversationID, senderID string, p connectlink.Payload) (*connectlink.Message, error) {
	if strings.TrimSpace(p.Content) == "" && p.Attachment == nil {
		return nil, fmt.Errorf("%w: empty message", connectlink.ErrValidation)
	}
	var att any
	if p.Attachment != nil {
		data, err := json.Marshal(p.Attachment)
		if err != nil {
			return nil, err
		}
		att = string(data)
	}

	m, err := scanMessage(s.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, sender_id, content, attachment, client_token)
		SELECT $1, $2, $3, $4::jsonb, NULLIF($5, '')
		WHERE EXISTS (
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2
		)
		ON CONFLICT (sender_id, client_token) DO NOTHING
		RETURNING `+messageColumns,
		conversationID, senderID, p.Content, att, p.ClientToken))
	if err == nil {
		return &m, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, classify("append message", err)
	}

	// Nothing inserted: either a replay of a stored token or a non-member.
	if p.ClientToken != "" {
		m, err := scanMessage(s.pool.QueryRow(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = $1 AND sender_id = $2 AND client_token = $3
		`, conversationID, senderID, p.ClientToken))
		if err == nil {
			s.logger.Debug().Str("token", p.ClientToken).Msg("append replayed")
			return &m, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, classify("append message", err)
		}
	}
	return nil, fmt.Errorf("append message: %w: %s is not a participant of %s", connectlink.ErrAuth, senderID, conversationID)
}

// LatestMessages returns the newest message of each conversation in one
// query.
func (s *Store) LatestMessages(ctx context.Context, conversationIDs []string) (map[string]connectlink.Message, error) {
	out := make(map[string]connectlink.Message)
	if len(conversationIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (conversation_id) `+messageColumns+`
		FROM messages
		WHERE conversation_id = ANY($1)
		ORDER BY conversation_id, created_at DESC, id DESC
	`, conversationIDs)
	if err != nil {
		return nil, classify("latest messages", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, classify("latest messages", err)
	}
	for _, m := range msgs {
		out[m.ConversationID] = m
	}
	return out, nil
}
