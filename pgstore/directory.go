package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/SiamRahamanDhrubo/connectlink"
)

const conversationColumns = `c.id, COALESCE(c.name, ''), c.is_group, COALESCE(c.created_by, ''), c.created_at`

func scanConversation(row pgx.Row) (connectlink.Conversation, error) {
	var c connectlink.Conversation
	err := row.Scan(&c.ID, &c.Name, &c.IsGroup, &c.CreatedBy, &c.CreatedAt)
	c.CreatedAt = c.CreatedAt.UTC()
	return c, err
}

// ConversationsFor returns the conversations userID participates in, newest
// first.
func (s *Store) ConversationsFor(ctx context.Context, userID string) ([]connectlink.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1
		ORDER BY c.created_at DESC, c.id
	`, userID)
	if err != nil {
		return nil, classify("conversations", err)
	}
	defer rows.Close()

	var out []connectlink.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, classify("conversations", err)
		}
		out = append(out, c)
	}
	return out, classify("conversations", rows.Err())
}

func (s *Store) Participants(ctx context.Context, conversationIDs []string) ([]connectlink.Participant, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT conversation_id, user_id
		FROM conversation_participants
		WHERE conversation_id = ANY($1)
		ORDER BY conversation_id, joined_at, user_id
	`, conversationIDs)
	if err != nil {
		return nil, classify("participants", err)
	}
	defer rows.Close()

	var out []connectlink.Participant
	for rows.Next() {
		var p connectlink.Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID); err != nil {
			return nil, classify("participants", err)
		}
		out = append(out, p)
	}
	return out, classify("participants", rows.Err())
}

const profileColumns = `id, COALESCE(display_name, ''), COALESCE(avatar_url, ''), COALESCE(bio, ''), COALESCE(username, '')`

func collectProfiles(rows pgx.Rows) ([]connectlink.Profile, error) {
	defer rows.Close()
	var out []connectlink.Profile
	for rows.Next() {
		var p connectlink.Profile
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.AvatarURL, &p.Bio, &p.Username); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) Profiles(ctx context.Context, userIDs []string) ([]connectlink.Profile, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ANY($1) ORDER BY id`, userIDs)
	if err != nil {
		return nil, classify("profiles", err)
	}
	out, err := collectProfiles(rows)
	return out, classify("profiles", err)
}

// UpsertProfile creates or replaces a profile row.
func (s *Store) UpsertProfile(ctx context.Context, p connectlink.Profile) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profiles (id, display_name, avatar_url, bio, username)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''))
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			avatar_url   = EXCLUDED.avatar_url,
			bio          = EXCLUDED.bio,
			username     = EXCLUDED.username
	`, p.ID, p.DisplayName, p.AvatarURL, p.Bio, p.Username)
	return classify("upsert profile", err)
}

// likePattern escapes LIKE metacharacters in q and wraps it for a contains
// match.
func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(q) + "%"
}

// SearchProfiles finds profiles other than selfID whose display name,
// username or bio contains query.
func (s *Store) SearchProfiles(ctx context.Context, selfID, query string, limit int) ([]connectlink.Profile, error) {
	if limit <= 0 {
		limit = connectlink.DefaultSearchLimit
	}
	pattern := likePattern(strings.TrimSpace(query))
	rows, err := s.pool.Query(ctx, `
		SELECT `+profileColumns+`
		FROM profiles
		WHERE id <> $1
		  AND (display_name ILIKE $2 OR username ILIKE $2 OR bio ILIKE $2 OR $2 = '%%')
		ORDER BY display_name NULLS LAST, id
		LIMIT $3
	`, selfID, pattern, limit)
	if err != nil {
		return nil, classify("search profiles", err)
	}
	out, err := collectProfiles(rows)
	return out, classify("search profiles", err)
}

// UserStats counts the conversations userID is in and the messages they sent.
func (s *Store) UserStats(ctx context.Context, userID string) (*connectlink.UserStats, error) {
	var st connectlink.UserStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM conversation_participants WHERE user_id = $1),
			(SELECT count(*) FROM messages WHERE sender_id = $1)
	`, userID).Scan(&st.TotalConversations, &st.TotalMessages)
	if err != nil {
		return nil, classify("user stats", err)
	}
	return &st, nil
}

// StartDirectConversation returns the 1:1 conversation of selfID and otherID,
// creating it in one transaction when none exists.
func (s *Store) StartDirectConversation(ctx context.Context, selfID, otherID string) (*connectlink.Conversation, bool, error) {
	if selfID == "" || otherID == "" {
		return nil, false, fmt.Errorf("%w: both user ids are required", connectlink.ErrValidation)
	}
	if selfID == otherID {
		return nil, false, fmt.Errorf("%w: cannot start a conversation with yourself", connectlink.ErrValidation)
	}

	var (
		conv    connectlink.Conversation
		created bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Serialize concurrent starts for the same pair.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext(least($1, $2) || ':' || greatest($1, $2)))`, selfID, otherID); err != nil {
			return err
		}
		var err error
		conv, err = scanConversation(tx.QueryRow(ctx, `
			SELECT `+conversationColumns+`
			FROM conversations c
			WHERE NOT c.is_group AND COALESCE(c.name, '') = ''
			  AND EXISTS (SELECT 1 FROM conversation_participants WHERE conversation_id = c.id AND user_id = $1)
			  AND EXISTS (SELECT 1 FROM conversation_participants WHERE conversation_id = c.id AND user_id = $2)
			  AND (SELECT count(*) FROM conversation_participants WHERE conversation_id = c.id) = 2
			ORDER BY c.created_at
			LIMIT 1
		`, selfID, otherID))
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		conv, err = scanConversation(tx.QueryRow(ctx, `
			INSERT INTO conversations AS c (is_group, created_by) VALUES (false, $1)
			RETURNING `+conversationColumns, selfID))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2), ($1, $3)
		`, conv.ID, selfID, otherID); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, classify("start conversation", err)
	}
	if created {
		s.logger.Info().Str("conversation", conv.ID).Str("with", otherID).Msg("direct conversation created")
	}
	return &conv, created, nil
}
