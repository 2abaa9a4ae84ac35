package devserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/SiamRahamanDhrubo/connectlink"
)

// tsLayout is fixed width so that timestamps sort correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) (time.Time, error) {
	if t, err := time.Parse(tsLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

var errDuplicate = errors.New("duplicate row")

// db is the SQLite storage of the dev server. One connection serializes all
// access, so rows must be closed before the next statement runs.
type db struct {
	*sql.DB
	now func() time.Time
	// last guarantees strictly increasing message timestamps.
	last time.Time
}

func openDB(path string) (*db, error) {
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("error creating database directory: %w", err)
		}
		path += "?_foreign_keys=on"
	}
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}
	d := &db{DB: sqlDB, now: time.Now}
	if err := d.initSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("error initializing schema: %w", err)
	}
	return d, nil
}

func (d *db) initSchema() error {
	queries := []string{
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			display_name TEXT,
			avatar_url TEXT,
			bio TEXT,
			username TEXT,
			email TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			name TEXT,
			is_group INTEGER NOT NULL DEFAULT 0,
			created_by TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			joined_at TEXT NOT NULL,
			PRIMARY KEY (conversation_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			attachment TEXT,
			client_token TEXT,
			created_at TEXT NOT NULL,
			UNIQUE (sender_id, client_token)
		)`,
		`CREATE INDEX IF NOT EXISTS messages_log ON messages (conversation_id, created_at, id)`,
		`CREATE TABLE IF NOT EXISTS blobs (
			bucket TEXT NOT NULL,
			name TEXT NOT NULL,
			content_type TEXT NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (bucket, name)
		)`,
	}
	for _, q := range queries {
		if _, err := d.Exec(q); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

// stamp returns the next message timestamp.
func (d *db) stamp() time.Time {
	t := d.now().UTC()
	if !t.After(d.last) {
		t = d.last.Add(time.Microsecond)
	}
	d.last = t
	return t
}

// ============================================================================
// Rows
// ============================================================================

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type scanner interface {
	Scan(dest ...any) error
}

const messageCols = `id, conversation_id, sender_id, content, attachment, client_token, created_at`

func scanMessage(row scanner) (connectlink.Message, error) {
	var (
		m          connectlink.Message
		att, token sql.NullString
		createdAt  string
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &att, &token, &createdAt); err != nil {
		return m, err
	}
	m.ClientToken = token.String
	if att.Valid && att.String != "" {
		m.Attachment = &connectlink.Attachment{}
		if err := json.Unmarshal([]byte(att.String), m.Attachment); err != nil {
			return m, err
		}
	}
	var err error
	m.CreatedAt, err = parseTS(createdAt)
	return m, err
}

func collectMessages(rows *sql.Rows) ([]connectlink.Message, error) {
	defer rows.Close()
	out := []connectlink.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const conversationCols = `id, name, is_group, created_by, created_at`

func scanConversation(row scanner) (connectlink.Conversation, error) {
	var (
		c               connectlink.Conversation
		name, createdBy sql.NullString
		createdAt       string
	)
	if err := row.Scan(&c.ID, &name, &c.IsGroup, &createdBy, &createdAt); err != nil {
		return c, err
	}
	c.Name, c.CreatedBy = name.String, createdBy.String
	var err error
	c.CreatedAt, err = parseTS(createdAt)
	return c, err
}

const profileCols = `id, display_name, avatar_url, bio, username`

func collectProfiles(rows *sql.Rows) ([]connectlink.Profile, error) {
	defer rows.Close()
	out := []connectlink.Profile{}
	for rows.Next() {
		var (
			p                           connectlink.Profile
			name, avatar, bio, username sql.NullString
		)
		if err := rows.Scan(&p.ID, &name, &avatar, &bio, &username); err != nil {
			return nil, err
		}
		p.DisplayName, p.AvatarURL, p.Bio, p.Username = name.String, avatar.String, bio.String, username.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func collectParticipants(rows *sql.Rows) ([]connectlink.Participant, error) {
	defer rows.Close()
	out := []connectlink.Participant{}
	for rows.Next() {
		var p connectlink.Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ============================================================================
// Writes
// ============================================================================

// ensureProfile creates the profile row of a user on first sight.
func (d *db) ensureProfile(ctx context.Context, id, email, name string) error {
	username := strings.SplitN(email, "@", 2)[0]
	_, err := d.ExecContext(ctx, `
		INSERT INTO profiles (id, display_name, username, email) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, id, nullable(name), nullable(username), nullable(email))
	return err
}

func (d *db) upsertProfile(ctx context.Context, p connectlink.Profile) error {
	_, err := d.ExecContext(ctx, `
		INSERT INTO profiles (id, display_name, avatar_url, bio, username) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			bio = excluded.bio,
			username = excluded.username
	`, p.ID, nullable(p.DisplayName), nullable(p.AvatarURL), nullable(p.Bio), nullable(p.Username))
	return err
}

func (d *db) isParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var n int
	err := d.QueryRowContext(ctx, `
		SELECT count(*) FROM conversation_participants WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID).Scan(&n)
	return n > 0, err
}

func (d *db) members(ctx context.Context, conversationID string) (map[string]bool, error) {
	rows, err := d.QueryContext(ctx, `SELECT conversation_id, user_id FROM conversation_participants WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, err
	}
	parts, err := collectParticipants(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(parts))
	for _, p := range parts {
		out[p.UserID] = true
	}
	return out, nil
}

func (d *db) conversation(ctx context.Context, id string) (*connectlink.Conversation, error) {
	c, err := scanConversation(d.QueryRowContext(ctx, `SELECT `+conversationCols+` FROM conversations WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (d *db) insertMessage(ctx context.Context, m connectlink.Message) (connectlink.Message, error) {
	if m.ClientToken != "" {
		existing, err := scanMessage(d.QueryRowContext(ctx, `
			SELECT `+messageCols+` FROM messages WHERE sender_id = ? AND client_token = ?
		`, m.SenderID, m.ClientToken))
		if err == nil {
			return existing, errDuplicate
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return m, err
		}
	}
	var att any
	if m.Attachment != nil {
		data, err := json.Marshal(m.Attachment)
		if err != nil {
			return m, err
		}
		att = string(data)
	}
	m.ID = uuid.NewString()
	m.CreatedAt = d.stamp()
	_, err := d.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, attachment, client_token, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, m.SenderID, m.Content, att, nullable(m.ClientToken), formatTS(m.CreatedAt))
	return m, err
}

func (d *db) insertConversation(ctx context.Context, c connectlink.Conversation) (connectlink.Conversation, error) {
	c.ID = uuid.NewString()
	c.CreatedAt = d.now().UTC()
	_, err := d.ExecContext(ctx, `
		INSERT INTO conversations (id, name, is_group, created_by, created_at) VALUES (?, ?, ?, ?, ?)
	`, c.ID, nullable(c.Name), c.IsGroup, nullable(c.CreatedBy), formatTS(c.CreatedAt))
	return c, err
}

func (d *db) insertParticipant(ctx context.Context, p connectlink.Participant) error {
	_, err := d.ExecContext(ctx, `
		INSERT INTO conversation_participants (conversation_id, user_id, joined_at) VALUES (?, ?, ?)
	`, p.ConversationID, p.UserID, formatTS(d.now()))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return errDuplicate
	}
	return err
}

// ============================================================================
// Blobs
// ============================================================================

func (d *db) putBlob(ctx context.Context, bucket, name, contentType string, data []byte, upsert bool) error {
	q := `INSERT INTO blobs (bucket, name, content_type, data) VALUES (?, ?, ?, ?)`
	if upsert {
		q += ` ON CONFLICT (bucket, name) DO UPDATE SET content_type = excluded.content_type, data = excluded.data`
	}
	_, err := d.ExecContext(ctx, q, bucket, name, contentType, data)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return errDuplicate
	}
	return err
}

func (d *db) getBlob(ctx context.Context, bucket, name string) (string, []byte, error) {
	var (
		contentType string
		data        []byte
	)
	err := d.QueryRowContext(ctx, `SELECT content_type, data FROM blobs WHERE bucket = ? AND name = ?`, bucket, name).Scan(&contentType, &data)
	return contentType, data, err
}
