package connectlink

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Placeholders
// ============================================================================

const (
	// DefaultAvatarURL is shown when a profile has no avatar.
	DefaultAvatarURL = "https://images.unsplash.com/photo-1472099645785-5658abf4ff4e?w=400&h=400&fit=crop&crop=face"
	// GroupAvatarURL is shown for conversations that carry an explicit name.
	GroupAvatarURL = "https://images.unsplash.com/photo-1522071820081-009f0129c71c?w=400&h=400&fit=crop&crop=face"

	UnknownUserName = "Unknown User"
	NoMessagesYet   = "No messages yet"
	TimestampNow    = "Now"
)

// ============================================================================
// Rows
// ============================================================================

// Conversation is a thread between two or more participants. Name is empty
// for 1:1 conversations, whose display name is derived from the other member.
type Conversation struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	IsGroup   bool      `json:"is_group"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Participant is one row of the conversation membership join table.
type Participant struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// Attachment references bytes held in the blob store.
type Attachment struct {
	Ref      string `json:"ref"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// IsImage reports whether the attachment should render inline.
func (a *Attachment) IsImage() bool {
	return a != nil && strings.HasPrefix(a.MimeType, "image/")
}

// Message is one entry of a conversation's append-only log.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	ClientToken    string      `json:"client_token,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Cursor returns the log position of m.
func (m Message) Cursor() Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// Profile is mutable identity metadata. Empty strings stand for NULL columns.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Bio         string `json:"bio,omitempty"`
	Username    string `json:"username,omitempty"`
}

// User is the authenticated account as reported by the auth service.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// UserStats mirrors the counters of the profile menu.
type UserStats struct {
	TotalConversations int `json:"total_conversations"`
	TotalMessages      int `json:"total_messages"`
}

// ============================================================================
// Ordering
// ============================================================================

// Cursor is a position in a conversation log. The zero value sorts before
// every message.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

// IsZero reports whether c points before the first message.
func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == ""
}

// Before reports whether c sorts strictly before o.
func (c Cursor) Before(o Cursor) bool {
	if !c.CreatedAt.Equal(o.CreatedAt) {
		return c.CreatedAt.Before(o.CreatedAt)
	}
	return c.ID < o.ID
}

func messageLess(a, b Message) bool {
	return a.Cursor().Before(b.Cursor())
}

// ============================================================================
// Outbound
// ============================================================================

// Payload is the body of one append operation.
type Payload struct {
	Content     string      `json:"content"`
	Attachment  *Attachment `json:"attachment,omitempty"`
	ClientToken string      `json:"client_token,omitempty"`
}

// AttachmentInput is a file selected by the user, before upload.
type AttachmentInput struct {
	Name     string
	MimeType string
	Data     []byte
}

// ============================================================================
// Presentation
// ============================================================================

// Identity is what the UI renders for a conversation header or list row.
type Identity struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	// Degraded is set when the identity is a placeholder for malformed
	// participant data.
	Degraded bool `json:"degraded,omitempty"`
}

// ConversationEntry is one row of the conversation list.
type ConversationEntry struct {
	Conversation  Conversation `json:"conversation"`
	Preview       string       `json:"preview"`
	LastMessageAt *time.Time   `json:"last_message_at,omitempty"`
	LastActivity  time.Time    `json:"last_activity"`
	Identity      Identity     `json:"identity"`
}

// TimestampLabel returns the clock label of the last message, or "Now" when
// the conversation is empty.
func (e ConversationEntry) TimestampLabel() string {
	if e.LastMessageAt == nil {
		return TimestampNow
	}
	return e.LastMessageAt.Local().Format("3:04 PM")
}

// ============================================================================
// Backend envelopes
// ============================================================================

// ChangeEvent is a row-level change delivered by a push transport. Record is
// never trusted as authoritative; it only signals that a re-read is due.
type ChangeEvent struct {
	Type            string          `json:"event"`
	Table           string          `json:"table"`
	Record          json.RawMessage `json:"record,omitempty"`
	CommitTimestamp string          `json:"commitTimestamp,omitempty"`
}
