package connectlink

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EntryStatus is the delivery state of a rendered message.
type EntryStatus string

const (
	StatusConfirmed EntryStatus = "confirmed"
	StatusPending   EntryStatus = "pending"
	StatusFailed    EntryStatus = "failed"
)

// Entry is one rendered row of a conversation view.
type Entry struct {
	Message
	Status EntryStatus `json:"status"`
	Err    error       `json:"-"`
}

type outboundEntry struct {
	token     string
	payload   Payload
	createdAt time.Time
	status    EntryStatus
	err       error

	// Only remote rows after boundary can be matched without a token. An
	// entry created before the view's first read has no boundary until
	// that read completes.
	boundary Cursor
	bounded  bool
}

func (o *outboundEntry) entry(conversationID, senderID string) Entry {
	return Entry{
		Message: Message{
			ID:             "local-" + o.token,
			ConversationID: conversationID,
			SenderID:       senderID,
			Content:        o.payload.Content,
			Attachment:     o.payload.Attachment,
			ClientToken:    o.token,
			CreatedAt:      o.createdAt,
		},
		Status: o.status,
		Err:    o.err,
	}
}

// matches reports whether remote plausibly is the stored copy of o when the
// backend did not echo the client token.
func (o *outboundEntry) matches(remote Message, senderID string) bool {
	if !o.bounded || !o.boundary.Before(remote.Cursor()) {
		return false
	}
	if remote.ClientToken != "" && remote.ClientToken != o.token {
		return false
	}
	if remote.SenderID != senderID || remote.Content != o.payload.Content {
		return false
	}
	return attachmentRef(remote.Attachment) == attachmentRef(o.payload.Attachment)
}

func attachmentRef(a *Attachment) string {
	if a == nil {
		return ""
	}
	return a.Ref
}

// LocalView is the render-ready state of one open conversation: the confirmed
// log in (CreatedAt, ID) order followed by this client's unconfirmed sends.
// It is safe for concurrent use.
type LocalView struct {
	conversationID string
	selfID         string

	mu           sync.Mutex
	confirmed    []Message
	confirmedIDs map[string]bool
	outbound     []*outboundEntry
	lastSyncedAt time.Time
	version      uint64
	now          func() time.Time

	// synced is the position through which a complete read has been merged.
	// Rows confirmed one at a time do not move it.
	synced    Cursor
	hasSynced bool
}

// NewLocalView returns an empty view of conversationID for selfID.
func NewLocalView(conversationID, selfID string) *LocalView {
	return &LocalView{
		conversationID: conversationID,
		selfID:         selfID,
		confirmedIDs:   make(map[string]bool),
		now:            time.Now,
	}
}

// ConversationID returns the conversation the view renders.
func (v *LocalView) ConversationID() string { return v.conversationID }

// ApplyOptimisticSend appends a pending entry at the tail and returns its
// correlation token. A token already set on p is kept.
func (v *LocalView) ApplyOptimisticSend(p Payload) string {
	if p.ClientToken == "" {
		p.ClientToken = uuid.NewString()
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.outbound = append(v.outbound, &outboundEntry{
		token:     p.ClientToken,
		payload:   p,
		createdAt: v.now(),
		status:    StatusPending,
		boundary:  v.synced,
		bounded:   v.hasSynced,
	})
	v.version++
	return p.ClientToken
}

// Reconcile merges a complete read of the log after SyncedThrough into the
// view. Unsent entries are matched first by client token, then by sender,
// content and attachment against rows positioned after the last complete read
// that preceded the send. Confirmed messages are never dropped, so replaying
// the same read is harmless and the number of rows never shrinks.
func (v *LocalView) Reconcile(remote []Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	defer v.advance(remote)

	var fresh []Message
	seen := make(map[string]bool, len(remote))
	for _, m := range remote {
		if m.ID == "" || v.confirmedIDs[m.ID] || seen[m.ID] {
			continue
		}
		if m.ConversationID != "" && m.ConversationID != v.conversationID {
			continue
		}
		seen[m.ID] = true
		fresh = append(fresh, m)
	}
	v.lastSyncedAt = v.now()
	if len(fresh) == 0 {
		return
	}
	sort.Slice(fresh, func(i, j int) bool { return messageLess(fresh[i], fresh[j]) })

	consumed := make(map[string]string)
	matched := make(map[*outboundEntry]bool)

	byToken := make(map[string]string)
	for _, m := range fresh {
		if m.ClientToken != "" {
			byToken[m.ClientToken] = m.ID
		}
	}
	for _, o := range v.outbound {
		if id, ok := byToken[o.token]; ok && consumed[id] == "" {
			consumed[id] = o.token
			matched[o] = true
		}
	}
	for _, o := range v.outbound {
		if matched[o] {
			continue
		}
		for _, m := range fresh {
			if consumed[m.ID] != "" || !o.matches(m, v.selfID) {
				continue
			}
			consumed[m.ID] = o.token
			matched[o] = true
			break
		}
	}

	if len(matched) > 0 {
		kept := v.outbound[:0]
		for _, o := range v.outbound {
			if !matched[o] {
				kept = append(kept, o)
			}
		}
		for i := len(kept); i < len(v.outbound); i++ {
			v.outbound[i] = nil
		}
		v.outbound = kept
	}

	for i := range fresh {
		if fresh[i].ClientToken == "" {
			fresh[i].ClientToken = consumed[fresh[i].ID]
		}
		v.confirmedIDs[fresh[i].ID] = true
	}
	v.confirmed = mergeSorted(v.confirmed, fresh)
	v.version++
}

// advance moves the synced position past remote and gives entries sent
// before the first read their boundary.
func (v *LocalView) advance(remote []Message) {
	for _, m := range remote {
		if m.ConversationID != "" && m.ConversationID != v.conversationID {
			continue
		}
		if v.synced.Before(m.Cursor()) {
			v.synced = m.Cursor()
		}
	}
	v.hasSynced = true
	for _, o := range v.outbound {
		if !o.bounded {
			o.boundary = v.synced
			o.bounded = true
		}
	}
}

// Confirm records stored as the backend's copy of the send with the given
// token. Unlike Reconcile it leaves SyncedThrough alone, since rows written
// before stored may not have been read yet.
func (v *LocalView) Confirm(token string, stored Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	changed := false
	for i, o := range v.outbound {
		if o.token == token {
			v.outbound = append(v.outbound[:i], v.outbound[i+1:]...)
			changed = true
			break
		}
	}
	ours := stored.ConversationID == "" || stored.ConversationID == v.conversationID
	if ours && stored.ID != "" && !v.confirmedIDs[stored.ID] {
		if stored.ClientToken == "" {
			stored.ClientToken = token
		}
		v.confirmedIDs[stored.ID] = true
		v.confirmed = mergeSorted(v.confirmed, []Message{stored})
		changed = true
	}
	if changed {
		v.version++
	}
}

func mergeSorted(a, b []Message) []Message {
	out := make([]Message, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if messageLess(b[j], a[i]) {
			out = append(out, b[j])
			j++
		} else {
			out = append(out, a[i])
			i++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

func (v *LocalView) find(token string) (*outboundEntry, error) {
	for _, o := range v.outbound {
		if o.token == token {
			return o, nil
		}
	}
	return nil, fmt.Errorf("%w: no unsent message %s", ErrNotFound, token)
}

// MarkFailed flags an unsent entry as failed. It reports false when the entry
// is already confirmed or unknown.
func (v *LocalView) MarkFailed(token string, err error) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ferr := v.find(token)
	if ferr != nil {
		return false
	}
	if err == nil {
		err = errors.New("send failed")
	}
	o.status = StatusFailed
	o.err = err
	v.version++
	return true
}

// MarkSending moves a failed entry back to pending and returns the payload to
// send again.
func (v *LocalView) MarkSending(token string) (Payload, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, err := v.find(token)
	if err != nil {
		return Payload{}, err
	}
	if o.status != StatusFailed {
		return Payload{}, validationError("message %s is %s, only failed messages can be retried", token, o.status)
	}
	o.status = StatusPending
	o.err = nil
	v.version++
	return o.payload, nil
}

// Discard removes a failed entry. Pending entries cannot be discarded.
func (v *LocalView) Discard(token string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, o := range v.outbound {
		if o.token != token {
			continue
		}
		if o.status != StatusFailed {
			return validationError("message %s is %s, only failed messages can be discarded", token, o.status)
		}
		v.outbound = append(v.outbound[:i], v.outbound[i+1:]...)
		v.version++
		return nil
	}
	return fmt.Errorf("%w: no unsent message %s", ErrNotFound, token)
}

// Messages returns a snapshot: confirmed messages, then unsent entries in send
// order.
func (v *LocalView) Messages() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Entry, 0, len(v.confirmed)+len(v.outbound))
	for _, m := range v.confirmed {
		out = append(out, Entry{Message: m, Status: StatusConfirmed})
	}
	for _, o := range v.outbound {
		out = append(out, o.entry(v.conversationID, v.selfID))
	}
	return out
}

// Status returns the state of the entry with the given client token.
func (v *LocalView) Status(token string) (EntryStatus, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if o, err := v.find(token); err == nil {
		return o.status, true
	}
	for _, m := range v.confirmed {
		if m.ClientToken == token {
			return StatusConfirmed, true
		}
	}
	return "", false
}

// Cursor returns the position of the last confirmed message.
func (v *LocalView) Cursor() Cursor {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.confirmed) == 0 {
		return Cursor{}
	}
	return v.confirmed[len(v.confirmed)-1].Cursor()
}

// SyncedThrough returns the position through which complete reads have been
// merged. Re-reads start from here.
func (v *LocalView) SyncedThrough() Cursor {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.synced
}

// LastSyncedAt returns when Reconcile last ran.
func (v *LocalView) LastSyncedAt() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastSyncedAt
}

// Version increases on every visible change.
func (v *LocalView) Version() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.version
}

// SenderIDs returns the distinct senders of confirmed messages.
func (v *LocalView) SenderIDs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	ids := make([]string, 0, len(v.confirmed))
	for _, m := range v.confirmed {
		ids = append(ids, m.SenderID)
	}
	return uniqueStrings(ids)
}
