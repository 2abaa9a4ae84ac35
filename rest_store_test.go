package connectlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  map[string]string
	Header http.Header
	Body   []byte
}

// recorder serves canned responses per "METHOD /path" and records requests.
type recorder struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(w http.ResponseWriter, r recordedRequest)
}

func (rec *recorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	q := make(map[string]string)
	for k, v := range r.URL.Query() {
		q[k] = v[0]
	}
	req := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: q, Header: r.Header.Clone(), Body: body}
	rec.mu.Lock()
	rec.requests = append(rec.requests, req)
	rec.mu.Unlock()
	rec.handler(w, req)
}

func (rec *recorder) all() []recordedRequest {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]recordedRequest(nil), rec.requests...)
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r recordedRequest), opts ...ClientOption) (*Client, *recorder) {
	t.Helper()
	rec := &recorder{handler: handler}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "anon-key", opts...), rec
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ============================================================================
// Request plumbing
// ============================================================================

func TestClientHeaders(t *testing.T) {
	handler := func(w http.ResponseWriter, r recordedRequest) { writeJSON(w, 200, []Participant{}) }

	t.Run("anon key as bearer without session", func(t *testing.T) {
		c, rec := newTestClient(t, handler)
		if _, err := c.Store().Participants(context.Background(), []string{"c1"}); err != nil {
			t.Fatal(err)
		}
		h := rec.all()[0].Header
		if h.Get("apikey") != "anon-key" || h.Get("Authorization") != "Bearer anon-key" {
			t.Errorf("unexpected headers %v", h)
		}
	})

	t.Run("access token as bearer", func(t *testing.T) {
		c, rec := newTestClient(t, handler, WithAccessToken("user-jwt"))
		c.Store().Participants(context.Background(), []string{"c1"})
		if got := rec.all()[0].Header.Get("Authorization"); got != "Bearer user-jwt" {
			t.Errorf("expected user token, got %q", got)
		}
	})
}

func TestClientErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		body   string
		target error
	}{
		{401, `{"code":"PGRST301","message":"JWT expired"}`, ErrAuth},
		{403, `{"message":"new row violates row-level security policy"}`, ErrAuth},
		{400, `{"message":"bad filter"}`, ErrValidation},
		{409, `{"message":"duplicate key"}`, ErrValidation},
		{404, ``, ErrNotFound},
		{503, `upstream unavailable`, ErrTransientIO},
		{429, `{}`, ErrTransientIO},
	}
	for _, tc := range cases {
		t.Run(strconv.Itoa(tc.status), func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r recordedRequest) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			})
			_, err := c.Store().Profiles(context.Background(), []string{"u1"})
			if !errors.Is(err, tc.target) {
				t.Fatalf("expected %v, got %v", tc.target, err)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Status != tc.status || apiErr.Message == "" {
				t.Errorf("unexpected api error %#v", apiErr)
			}
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		c := NewClient(srv.URL, "k", WithTimeout(time.Second))
		_, err := c.Store().Profiles(context.Background(), []string{"u1"})
		if !IsRetryable(err) {
			t.Errorf("expected transient error, got %v", err)
		}
	})
}

func TestAPIErrorIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &APIError{Status: 500, Message: "boom"})
	if !errors.Is(err, ErrTransientIO) || errors.Is(err, ErrAuth) || errors.Is(err, ErrValidation) {
		t.Errorf("500 should only be transient")
	}
	if got := (&APIError{Status: 400, Code: "22P02", Message: "bad uuid"}).Error(); got != "22P02: bad uuid" {
		t.Errorf("unexpected message %q", got)
	}
}

// ============================================================================
// MessageStore
// ============================================================================

func TestRESTFetchMessagesPaging(t *testing.T) {
	var rows []Message
	for i := 1; i <= 5; i++ {
		rows = append(rows, msg(fmt.Sprintf("m%d", i), "bob", fmt.Sprint(i), i))
	}
	c, rec := newTestClient(t, func(w http.ResponseWriter, r recordedRequest) {
		offset, _ := strconv.Atoi(r.Query["offset"])
		limit, _ := strconv.Atoi(r.Query["limit"])
		end := offset + limit
		if end > len(rows) {
			end = len(rows)
		}
		writeJSON(w, 200, rows[offset:end])
	}, WithPageSize(2))

	got, err := c.Store().FetchMessages(context.Background(), "c1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(got))
	}
	reqs := rec.all()
	if len(reqs) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(reqs))
	}
	q := reqs[0].Query
	if q["conversation_id"] != "eq.c1" || q["order"] != "created_at.asc,id.asc" || q["limit"] != "2" {
		t.Errorf("unexpected query %v", q)
	}
	if _, ok := q["created_at"]; ok {
		t.Error("no cursor filter expected on a full read")
	}
}

func TestRESTFetchMessagesAfterCursor(t *testing.T) {
	rows := []Message{msg("m1", "bob", "a", 1), msg("m2", "bob", "b", 1), msg("m3", "bob", "c", 2)}
	c, rec := newTestClient(t, func(w http.ResponseWriter, r recordedRequest) {
		writeJSON(w, 200, rows)
	})

	after := rows[0].Cursor()
	got, err := c.Store().FetchMessages(context.Background(), "c1", &after)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "m2" || got[1].ID != "m3" {
		t.Errorf("expected m2 and m3, got %+v", got)
	}
	if q := rec.all()[0].Query["created_at"]; q != "gte.2026-03-01T09:00:01Z" {
		t.Errorf("unexpected cursor filter %q", q)
	}
}

func TestRESTAppendMessage(t *testing.T) {
	c, rec := newTestClient(t, func(w http.ResponseWriter, r recordedRequest) {
		var row map[string]any
		json.Unmarshal(r.Body, &row)
		writeJSON(w, 201, []map[string]any{{
			"id": "m9", "conversation_id": row["conversation_id"], "sender_id": row["sender_id"],
			"content": row["content"], "client_token": row["client_token"], "created_at": testEpoch,
		}})
	})

	stored, err := c.Store().AppendMessage(context.Background(), "c1", "alice", Payload{Content: "hi", ClientToken: "tok"})
	if err != nil {
		t.Fatal(err)
	}
	if stored.ID != "m9" || stored.ClientToken != "tok" || !stored.CreatedAt.Equal(testEpoch) {
		t.Errorf("unexpected stored row %+v", stored)
	}

	req := rec.all()[0]
	if req.Method != http.MethodPost || req.Path != "/rest/v1/messages" {
		t.Errorf("unexpected request %s %s", req.Method, req.Path)
	}
	if req.Header.Get("Prefer") != "return=representation" {
		t.Error("missing Prefer header")
	}
	var body map[string]any
	json.Unmarshal(req.Body, &body)
	if _, ok := body["id"]; ok {
		t.Error("server-assigned id must not be sent")
	}
	if _, ok := body["created_at"]; ok {
		t.Error("server-assigned timestamp must not be sent")
	}

	t.Run("rejects empty payload locally", func(t *testing.T) {
		before := len(rec.all())
		_, err := c.Store().AppendMessage(context.Background(), "c1", "alice", Payload{Content: " "})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
		if len(rec.all()) != before {
			t.Error("no request expected")
		}
	})
}

func TestRESTLatestMessages(t *testing.T) {
	c, rec := newTestClient(t, func(w http.ResponseWriter, r recordedRequest) {
		writeJSON(w, 200, []Message{
			{ID: "m1", ConversationID: "c1", CreatedAt: testEpoch},
			{ID: "m2", ConversationID: "c2", CreatedAt: testEpoch.Add(time.Minute)},
		})
	})
	latest, err := c.Store().LatestMessages(context.Background(), []string{"c1", "c2", "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if latest["c1"].ID != "m1" || latest["c2"].ID != "m2" {
		t.Errorf("unexpected latest %+v", latest)
	}
	req := rec.all()[0]
	if req.Path != "/rest/v1/rpc/latest_messages" {
		t.Errorf("unexpected path %s", req.Path)
	}
	var args struct {
		IDs []string `json:"conversation_ids"`
	}
	json.Unmarshal(req.Body, &args)
	if len(args.IDs) != 2 {
		t.Errorf("expected deduplicated ids, got %v", args.IDs)
	}

	t.Run("no ids no request", func(t *testing.T) {
		n := len(rec.all())
		out, err := c.Store().LatestMessages(context.Background(), nil)
		if err != nil || len(out) != 0 || len(rec.all()) != n {
			t.Errorf("expected empty result without request")
		}
	})
}

// ============================================================================
// Directory
// ============================================================================

func TestRESTConversationsFor(t *testing.T) {
	c, rec := newTestClient(t, func(w http.ResponseWriter, r recordedRequest) {
		switch r.Path {
		case "/rest/v1/conversation_participants":
			writeJSON(w, 200, []Participant{{ConversationID: "c1"}, {ConversationID: "c2"}})
		case "/rest/v1/conversations":
			writeJSON(w, 200, []Conversation{{ID: "c2"}, {ID: "c1"}})
		}
	})
	convs, err := c.Store().ConversationsFor(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	reqs := rec.all()
	if reqs[0].Query["user_id"] != "eq.alice" {
		t.Errorf("unexpected membership query %v", reqs[0].Query)
	}
	if reqs[1].Query["id"] != `in.("c1","c2")` {
		t.Errorf("unexpected conversation filter %q", reqs[1].Query["id"])
	}
}

func TestRESTStartDirectConversation(t *testing.T) {
	t.Run("existing", func(t *testing.T) {
		c, rec := newTestClient(t, func(w http.ResponseWriter, r recordedRequest) {
			switch {
			case r.Path == "/rest/v1/conversations":
				writeJSON(w, 200, []Conversation{{ID: "group", Name: "Team", IsGroup: true}, {ID: "dm"}})
			case r.Path == "/rest/v1/conversation_participants" && r.Query["select"] == "conversation_id":
				writeJSON(w, 200, []Participant{{ConversationID: "group"}, {ConversationID: "dm"}})
			default:
				writeJSON(w, 200, []Participant{
					{ConversationID: "dm", UserID: "alice"},
					{ConversationID: "dm", UserID: "bob"},
				})
			}
		})
		conv, created, err := c.Store().StartDirectConversation(context.Background(), "alice", "bob")
		if err != nil {
			t.Fatal(err)
		}
		if created || conv.ID != "dm" {
			t.Errorf("expected existing dm, got %+v created=%v", conv, created)
		}
		for _, r := range rec.all() {
			if r.Method == http.MethodPost {
				t.Error("nothing should be inserted")
			}
		}
	})

	t.Run("create", func(t *testing.T) {
		c, rec := newTestClient(t, func(w http.ResponseWriter, r recordedRequest) {
			switch {
			case r.Method == http.MethodPost && r.Path == "/rest/v1/conversations":
				writeJSON(w, 201, []Conversation{{ID: "new", CreatedBy: "alice"}})
			case r.Method == http.MethodPost:
				w.WriteHeader(201)
				io.WriteString(w, "[]")
			default:
				writeJSON(w, 200, []Participant{})
			}
		})
		conv, created, err := c.Store().StartDirectConversation(context.Background(), "alice", "bob")
		if err != nil {
			t.Fatal(err)
		}
		if !created || conv.ID != "new" {
			t.Errorf("expected new conversation, got %+v", conv)
		}
		last := rec.all()[len(rec.all())-1]
		var parts []Participant
		json.Unmarshal(last.Body, &parts)
		if last.Path != "/rest/v1/conversation_participants" || len(parts) != 2 {
			t.Errorf("expected both participant rows, got %s %s", last.Path, last.Body)
		}
	})

	t.Run("self", func(t *testing.T) {
		c, _ := newTestClient(t, nil)
		if _, _, err := c.Store().StartDirectConversation(context.Background(), "alice", "alice"); !errors.Is(err, ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})
}

func TestRESTSearchProfiles(t *testing.T) {
	c, rec := newTestClient(t, func(w http.ResponseWriter, r recordedRequest) {
		writeJSON(w, 200, []Profile{{ID: "bob", DisplayName: "Bob"}})
	})
	got, err := c.Store().SearchProfiles(context.Background(), "alice", "  bo ", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(got))
	}
	var args map[string]any
	json.Unmarshal(rec.all()[0].Body, &args)
	if args["query"] != "bo" || args["exclude_id"] != "alice" || args["max_results"] != float64(DefaultSearchLimit) {
		t.Errorf("unexpected rpc args %v", args)
	}
}

// ============================================================================
// Auth
// ============================================================================

func TestAuthClient(t *testing.T) {
	c, rec := newTestClient(t, func(w http.ResponseWriter, r recordedRequest) {
		if r.Header.Get("Authorization") != "Bearer good" {
			writeJSON(w, 401, map[string]string{"message": "invalid JWT"})
			return
		}
		writeJSON(w, 200, User{ID: "alice", Email: "alice@example.com"})
	})
	ctx := context.Background()

	user, err := c.Auth().CurrentUser(ctx)
	if user != nil || err != nil || len(rec.all()) != 0 {
		t.Fatalf("expected no user and no request without session")
	}

	var events []AuthEvent
	unsubscribe := c.Auth().OnAuthStateChange(func(ev AuthEvent, _ *Session) { events = append(events, ev) })

	c.Auth().SetSession("bad")
	if _, err := c.Auth().CurrentUser(ctx); !errors.Is(err, ErrAuth) {
		t.Errorf("expected auth error, got %v", err)
	}

	c.Auth().SetSession("good")
	user, err = c.Auth().CurrentUser(ctx)
	if err != nil || user.ID != "alice" {
		t.Fatalf("unexpected user %+v: %v", user, err)
	}
	if s := c.Auth().Session(); s.User == nil || s.User.Email != "alice@example.com" {
		t.Errorf("session user not recorded: %+v", s)
	}

	c.Auth().SignOut()
	c.Auth().SignOut()
	unsubscribe()
	c.Auth().SetSession("again")

	want := []AuthEvent{AuthSignedIn, AuthTokenRefreshed, AuthSignedOut}
	if strings.Join(authEvents(events), ",") != strings.Join(authEvents(want), ",") {
		t.Errorf("expected %v, got %v", want, events)
	}
}

func authEvents(evs []AuthEvent) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = string(e)
	}
	return out
}

// ============================================================================
// Blobs
// ============================================================================

func TestRESTBlobStore(t *testing.T) {
	stored := make(map[string][]byte)
	var mu sync.Mutex
	c, rec := newTestClient(t, func(w http.ResponseWriter, r recordedRequest) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			stored[r.Path] = r.Body
			writeJSON(w, 200, map[string]string{"Key": r.Path})
		case http.MethodGet:
			data, ok := stored[r.Path]
			if !ok {
				writeJSON(w, 404, map[string]string{"message": "Object not found"})
				return
			}
			w.Write(data)
		}
	})
	ctx := context.Background()
	data := []byte("%PDF-1.7")

	att, err := c.Blobs().Put(ctx, data, "report.pdf", "")
	if err != nil {
		t.Fatal(err)
	}
	if att.MimeType != "application/pdf" || att.Size != int64(len(data)) || att.Ref != ContentRef(data) {
		t.Errorf("unexpected attachment %+v", att)
	}
	put := rec.all()[0]
	if put.Header.Get("x-upsert") != "true" || put.Header.Get("Content-Type") != "application/pdf" {
		t.Errorf("unexpected upload headers %v", put.Header)
	}
	if !strings.HasPrefix(put.Path, "/storage/v1/object/attachments/") {
		t.Errorf("unexpected object path %s", put.Path)
	}

	got, err := c.Blobs().Get(ctx, att.Ref)
	if err != nil || string(got) != string(data) {
		t.Fatalf("round trip failed: %q %v", got, err)
	}

	t.Run("digest mismatch", func(t *testing.T) {
		mu.Lock()
		stored[put.Path] = []byte("tampered")
		mu.Unlock()
		if _, err := c.Blobs().Get(ctx, att.Ref); !errors.Is(err, ErrDataIntegrity) {
			t.Errorf("expected integrity error, got %v", err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, err := c.Blobs().Get(ctx, ContentRef([]byte("nope"))); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})
}
