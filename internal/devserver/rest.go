package devserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/SiamRahamanDhrubo/connectlink"
)

// ============================================================================
// Tables
// ============================================================================

// table describes a REST-exposed table. Columns are listed in select order.
type table struct {
	name  string
	cols  []string
	bools map[string]bool
	times map[string]bool
	jsons map[string]bool
}

func (t *table) has(col string) bool {
	for _, c := range t.cols {
		if c == col {
			return true
		}
	}
	return false
}

// decode converts a stored column value into its JSON form.
func (t *table) decode(col string, v sql.NullString) any {
	if !v.Valid {
		return nil
	}
	switch {
	case t.bools[col]:
		return v.String == "1" || v.String == "true"
	case t.times[col]:
		ts, err := parseTS(v.String)
		if err != nil {
			return v.String
		}
		return ts.Format(time.RFC3339Nano)
	case t.jsons[col]:
		return json.RawMessage(v.String)
	}
	return v.String
}

// encode converts a filter argument into the stored representation.
func (t *table) encode(col, v string) (any, error) {
	switch {
	case t.bools[col]:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean %q for %s", v, col)
		}
		if b {
			return 1, nil
		}
		return 0, nil
	case t.times[col]:
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q for %s", v, col)
		}
		return formatTS(ts), nil
	}
	return v, nil
}

const memberOf = `SELECT conversation_id FROM conversation_participants WHERE user_id = ?`

// policy is the row-level security predicate of t for userID.
func (t *table) policy(userID string) (string, []any) {
	switch t.name {
	case "messages":
		return "conversation_id IN (" + memberOf + ")", []any{userID}
	case "conversation_participants":
		return "(conversation_id IN (" + memberOf + ") OR conversation_id IN (SELECT id FROM conversations WHERE created_by = ?))", []any{userID, userID}
	case "conversations":
		return "(id IN (" + memberOf + ") OR created_by = ?)", []any{userID, userID}
	}
	return "1 = 1", nil
}

var tables = map[string]*table{
	"profiles": {
		name: "profiles",
		cols: []string{"id", "display_name", "avatar_url", "bio", "username"},
	},
	"conversations": {
		name:  "conversations",
		cols:  []string{"id", "name", "is_group", "created_by", "created_at"},
		bools: map[string]bool{"is_group": true},
		times: map[string]bool{"created_at": true},
	},
	"conversation_participants": {
		name:  "conversation_participants",
		cols:  []string{"conversation_id", "user_id", "joined_at"},
		times: map[string]bool{"joined_at": true},
	},
	"messages": {
		name:  "messages",
		cols:  []string{"id", "conversation_id", "sender_id", "content", "attachment", "client_token", "created_at"},
		times: map[string]bool{"created_at": true},
		jsons: map[string]bool{"attachment": true},
	},
}

// ============================================================================
// Query parsing
// ============================================================================

// query is a parsed PostgREST read.
type query struct {
	cols   []string
	where  []string
	args   []any
	order  []string
	limit  int
	offset int
}

func badRequest(format string, args ...any) *connectlink.APIError {
	return &connectlink.APIError{Status: http.StatusBadRequest, Code: "PGRST100", Message: fmt.Sprintf(format, args...)}
}

func parseQuery(t *table, values map[string][]string) (*query, *connectlink.APIError) {
	q := &query{cols: t.cols, limit: -1}
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		v := vals[0]
		switch key {
		case "select":
			if v == "" || v == "*" {
				continue
			}
			q.cols = nil
			for _, c := range strings.Split(v, ",") {
				c = strings.TrimSpace(c)
				if !t.has(c) {
					return nil, badRequest("column %s.%s does not exist", t.name, c)
				}
				q.cols = append(q.cols, c)
			}
		case "order":
			for _, item := range strings.Split(v, ",") {
				parts := strings.Split(item, ".")
				if !t.has(parts[0]) {
					return nil, badRequest("column %s.%s does not exist", t.name, parts[0])
				}
				dir := "ASC"
				if len(parts) > 1 && parts[1] == "desc" {
					dir = "DESC"
				}
				q.order = append(q.order, parts[0]+" "+dir)
			}
		case "limit", "offset":
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, badRequest("invalid %s %q", key, v)
			}
			if key == "limit" {
				q.limit = n
			} else {
				q.offset = n
			}
		default:
			if !t.has(key) {
				return nil, badRequest("column %s.%s does not exist", t.name, key)
			}
			for _, f := range vals {
				clause, args, err := parseFilter(t, key, f)
				if err != nil {
					return nil, badRequest("%v", err)
				}
				q.where = append(q.where, clause)
				q.args = append(q.args, args...)
			}
		}
	}
	return q, nil
}

var comparisons = map[string]string{
	"eq":  "=",
	"neq": "!=",
	"gt":  ">",
	"gte": ">=",
	"lt":  "<",
	"lte": "<=",
}

func parseFilter(t *table, col, f string) (string, []any, error) {
	op, arg, ok := strings.Cut(f, ".")
	if !ok {
		return "", nil, fmt.Errorf("malformed filter %s=%s", col, f)
	}
	if sqlOp, ok := comparisons[op]; ok {
		v, err := t.encode(col, arg)
		if err != nil {
			return "", nil, err
		}
		return col + " " + sqlOp + " ?", []any{v}, nil
	}
	switch op {
	case "in":
		items, err := parseInList(arg)
		if err != nil {
			return "", nil, err
		}
		if len(items) == 0 {
			return "0 = 1", nil, nil
		}
		args := make([]any, len(items))
		for i, item := range items {
			v, err := t.encode(col, item)
			if err != nil {
				return "", nil, err
			}
			args[i] = v
		}
		return col + " IN (" + placeholders(len(args)) + ")", args, nil
	case "ilike":
		pattern := strings.ReplaceAll(arg, "*", "%")
		return "lower(" + col + ") LIKE lower(?)", []any{pattern}, nil
	case "is":
		if arg != "null" {
			return "", nil, fmt.Errorf("unsupported is.%s", arg)
		}
		return col + " IS NULL", nil, nil
	}
	return "", nil, fmt.Errorf("unsupported operator %q", op)
}

// parseInList parses ("a","b",c) with optional double quotes.
func parseInList(s string) ([]string, error) {
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return nil, fmt.Errorf("malformed list %q", s)
	}
	s = s[1 : len(s)-1]
	var (
		out     []string
		cur     strings.Builder
		quoted  bool
		escaped bool
		seen    bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quoted:
			escaped = true
		case r == '"':
			quoted = !quoted
			seen = true
		case r == ',' && !quoted:
			out = append(out, cur.String())
			cur.Reset()
			seen = false
		default:
			cur.WriteRune(r)
			seen = true
		}
	}
	if quoted {
		return nil, fmt.Errorf("unterminated quote in %q", s)
	}
	if seen || cur.Len() > 0 || len(out) > 0 {
		out = append(out, cur.String())
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// ============================================================================
// Reads
// ============================================================================

func (s *Server) selectRows(ctx context.Context, t *table, q *query, userID string) ([]map[string]any, error) {
	policy, pargs := t.policy(userID)
	where := append([]string{policy}, q.where...)
	args := append(append([]any{}, pargs...), q.args...)

	stmt := "SELECT " + strings.Join(q.cols, ", ") + " FROM " + t.name + " WHERE " + strings.Join(where, " AND ")
	if len(q.order) > 0 {
		stmt += " ORDER BY " + strings.Join(q.order, ", ")
	}
	if q.limit >= 0 || q.offset > 0 {
		stmt += " LIMIT ? OFFSET ?"
		args = append(args, q.limit, q.offset)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []map[string]any{}
	vals := make([]sql.NullString, len(q.cols))
	ptrs := make([]any, len(q.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(q.cols))
		for i, c := range q.cols {
			row[c] = t.decode(c, vals[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	t, ok := tables[mux.Vars(r)["table"]]
	if !ok {
		writeError(w, &connectlink.APIError{Status: http.StatusNotFound, Code: "42P01", Message: "relation does not exist"})
		return
	}
	q, apiErr := parseQuery(t, r.URL.Query())
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	rows, err := s.selectRows(r.Context(), t, q, principalFrom(r.Context()).UserID)
	if err != nil {
		s.internalError(w, "select "+t.name, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// rowByKey reads back one row through the same path as a REST select.
func (s *Server) rowByKey(ctx context.Context, t *table, userID string, keys map[string]string) (map[string]any, error) {
	q := &query{cols: t.cols, limit: 1}
	for col, v := range keys {
		q.where = append(q.where, col+" = ?")
		q.args = append(q.args, v)
	}
	rows, err := s.selectRows(ctx, t, q, userID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, sql.ErrNoRows
	}
	return rows[0], nil
}

// ============================================================================
// Inserts
// ============================================================================

// decodeRows accepts a single object or an array of objects.
func decodeRows(body []byte) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var rows []json.RawMessage
		err := json.Unmarshal(body, &rows)
		return rows, err
	}
	var row json.RawMessage
	if err := json.Unmarshal(body, &row); err != nil {
		return nil, err
	}
	return []json.RawMessage{row}, nil
}

func forbidden(format string, args ...any) *connectlink.APIError {
	return &connectlink.APIError{
		Status:  http.StatusForbidden,
		Code:    "42501",
		Message: fmt.Sprintf(format, args...),
		Hint:    "new row violates row-level security policy",
	}
}

// insertResult is one inserted (or replayed) row.
type insertResult struct {
	row   map[string]any
	fresh bool
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	t, ok := tables[mux.Vars(r)["table"]]
	if !ok {
		writeError(w, &connectlink.APIError{Status: http.StatusNotFound, Code: "42P01", Message: "relation does not exist"})
		return
	}
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, badRequest("failed to read body"))
		return
	}
	raws, err := decodeRows(body)
	if err != nil || len(raws) == 0 {
		writeError(w, badRequest("body must be a JSON object or a non-empty array"))
		return
	}

	ctx := r.Context()
	results := make([]insertResult, 0, len(raws))
	s.writeMu.Lock()
	for _, raw := range raws {
		res, apiErr := s.insertRow(ctx, t, p, raw)
		if apiErr != nil {
			s.writeMu.Unlock()
			writeError(w, apiErr)
			return
		}
		results = append(results, res)
	}
	s.writeMu.Unlock()

	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		out = append(out, res.row)
		if res.fresh {
			s.emitChange(ctx, t.name, res.row)
		}
	}
	if strings.Contains(r.Header.Get("Prefer"), "return=representation") {
		writeJSON(w, http.StatusCreated, out)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// insertRow applies the write policy of t. Callers hold writeMu.
func (s *Server) insertRow(ctx context.Context, t *table, p principal, raw json.RawMessage) (insertResult, *connectlink.APIError) {
	switch t.name {
	case "messages":
		var m connectlink.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return insertResult{}, badRequest("invalid message: %v", err)
		}
		if m.SenderID != p.UserID {
			return insertResult{}, forbidden("cannot send as another user")
		}
		member, err := s.db.isParticipant(ctx, m.ConversationID, p.UserID)
		if err != nil {
			return insertResult{}, s.dbError("check participant", err)
		}
		if !member {
			return insertResult{}, forbidden("not a participant of conversation %s", m.ConversationID)
		}
		if strings.TrimSpace(m.Content) == "" && m.Attachment == nil {
			return insertResult{}, &connectlink.APIError{Status: http.StatusBadRequest, Code: "23514", Message: "message has no content and no attachment"}
		}
		stored, err := s.db.insertMessage(ctx, m)
		fresh := true
		if errors.Is(err, errDuplicate) {
			fresh, err = false, nil
		}
		if err != nil {
			return insertResult{}, s.dbError("insert message", err)
		}
		return s.readBack(ctx, t, p, map[string]string{"id": stored.ID}, fresh)

	case "conversations":
		var c connectlink.Conversation
		if err := json.Unmarshal(raw, &c); err != nil {
			return insertResult{}, badRequest("invalid conversation: %v", err)
		}
		if c.CreatedBy == "" {
			c.CreatedBy = p.UserID
		}
		if c.CreatedBy != p.UserID {
			return insertResult{}, forbidden("created_by must be the caller")
		}
		stored, err := s.db.insertConversation(ctx, c)
		if err != nil {
			return insertResult{}, s.dbError("insert conversation", err)
		}
		return s.readBack(ctx, t, p, map[string]string{"id": stored.ID}, true)

	case "conversation_participants":
		var part connectlink.Participant
		if err := json.Unmarshal(raw, &part); err != nil {
			return insertResult{}, badRequest("invalid participant: %v", err)
		}
		conv, err := s.db.conversation(ctx, part.ConversationID)
		if errors.Is(err, sql.ErrNoRows) {
			return insertResult{}, &connectlink.APIError{Status: http.StatusConflict, Code: "23503", Message: "conversation does not exist"}
		}
		if err != nil {
			return insertResult{}, s.dbError("read conversation", err)
		}
		if conv.CreatedBy != p.UserID {
			member, err := s.db.isParticipant(ctx, conv.ID, p.UserID)
			if err != nil {
				return insertResult{}, s.dbError("check participant", err)
			}
			if !member {
				return insertResult{}, forbidden("only members may add participants")
			}
		}
		err = s.db.insertParticipant(ctx, part)
		if errors.Is(err, errDuplicate) {
			return insertResult{}, &connectlink.APIError{Status: http.StatusConflict, Code: "23505", Message: "participant already exists"}
		}
		if err != nil {
			return insertResult{}, s.dbError("insert participant", err)
		}
		return s.readBack(ctx, t, p, map[string]string{"conversation_id": part.ConversationID, "user_id": part.UserID}, true)

	case "profiles":
		var prof connectlink.Profile
		if err := json.Unmarshal(raw, &prof); err != nil {
			return insertResult{}, badRequest("invalid profile: %v", err)
		}
		if prof.ID == "" {
			prof.ID = p.UserID
		}
		if prof.ID != p.UserID {
			return insertResult{}, forbidden("cannot edit another user's profile")
		}
		if err := s.db.upsertProfile(ctx, prof); err != nil {
			return insertResult{}, s.dbError("upsert profile", err)
		}
		return s.readBack(ctx, t, p, map[string]string{"id": prof.ID}, true)
	}
	return insertResult{}, badRequest("table %s is read only", t.name)
}

func (s *Server) readBack(ctx context.Context, t *table, p principal, keys map[string]string, fresh bool) (insertResult, *connectlink.APIError) {
	row, err := s.rowByKey(ctx, t, p.UserID, keys)
	if err != nil {
		return insertResult{}, s.dbError("read back "+t.name, err)
	}
	return insertResult{row: row, fresh: fresh}, nil
}

func (s *Server) dbError(op string, err error) *connectlink.APIError {
	s.logger.Error().Err(err).Str("op", op).Msg("database error")
	return &connectlink.APIError{Status: http.StatusInternalServerError, Code: "XX000", Message: op + " failed"}
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	writeError(w, s.dbError(op, err))
}

// ============================================================================
// RPCs
// ============================================================================

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var args map[string]json.RawMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&args); err != nil && err != io.EOF {
		writeError(w, badRequest("invalid rpc arguments"))
		return
	}
	ctx := r.Context()
	p := principalFrom(ctx)

	switch fn := mux.Vars(r)["fn"]; fn {
	case "latest_messages":
		var ids []string
		if err := json.Unmarshal(args["conversation_ids"], &ids); err != nil {
			writeError(w, badRequest("conversation_ids must be an array of ids"))
			return
		}
		msgs, err := s.latestMessages(ctx, p.UserID, ids)
		if err != nil {
			s.internalError(w, fn, err)
			return
		}
		writeJSON(w, http.StatusOK, msgs)

	case "search_profiles":
		var (
			q       string
			exclude string
			limit   = connectlink.DefaultSearchLimit
		)
		_ = json.Unmarshal(args["query"], &q)
		_ = json.Unmarshal(args["exclude_id"], &exclude)
		if raw, ok := args["max_results"]; ok {
			if err := json.Unmarshal(raw, &limit); err != nil || limit <= 0 {
				writeError(w, badRequest("max_results must be a positive integer"))
				return
			}
		}
		profiles, err := s.searchProfiles(ctx, q, exclude, limit)
		if err != nil {
			s.internalError(w, fn, err)
			return
		}
		writeJSON(w, http.StatusOK, profiles)

	case "user_stats":
		var userID string
		if err := json.Unmarshal(args["user_id"], &userID); err != nil || userID == "" {
			writeError(w, badRequest("user_id is required"))
			return
		}
		var stats connectlink.UserStats
		err := s.db.QueryRowContext(ctx, `
			SELECT
				(SELECT count(*) FROM conversation_participants WHERE user_id = ?),
				(SELECT count(*) FROM messages WHERE sender_id = ?)
		`, userID, userID).Scan(&stats.TotalConversations, &stats.TotalMessages)
		if err != nil {
			s.internalError(w, fn, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)

	default:
		writeError(w, &connectlink.APIError{Status: http.StatusNotFound, Code: "PGRST202", Message: "function " + fn + " not found"})
	}
}

func (s *Server) latestMessages(ctx context.Context, userID string, ids []string) ([]connectlink.Message, error) {
	if len(ids) == 0 {
		return []connectlink.Message{}, nil
	}
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, userID)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageCols+` FROM messages m
		WHERE m.conversation_id IN (`+placeholders(len(ids))+`)
		  AND m.conversation_id IN (`+memberOf+`)
		  AND NOT EXISTS (
			SELECT 1 FROM messages n
			WHERE n.conversation_id = m.conversation_id
			  AND (n.created_at > m.created_at OR (n.created_at = m.created_at AND n.id > m.id))
		  )
	`, args...)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// likePattern escapes LIKE metacharacters and wraps s in wildcards.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(s)) + "%"
}

func (s *Server) searchProfiles(ctx context.Context, q, exclude string, limit int) ([]connectlink.Profile, error) {
	q = strings.TrimSpace(q)
	pattern := likePattern(q)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+profileCols+` FROM profiles
		WHERE id != ?
		  AND (? = '' OR lower(coalesce(display_name, '')) LIKE ? ESCAPE '\'
		       OR lower(coalesce(username, '')) LIKE ? ESCAPE '\'
		       OR lower(coalesce(bio, '')) LIKE ? ESCAPE '\')
		ORDER BY coalesce(display_name, username, id)
		LIMIT ?
	`, exclude, q, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	return collectProfiles(rows)
}

// ============================================================================
// Responses
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, e *connectlink.APIError) {
	writeJSON(w, e.Status, e)
}
