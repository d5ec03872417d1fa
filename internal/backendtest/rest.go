package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Postgres renders timestamptz with fixed microsecond precision, which also
// keeps the values sortable as strings.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

type profile struct {
	id        string
	firstName string
	lastName  string
	role      string
}

type post struct {
	id        string
	title     string
	content   string
	isPublic  bool
	authorID  string
	createdAt time.Time
}

type like struct {
	postID string
	userID string
}

func (p *profile) row() map[string]interface{} {
	return map[string]interface{}{
		"id":         p.id,
		"first_name": p.firstName,
		"last_name":  p.lastName,
		"role":       p.role,
	}
}

func (p *post) row() map[string]interface{} {
	return map[string]interface{}{
		"id":         p.id,
		"title":      p.title,
		"content":    p.content,
		"is_public":  p.isPublic,
		"author_id":  p.authorID,
		"created_at": p.createdAt.Format(timestampLayout),
	}
}

func (l like) row() map[string]interface{} {
	return map[string]interface{}{"post_id": l.postID, "user_id": l.userID}
}

// SetRole changes the role stored on a user's profile row.
func (s *Server) SetRole(userID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[userID]; ok {
		p.role = role
	}
}

// DeleteProfile removes a user's profile row so role lookups find nothing.
func (s *Server) DeleteProfile(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, userID)
}

// PostCount returns the number of stored posts, ignoring row visibility.
func (s *Server) PostCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.posts)
}

// handleTable serves /rest/v1/{table} for posts, likes and profiles.
func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	if table != "posts" && table != "likes" && table != "profiles" {
		writeRESTError(w, http.StatusNotFound, "42P01", fmt.Sprintf("relation \"public.%s\" does not exist", table))
		return
	}

	sub := ""
	if claims := s.bearerClaims(r); claims != nil {
		sub, _ = claims["sub"].(string)
	} else if bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "); bearer != s.anonKey {
		writeRESTError(w, http.StatusUnauthorized, "PGRST301", "JWT expired or invalid")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		s.handleSelect(w, r, table, sub)
	case http.MethodPost:
		s.handleInsert(w, r, table, sub)
	case http.MethodDelete:
		s.handleDelete(w, r, table, sub)
	default:
		writeRESTError(w, http.StatusMethodNotAllowed, "PGRST105", "method not allowed")
	}
}

// ---------- CRUD handlers ----------

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request, table, sub string) {
	q := r.URL.Query()
	match, err := buildFilter(q)
	if err != nil {
		writeRESTError(w, http.StatusBadRequest, "PGRST100", err.Error())
		return
	}

	var rows []map[string]interface{}
	for _, row := range s.visibleRowsLocked(table, sub) {
		if match(row) {
			rows = append(rows, row)
		}
	}
	if o := q.Get("order"); o != "" {
		sortRows(rows, o)
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeRESTError(w, http.StatusBadRequest, "PGRST100", "invalid limit "+l)
			return
		}
		if n < len(rows) {
			rows = rows[:n]
		}
	}

	result := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		result = append(result, s.projectLocked(table, row, q.Get("select"), sub))
	}
	writeMaybeObject(w, r, http.StatusOK, result)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request, table, sub string) {
	var body interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeRESTError(w, http.StatusBadRequest, "PGRST100", "invalid JSON body")
		return
	}

	var records []map[string]interface{}
	switch v := body.(type) {
	case map[string]interface{}:
		records = []map[string]interface{}{v}
	case []interface{}:
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				records = append(records, m)
			}
		}
	default:
		writeRESTError(w, http.StatusBadRequest, "PGRST100", "body must be an object or array")
		return
	}
	if len(records) == 0 {
		writeRESTError(w, http.StatusBadRequest, "PGRST100", "empty body")
		return
	}

	var inserted []map[string]interface{}
	for _, rec := range records {
		row, status, code, msg := s.insertLocked(table, rec, sub)
		if status != 0 {
			writeRESTError(w, status, code, msg)
			return
		}
		inserted = append(inserted, row)
	}

	if parsePrefer(r.Header.Get("Prefer"))["return"] != "representation" {
		w.WriteHeader(http.StatusCreated)
		return
	}
	result := make([]map[string]interface{}, 0, len(inserted))
	for _, row := range inserted {
		result = append(result, s.projectLocked(table, row, r.URL.Query().Get("select"), sub))
	}
	writeMaybeObject(w, r, http.StatusCreated, result)
}

// insertLocked applies the insert policy and constraints for one record.
// A non-zero status reports the failure.
func (s *Server) insertLocked(table string, rec map[string]interface{}, sub string) (map[string]interface{}, int, string, string) {
	rlsDenied := fmt.Sprintf("new row violates row-level security policy for table %q", table)

	switch table {
	case "posts":
		title, _ := rec["title"].(string)
		if title == "" {
			return nil, http.StatusBadRequest, "23502", `null value in column "title" violates not-null constraint`
		}
		authorID, _ := rec["author_id"].(string)
		if sub == "" || authorID != sub {
			return nil, http.StatusForbidden, "42501", rlsDenied
		}
		content, _ := rec["content"].(string)
		isPublic, _ := rec["is_public"].(bool)

		s.seq++
		p := &post{
			id:        uuid.NewString(),
			title:     title,
			content:   content,
			isPublic:  isPublic,
			authorID:  authorID,
			createdAt: s.epoch.Add(time.Duration(s.seq) * time.Millisecond),
		}
		s.posts = append(s.posts, p)
		return p.row(), 0, "", ""

	case "likes":
		postID, _ := rec["post_id"].(string)
		userID, _ := rec["user_id"].(string)
		if sub == "" || userID != sub {
			return nil, http.StatusForbidden, "42501", rlsDenied
		}
		if !s.postVisibleLocked(postID, sub) {
			return nil, http.StatusConflict, "23503", `insert or update on table "likes" violates foreign key constraint "likes_post_id_fkey"`
		}
		for _, l := range s.likes {
			if l.postID == postID && l.userID == userID {
				return nil, http.StatusConflict, "23505", `duplicate key value violates unique constraint "likes_pkey"`
			}
		}
		l := like{postID: postID, userID: userID}
		s.likes = append(s.likes, l)
		return l.row(), 0, "", ""

	default:
		return nil, http.StatusForbidden, "42501", rlsDenied
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, table, sub string) {
	match, err := buildFilter(r.URL.Query())
	if err != nil {
		writeRESTError(w, http.StatusBadRequest, "PGRST100", err.Error())
		return
	}

	var deleted []map[string]interface{}
	switch table {
	case "posts":
		admin := s.roleLocked(sub) == "admin"
		kept := s.posts[:0]
		for _, p := range s.posts {
			row := p.row()
			if s.readableLocked(p, sub) && match(row) && sub != "" && (p.authorID == sub || admin) {
				deleted = append(deleted, row)
				s.dropLikesLocked(p.id)
				continue
			}
			kept = append(kept, p)
		}
		s.posts = kept
	case "likes":
		kept := s.likes[:0]
		for _, l := range s.likes {
			row := l.row()
			if match(row) && sub != "" && l.userID == sub {
				deleted = append(deleted, row)
				continue
			}
			kept = append(kept, l)
		}
		s.likes = kept
	default:
		writeRESTError(w, http.StatusForbidden, "42501", "permission denied for table "+table)
		return
	}

	if parsePrefer(r.Header.Get("Prefer"))["return"] != "representation" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if deleted == nil {
		deleted = []map[string]interface{}{}
	}
	writeMaybeObject(w, r, http.StatusOK, deleted)
}

// ---------- Row visibility ----------

func (s *Server) visibleRowsLocked(table, sub string) []map[string]interface{} {
	var rows []map[string]interface{}
	switch table {
	case "posts":
		for _, p := range s.posts {
			if s.readableLocked(p, sub) {
				rows = append(rows, p.row())
			}
		}
	case "likes":
		for _, l := range s.likes {
			if s.postVisibleLocked(l.postID, sub) {
				rows = append(rows, l.row())
			}
		}
	case "profiles":
		for _, p := range s.profiles {
			rows = append(rows, p.row())
		}
	}
	return rows
}

func (s *Server) postVisibleLocked(postID, sub string) bool {
	for _, p := range s.posts {
		if p.id == postID {
			return s.readableLocked(p, sub)
		}
	}
	return false
}

// readableLocked mirrors posts_read: public, own, or any post for an admin.
func (s *Server) readableLocked(p *post, sub string) bool {
	if p.isPublic {
		return true
	}
	return sub != "" && (p.authorID == sub || s.roleLocked(sub) == "admin")
}

func (s *Server) roleLocked(userID string) string {
	if p, ok := s.profiles[userID]; ok {
		return p.role
	}
	return ""
}

func (s *Server) dropLikesLocked(postID string) {
	kept := s.likes[:0]
	for _, l := range s.likes {
		if l.postID != postID {
			kept = append(kept, l)
		}
	}
	s.likes = kept
}

// ---------- Query parsing ----------

var reservedParams = map[string]bool{"select": true, "order": true, "limit": true, "offset": true, "on_conflict": true}

// buildFilter turns column=op.value query parameters into a row predicate.
// Supported operators are eq, neq and is.
func buildFilter(q map[string][]string) (func(map[string]interface{}) bool, error) {
	var preds []func(map[string]interface{}) bool
	for key, values := range q {
		if reservedParams[key] {
			continue
		}
		for _, val := range values {
			p, err := parseFilter(key, val)
			if err != nil {
				return nil, err
			}
			preds = append(preds, p)
		}
	}
	return func(row map[string]interface{}) bool {
		for _, p := range preds {
			if !p(row) {
				return false
			}
		}
		return true
	}, nil
}

func parseFilter(column, value string) (func(map[string]interface{}) bool, error) {
	negate := false
	if strings.HasPrefix(value, "not.") {
		negate = true
		value = value[4:]
	}
	dotIdx := strings.Index(value, ".")
	if dotIdx < 0 {
		return nil, fmt.Errorf("invalid filter %q", column+"="+value)
	}
	op, val := value[:dotIdx], value[dotIdx+1:]

	var pred func(map[string]interface{}) bool
	switch op {
	case "eq":
		pred = func(row map[string]interface{}) bool { return fmt.Sprint(row[column]) == val }
	case "neq":
		pred = func(row map[string]interface{}) bool { return fmt.Sprint(row[column]) != val }
	case "is":
		pred = func(row map[string]interface{}) bool {
			switch strings.ToLower(val) {
			case "null":
				return row[column] == nil
			case "true":
				return row[column] == true
			case "false":
				return row[column] == false
			}
			return false
		}
	default:
		return nil, fmt.Errorf("unsupported operator %q", op)
	}

	if negate {
		return func(row map[string]interface{}) bool { return !pred(row) }, nil
	}
	return pred, nil
}

func sortRows(rows []map[string]interface{}, orderParam string) {
	type key struct {
		col  string
		desc bool
	}
	var keys []key
	for _, p := range strings.Split(orderParam, ",") {
		parts := strings.Split(strings.TrimSpace(p), ".")
		k := key{col: parts[0]}
		for _, sub := range parts[1:] {
			if strings.EqualFold(sub, "desc") {
				k.desc = true
			}
		}
		keys = append(keys, k)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			a, b := fmt.Sprint(rows[i][k.col]), fmt.Sprint(rows[j][k.col])
			if a == b {
				continue
			}
			if k.desc {
				return a > b
			}
			return a < b
		}
		return false
	})
}

// splitSelect splits a select list on top-level commas.
func splitSelect(sel string) []string {
	var items []string
	depth, start := 0, 0
	for i, c := range sel {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				items = append(items, strings.TrimSpace(sel[start:i]))
				start = i + 1
			}
		}
	}
	return append(items, strings.TrimSpace(sel[start:]))
}

func pick(row map[string]interface{}, cols string) map[string]interface{} {
	if cols == "" || cols == "*" {
		return row
	}
	out := make(map[string]interface{})
	for _, c := range strings.Split(cols, ",") {
		c = strings.TrimSpace(c)
		out[c] = row[c]
	}
	return out
}

// projectLocked applies a select list to a row, resolving the posts
// embeddings profiles(...) and likes(...).
func (s *Server) projectLocked(table string, row map[string]interface{}, sel, sub string) map[string]interface{} {
	if strings.TrimSpace(sel) == "" {
		sel = "*"
	}
	out := make(map[string]interface{})
	for _, item := range splitSelect(sel) {
		open := strings.Index(item, "(")
		if open < 0 {
			if item == "*" {
				for k, v := range row {
					out[k] = v
				}
			} else {
				out[item] = row[item]
			}
			continue
		}

		rel := item[:open]
		cols := strings.TrimSuffix(item[open+1:], ")")
		switch {
		case table == "posts" && rel == "profiles":
			authorID, _ := row["author_id"].(string)
			if p, ok := s.profiles[authorID]; ok {
				out[rel] = pick(p.row(), cols)
			} else {
				out[rel] = nil
			}
		case table == "posts" && rel == "likes":
			postID, _ := row["id"].(string)
			likes := []map[string]interface{}{}
			for _, l := range s.likes {
				if l.postID == postID {
					likes = append(likes, pick(l.row(), cols))
				}
			}
			out[rel] = likes
		}
	}
	return out
}

func parsePrefer(header string) map[string]string {
	prefs := make(map[string]string)
	for _, p := range strings.Split(header, ",") {
		p = strings.TrimSpace(p)
		if idx := strings.Index(p, "="); idx > 0 {
			prefs[strings.TrimSpace(p[:idx])] = strings.TrimSpace(p[idx+1:])
		}
	}
	return prefs
}

// writeMaybeObject returns a single object for
// Accept: application/vnd.pgrst.object+json, otherwise the array.
func writeMaybeObject(w http.ResponseWriter, r *http.Request, status int, rows []map[string]interface{}) {
	if strings.Contains(r.Header.Get("Accept"), "application/vnd.pgrst.object+json") {
		if len(rows) != 1 {
			writeRESTError(w, http.StatusNotAcceptable, "PGRST116", "JSON object requested, multiple (or no) rows returned")
			return
		}
		writeJSON(w, status, rows[0])
		return
	}
	writeJSON(w, status, rows)
}
