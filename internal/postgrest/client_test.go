package postgrest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type captured struct {
	method string
	path   string
	query  url.Values
	header http.Header
	body   string
}

func newCaptureServer(t *testing.T, status int, response string) (*Client, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		c.method = r.Method
		c.path = r.URL.Path
		c.query = r.URL.Query()
		c.header = r.Header.Clone()
		c.body = string(raw)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "anon-key", nil), c
}

// ---------------------------------------------------------------------------
// Query building
// ---------------------------------------------------------------------------

func TestBuilder_URL(t *testing.T) {
	c := NewClient("https://xyz.supabase.co", "anon", nil)

	tests := []struct {
		name  string
		build func() *Builder
		want  url.Values
	}{
		{"bare", func() *Builder { return c.From("posts") }, url.Values{}},
		{"select and order", func() *Builder {
			return c.From("posts").Select("*,likes(user_id)").Order("created_at", false)
		}, url.Values{"select": {"*,likes(user_id)"}, "order": {"created_at.desc"}}},
		{"filters", func() *Builder {
			return c.From("likes").Eq("post_id", "p1").Eq("user_id", "u1").Neq("x", 3).Is("y", "null")
		}, url.Values{"post_id": {"eq.p1"}, "user_id": {"eq.u1"}, "x": {"neq.3"}, "y": {"is.null"}}},
		{"limit ascending", func() *Builder { return c.From("posts").Order("title", true).Limit(5) },
			url.Values{"order": {"title.asc"}, "limit": {"5"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.build().URL())
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if !strings.HasPrefix(u.Path, "/rest/v1/") {
				t.Errorf("unexpected path %q", u.Path)
			}
			got := u.Query()
			if len(got) != len(tt.want) {
				t.Fatalf("query = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got.Get(k) != v[0] {
					t.Errorf("%s = %q, want %q", k, got.Get(k), v[0])
				}
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Execute
// ---------------------------------------------------------------------------

func TestExecute_SelectSendsHeaders(t *testing.T) {
	c, got := newCaptureServer(t, http.StatusOK, `[{"id":"p1"},{"id":"p2"}]`)

	var rows []map[string]interface{}
	if err := c.From("posts").Select("id").Auth("user-token").Execute(context.Background(), &rows); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("expected 2 rows, got %d", len(rows))
	}
	if got.method != http.MethodGet || got.path != "/rest/v1/posts" {
		t.Errorf("unexpected request %s %s", got.method, got.path)
	}
	if got.header.Get("apikey") != "anon-key" {
		t.Errorf("apikey = %q", got.header.Get("apikey"))
	}
	if got.header.Get("Authorization") != "Bearer user-token" {
		t.Errorf("Authorization = %q", got.header.Get("Authorization"))
	}
	if got.header.Get("Prefer") != "" {
		t.Errorf("GET should not send Prefer, got %q", got.header.Get("Prefer"))
	}
}

func TestExecute_AnonKeyWithoutToken(t *testing.T) {
	c, got := newCaptureServer(t, http.StatusOK, `[]`)
	if err := c.From("posts").Execute(context.Background(), nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.header.Get("Authorization") != "Bearer anon-key" {
		t.Errorf("Authorization = %q", got.header.Get("Authorization"))
	}
}

func TestExecute_SingleInsertReturnsRepresentation(t *testing.T) {
	c, got := newCaptureServer(t, http.StatusCreated, `{"id":"p1","title":"hello"}`)

	var row struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	err := c.From("posts").
		Insert(map[string]interface{}{"title": "hello"}).
		Single().
		Execute(context.Background(), &row)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if row.ID != "p1" {
		t.Errorf("unexpected row %+v", row)
	}
	if got.method != http.MethodPost {
		t.Errorf("method = %s", got.method)
	}
	if got.header.Get("Accept") != objectMediaType {
		t.Errorf("Accept = %q", got.header.Get("Accept"))
	}
	if got.header.Get("Prefer") != "return=representation" {
		t.Errorf("Prefer = %q", got.header.Get("Prefer"))
	}
	if got.header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", got.header.Get("Content-Type"))
	}
	var body map[string]interface{}
	if err := json.Unmarshal([]byte(got.body), &body); err != nil || body["title"] != "hello" {
		t.Errorf("unexpected body %q", got.body)
	}
}

func TestExecute_DeleteWithoutOutSkipsRepresentation(t *testing.T) {
	c, got := newCaptureServer(t, http.StatusNoContent, ``)
	if err := c.From("likes").Delete().Eq("post_id", "p1").Execute(context.Background(), nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.method != http.MethodDelete || got.query.Get("post_id") != "eq.p1" {
		t.Errorf("unexpected request %s %v", got.method, got.query)
	}
	if got.header.Get("Prefer") != "" {
		t.Errorf("Prefer = %q", got.header.Get("Prefer"))
	}
}

func TestExecute_DecodesErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantMsg  string
	}{
		{"no rows", 406, `{"code":"PGRST116","message":"JSON object requested, multiple (or no) rows returned","details":null,"hint":null}`, CodeNoRows, "JSON object requested, multiple (or no) rows returned"},
		{"rls", 403, `{"code":"42501","message":"new row violates row-level security policy","details":null,"hint":null}`, CodeRLSViolation, "new row violates row-level security policy"},
		{"object details", 400, `{"code":"PGRST100","message":"bad","details":{"x":1}}`, "PGRST100", "bad"},
		{"empty body", 502, ``, "", "request failed with status 502"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newCaptureServer(t, tt.status, tt.body)
			err := c.From("posts").Execute(context.Background(), nil)

			pe, ok := err.(*Error)
			if !ok {
				t.Fatalf("expected *Error, got %T %v", err, err)
			}
			if pe.Status != tt.status || pe.Code != tt.wantCode || pe.Message != tt.wantMsg {
				t.Errorf("got %+v", pe)
			}
			if tt.wantCode != "" && !IsCode(err, tt.wantCode) {
				t.Errorf("IsCode(%q) = false", tt.wantCode)
			}
		})
	}
}
