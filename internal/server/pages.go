package server

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"strings"

	"github.com/ansoraGROUP/rlslab/internal/data"
	"github.com/ansoraGROUP/rlslab/internal/session"
)

//go:embed templates/*.html
var templatesFS embed.FS

var pages = map[string]*template.Template{
	"landing":   parsePage("landing.html"),
	"sign-in":   parsePage("sign_in.html"),
	"sign-up":   parsePage("sign_up.html"),
	"loading":   parsePage("loading.html"),
	"dashboard": parsePage("dashboard.html"),
}

func parsePage(name string) *template.Template {
	return template.Must(template.ParseFS(templatesFS, "templates/layout.html", "templates/"+name))
}

// ---------- View models ----------

type feature struct {
	Icon, Title, Text string
}

var features = []feature{
	{"📊", "Create Tables", "Design database schemas, define relationships, and understand data types in PostgreSQL."},
	{"🔒", "Row Level Security", "Master RLS policies to secure your data. Control who can read, insert, update, and delete."},
	{"⚡", "Supabase Integration", "Learn how to use Supabase Auth, Realtime, and Storage with your SQL knowledge."},
}

var topics = []string{
	"CREATE TABLE statements",
	"Primary & Foreign Keys",
	"RLS Policies (SELECT, INSERT, UPDATE, DELETE)",
	"auth.uid() and auth.jwt()",
	"Database Triggers",
	"Functions & Stored Procedures",
	"Indexes & Performance",
	"Joins & Relationships",
}

type pageData struct {
	Title    string
	Snapshot session.Snapshot
	Errors   []string
	Notices  []string

	// landing
	Features []feature
	Topics   []string

	// dashboard
	Session    *session.Session
	Character  string
	Posts      []postView
	PostsError string
}

type postView struct {
	data.Post
	Author    string
	Deletable bool
	Liked     bool
}

func newPostViews(posts []data.Post, sess *session.Session) []postView {
	out := make([]postView, 0, len(posts))
	for _, p := range posts {
		author := p.AuthorName()
		if author == "" {
			author = "Unknown"
		}
		out = append(out, postView{
			Post:      p,
			Author:    author,
			Deletable: data.CanDelete(p, sess.ID, sess.Role),
			Liked:     data.HasLiked(p, sess.ID),
		})
	}
	return out
}

// characterFor picks the dashboard avatar from the first name.
func characterFor(firstName string) string {
	name := strings.ToLower(firstName)
	switch {
	case strings.Contains(name, "jim"), strings.Contains(name, "hopper"):
		return "hopper"
	case strings.Contains(name, "eleven"):
		return "eleven"
	case strings.Contains(name, "max"):
		return "max"
	default:
		return "eleven"
	}
}

// ---------- Rendering ----------

func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, page string, d pageData) {
	d.Snapshot = s.sessions.Snapshot()
	d.Errors, d.Notices = s.takeFlashes(w, r)

	var buf bytes.Buffer
	if err := pages[page].ExecuteTemplate(&buf, "layout", d); err != nil {
		s.log.Error("Failed to render page", "page", page, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

// ---------- Flash messages ----------

const (
	cookieName  = "rlslab"
	flashError  = "error"
	flashNotice = "notice"
)

func (s *Server) flash(w http.ResponseWriter, r *http.Request, kind, msg string) {
	sess, _ := s.cookies.Get(r, cookieName)
	sess.AddFlash(msg, kind)
	if err := sess.Save(r, w); err != nil {
		s.log.Warn("Failed to save flash message", "error", err)
	}
}

func (s *Server) takeFlashes(w http.ResponseWriter, r *http.Request) (errs, notices []string) {
	sess, _ := s.cookies.Get(r, cookieName)
	for _, f := range sess.Flashes(flashError) {
		if m, ok := f.(string); ok {
			errs = append(errs, m)
		}
	}
	for _, f := range sess.Flashes(flashNotice) {
		if m, ok := f.(string); ok {
			notices = append(notices, m)
		}
	}
	if len(errs)+len(notices) > 0 {
		if err := sess.Save(r, w); err != nil {
			s.log.Warn("Failed to clear flash messages", "error", err)
		}
	}
	return errs, notices
}
