package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ansoraGROUP/rlslab/internal/data"
	"github.com/ansoraGROUP/rlslab/internal/session"
)

const unexpectedError = "An unexpected error occurred"

func (s *Server) withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.requestTimeout)
}

func (s *Server) redirect(w http.ResponseWriter, r *http.Request, to string) {
	http.Redirect(w, r, to, http.StatusSeeOther)
}

// ---------- Public pages ----------

func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "landing", pageData{
		Title:    "Master SQL & RLS",
		Features: features,
		Topics:   topics,
	})
}

func (s *Server) handleSignInPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "sign-in", pageData{Title: "Sign In"})
}

func (s *Server) handleSignUpPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "sign-up", pageData{Title: "Sign Up"})
}

// ---------- Credentials ----------

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.flash(w, r, flashError, "invalid form submission")
		s.redirect(w, r, "/sign-in")
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()

	res := s.sessions.SignIn(ctx, strings.TrimSpace(r.PostFormValue("email")), r.PostFormValue("password"))
	if !res.Success {
		s.flash(w, r, flashError, resultError(res))
		s.redirect(w, r, "/sign-in")
		return
	}
	s.redirect(w, r, "/dashboard")
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.flash(w, r, flashError, "invalid form submission")
		s.redirect(w, r, "/sign-up")
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()

	res := s.sessions.SignUp(ctx,
		strings.TrimSpace(r.PostFormValue("email")),
		r.PostFormValue("password"),
		strings.TrimSpace(r.PostFormValue("first_name")),
		strings.TrimSpace(r.PostFormValue("last_name")),
	)
	if !res.Success {
		s.flash(w, r, flashError, resultError(res))
		s.redirect(w, r, "/sign-up")
		return
	}
	s.flash(w, r, flashNotice, "Account created. If email confirmation is enabled, check your inbox before signing in.")
	s.redirect(w, r, "/dashboard")
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.withTimeout(r)
	defer cancel()
	s.sessions.SignOut(ctx)
	s.redirect(w, r, "/")
}

func resultError(res session.Result) string {
	if res.Error == "" {
		return "An unknown error occurred"
	}
	return res.Error
}

// ---------- Private pages ----------

// privateSession guards a route: it renders the loading page while the
// session settles and redirects to sign-up when there is none.
func (s *Server) privateSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	snap := s.sessions.Snapshot()
	switch {
	case loading(snap):
		s.render(w, r, http.StatusOK, "loading", pageData{Title: "Loading"})
		return nil, false
	case snap.State != session.StatePresent || snap.Session == nil:
		s.redirect(w, r, "/sign-up")
		return nil, false
	}
	return snap.Session, true
}

func loading(snap session.Snapshot) bool {
	if snap.Initializing {
		return true
	}
	switch snap.State {
	case session.StateUninitialized, session.StateInitializing, session.StatePending:
		return true
	}
	return false
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.privateSession(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()

	d := pageData{Title: "Dashboard", Session: sess, Character: characterFor(sess.FirstName)}
	posts, err := s.posts.ListPosts(ctx, data.ListOptions{})
	if err != nil {
		s.log.Error("Failed to list posts", "error", err)
		d.PostsError = "Failed to load posts: " + err.Error()
	}
	d.Posts = newPostViews(posts, sess)
	s.render(w, r, http.StatusOK, "dashboard", d)
}

// ---------- Dashboard actions ----------

// actionSession is the guard for form posts: no loading page, just back to
// the dashboard which decides what to show.
func (s *Server) actionSession(w http.ResponseWriter, r *http.Request) bool {
	snap := s.sessions.Snapshot()
	if snap.State != session.StatePresent {
		s.redirect(w, r, "/dashboard")
		return false
	}
	return true
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	if !s.actionSession(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		s.flash(w, r, flashError, "invalid form submission")
		s.redirect(w, r, "/dashboard")
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()

	_, err := s.posts.CreatePost(ctx, data.NewPost{
		Title:    r.PostFormValue("title"),
		Content:  r.PostFormValue("content"),
		IsPublic: r.PostFormValue("is_public") != "",
	})
	switch {
	case errors.Is(err, data.ErrTitleRequired):
		s.flash(w, r, flashError, "Post title is required")
	case err != nil:
		s.log.Error("Failed to create post", "error", err)
		s.flash(w, r, flashError, "Failed to create post: "+err.Error())
	}
	s.redirect(w, r, "/dashboard")
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	if !s.actionSession(w, r) {
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()

	err := s.posts.DeletePost(ctx, r.PathValue("id"))
	switch {
	case errors.Is(err, data.ErrNotFound):
		s.flash(w, r, flashError, "Failed to delete post: it is gone or you are not allowed to delete it")
	case err != nil:
		s.log.Error("Failed to delete post", "post_id", r.PathValue("id"), "error", err)
		s.flash(w, r, flashError, "Failed to delete post: "+err.Error())
	}
	s.redirect(w, r, "/dashboard")
}

// handleToggleLike likes the post, or unlikes it when the form says the
// user already liked it.
func (s *Server) handleToggleLike(w http.ResponseWriter, r *http.Request) {
	if !s.actionSession(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		s.flash(w, r, flashError, "invalid form submission")
		s.redirect(w, r, "/dashboard")
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()

	id := r.PathValue("id")
	var err error
	if r.PostFormValue("liked") == "true" {
		err = s.posts.UnlikePost(ctx, id)
	} else {
		err = s.posts.LikePost(ctx, id)
	}
	if err != nil {
		s.log.Error("Failed to update like", "post_id", id, "error", err)
		s.flash(w, r, flashError, unexpectedError)
	}
	s.redirect(w, r, "/dashboard")
}
