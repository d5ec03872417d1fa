// Package server is the local web UI: landing page, sign-in and sign-up
// forms, the private dashboard and a live session stream.
package server

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/sessions"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ansoraGROUP/rlslab/internal/data"
	"github.com/ansoraGROUP/rlslab/internal/middleware"
	"github.com/ansoraGROUP/rlslab/internal/session"
)

// SessionManager is the part of session.Manager the UI drives.
type SessionManager interface {
	Snapshot() session.Snapshot
	SignUp(ctx context.Context, email, password, firstName, lastName string) session.Result
	SignIn(ctx context.Context, email, password string) session.Result
	SignOut(ctx context.Context)
	Subscribe(fn func(session.Snapshot)) (cancel func())
}

type Options struct {
	// CookieSecret signs the flash cookie. A random key is used when empty.
	CookieSecret   string
	SecureCookies  bool
	AuthRateLimit  float64
	AuthRateBurst  int
	RequestTimeout time.Duration
	Logger         *slog.Logger
	// Clock drives the event stream heartbeat. Defaults to the real clock.
	Clock clockwork.Clock
}

type Server struct {
	mux            *http.ServeMux
	sessions       SessionManager
	posts          data.Posts
	cookies        *sessions.CookieStore
	authLimiter    *middleware.RateLimiter
	requestTimeout time.Duration
	clock          clockwork.Clock
	log            *slog.Logger
}

func New(mgr SessionManager, posts data.Posts, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.AuthRateLimit <= 0 || opts.AuthRateBurst < 1 {
		opts.AuthRateLimit, opts.AuthRateBurst = 5, 10
	}

	s := &Server{
		mux:            http.NewServeMux(),
		sessions:       mgr,
		posts:          posts,
		cookies:        newCookieStore(opts.CookieSecret, opts.SecureCookies),
		authLimiter:    middleware.NewRateLimiter(opts.AuthRateLimit, opts.AuthRateBurst),
		requestTimeout: opts.RequestTimeout,
		clock:          opts.Clock,
		log:            opts.Logger,
	}
	s.registerRoutes()
	return s
}

func newCookieStore(secret string, secure bool) *sessions.CookieStore {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}
	store := sessions.NewCookieStore(key)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   3600,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

func (s *Server) Handler() http.Handler {
	return securityHeaders(s.mux)
}

// securityHeaders adds security headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")

		if isAPIRoute(r.URL.Path) {
			w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		} else {
			w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; connect-src 'self'; frame-ancestors 'none'")
		}
		next.ServeHTTP(w, r)
	})
}

func isAPIRoute(path string) bool {
	return strings.HasPrefix(path, "/api/") || path == "/health" || path == "/metrics"
}

// maxBody limits request body size.
func maxBody(next http.Handler, maxBytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Pages
	s.mux.HandleFunc("GET /{$}", s.handleLanding)
	s.mux.HandleFunc("GET /sign-in", s.handleSignInPage)
	s.mux.HandleFunc("GET /sign-up", s.handleSignUpPage)
	s.mux.HandleFunc("GET /dashboard", s.handleDashboard)

	// Every POST must come from our own pages.
	form := func(pattern string, h http.Handler) {
		s.mux.Handle(pattern, s.requireSameOrigin(h))
	}

	// Credential submissions (rate-limited)
	form("POST /sign-in", s.authLimiter.Middleware(maxBody(http.HandlerFunc(s.handleSignIn), 64<<10)))
	form("POST /sign-up", s.authLimiter.Middleware(maxBody(http.HandlerFunc(s.handleSignUp), 64<<10)))
	form("POST /sign-out", http.HandlerFunc(s.handleSignOut))

	// Dashboard actions
	form("POST /posts", maxBody(http.HandlerFunc(s.handleCreatePost), 1<<20))
	form("POST /posts/{id}/delete", maxBody(http.HandlerFunc(s.handleDeletePost), 64<<10))
	form("POST /posts/{id}/like", maxBody(http.HandlerFunc(s.handleToggleLike), 64<<10))

	// Session API
	s.mux.HandleFunc("GET /api/session", s.handleSessionJSON)
	s.mux.HandleFunc("GET /api/session/events", s.handleSessionEvents)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"session": s.sessions.Snapshot().State.String(),
	})
}

func (s *Server) handleSessionJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, s.sessions.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
