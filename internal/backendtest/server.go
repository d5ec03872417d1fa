// Package backendtest runs an in-process GoTrue and PostgREST lookalike for
// tests. All state is in memory. Row visibility on posts, likes and profiles
// follows the tutorial's RLS policies, evaluated in Go.
package backendtest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultSecret = "backendtest-project-jwt-secret-0123456789"

type Server struct {
	*httptest.Server

	secret  string
	anonKey string
	epoch   time.Time

	mu          sync.Mutex
	autoconfirm bool
	tokenTTL    time.Duration
	users       map[string]*user
	emails      map[string]string
	refresh     map[string]*refreshToken
	profiles    map[string]*profile
	posts       []*post
	likes       []like
	seq         int
	faults      []fault
	hits        map[string]int
}

type fault struct {
	method  string
	path    string
	status  int
	message string
}

// New starts a server and stops it when the test ends.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		secret:      defaultSecret,
		epoch:       time.Now().UTC().Truncate(time.Second),
		autoconfirm: true,
		tokenTTL:    time.Hour,
		users:       make(map[string]*user),
		emails:      make(map[string]string),
		refresh:     make(map[string]*refreshToken),
		profiles:    make(map[string]*profile),
		hits:        make(map[string]int),
	}
	s.anonKey = s.signKey("anon")

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/signup", s.signup)
	mux.HandleFunc("POST /auth/v1/token", s.token)
	mux.HandleFunc("POST /auth/v1/logout", s.logout)
	mux.HandleFunc("GET /auth/v1/user", s.getUser)
	mux.HandleFunc("PUT /auth/v1/user", s.updateUser)
	mux.HandleFunc("/rest/v1/{table}", s.handleTable)

	s.Server = httptest.NewServer(s.intercept(mux))
	t.Cleanup(s.Close)
	return s
}

// AnonKey is the project's anon API key.
func (s *Server) AnonKey() string { return s.anonKey }

// Secret is the project JWT secret.
func (s *Server) Secret() string { return s.secret }

// SetAutoconfirm controls whether sign-up returns a session (true) or only
// the pending user.
func (s *Server) SetAutoconfirm(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoconfirm = v
}

// SetTokenTTL sets the lifetime of access tokens issued from now on.
func (s *Server) SetTokenTTL(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenTTL = d
}

// FailNext makes the next request matching method and path fail with status.
func (s *Server) FailNext(method, path string, status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, fault{method: method, path: path, status: status, message: message})
}

// Hits counts requests received for method and path, faults included.
func (s *Server) Hits(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" "+path]
}

// intercept validates the apikey header, counts requests and serves injected
// faults before the real handlers run.
func (s *Server) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.Method+" "+r.URL.Path]++
		var hit *fault
		for i, f := range s.faults {
			if f.method == r.Method && f.path == r.URL.Path {
				hit = &f
				s.faults = append(s.faults[:i], s.faults[i+1:]...)
				break
			}
		}
		s.mu.Unlock()

		isREST := strings.HasPrefix(r.URL.Path, "/rest/")
		if hit != nil {
			if isREST {
				writeRESTError(w, hit.status, "PGRST000", hit.message)
			} else {
				writeAuthError(w, hit.status, hit.message)
			}
			return
		}

		if r.Header.Get("apikey") != s.anonKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---------- Token helpers ----------

func (s *Server) signKey(role string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":  "supabase",
		"role": role,
		"iat":  s.epoch.Unix(),
		"exp":  s.epoch.Add(24 * time.Hour).Unix(),
	})
	signed, _ := token.SignedString([]byte(s.secret))
	return signed
}

func (s *Server) generateUserJWT(u *user, sessionID string, ttl time.Duration) (string, int64, error) {
	now := time.Now()
	expiresAt := now.Add(ttl).Unix()

	claims := jwt.MapClaims{
		"aud":           "authenticated",
		"exp":           expiresAt,
		"iat":           now.Unix(),
		"iss":           s.URL + "/auth/v1",
		"sub":           u.id,
		"email":         u.email,
		"phone":         "",
		"app_metadata":  u.appMeta,
		"user_metadata": u.userMeta,
		"role":          "authenticated",
		"aal":           "aal1",
		"session_id":    sessionID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.secret))
	return signed, expiresAt, err
}

func generateRefreshToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// bearerClaims returns the verified claims of a user token, or nil for the
// anon key and anything that does not verify.
func (s *Server) bearerClaims(r *http.Request) jwt.MapClaims {
	tokenStr := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if tokenStr == "" || tokenStr == s.anonKey {
		return nil
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil
	}
	if sub, _ := claims["sub"].(string); sub == "" {
		return nil
	}
	return claims
}

// ---------- Response helpers ----------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error":             message,
		"error_description": message,
	})
}

func writeRESTError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"code":    code,
		"message": message,
		"details": nil,
		"hint":    nil,
	})
}
