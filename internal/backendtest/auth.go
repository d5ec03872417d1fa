package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLen = 6

type user struct {
	id           string
	email        string
	passwordHash []byte
	confirmedAt  *time.Time
	lastSignInAt *time.Time
	appMeta      map[string]interface{}
	userMeta     map[string]interface{}
	createdAt    time.Time
	updatedAt    time.Time
}

type refreshToken struct {
	userID    string
	sessionID string
	revoked   bool
}

type signupRequest struct {
	Email    string                 `json:"email"`
	Password string                 `json:"password"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

type tokenRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token"`
}

type updateUserRequest struct {
	Email    string                 `json:"email,omitempty"`
	Password string                 `json:"password,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

type userResponse struct {
	ID               string                 `json:"id"`
	Aud              string                 `json:"aud"`
	Role             string                 `json:"role"`
	Email            string                 `json:"email"`
	EmailConfirmedAt *string                `json:"email_confirmed_at"`
	Phone            string                 `json:"phone"`
	LastSignInAt     *string                `json:"last_sign_in_at"`
	AppMetadata      map[string]interface{} `json:"app_metadata"`
	UserMetadata     map[string]interface{} `json:"user_metadata"`
	CreatedAt        string                 `json:"created_at"`
	UpdatedAt        string                 `json:"updated_at"`
}

type sessionResponse struct {
	AccessToken  string       `json:"access_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int          `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at"`
	RefreshToken string       `json:"refresh_token"`
	User         userResponse `json:"user"`
}

// CreateUser seeds a confirmed user with a baseline profile and returns its id.
func (s *Server) CreateUser(email, password, firstName, lastName string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.insertUserLocked(email, password, map[string]interface{}{
		"first_name": firstName,
		"last_name":  lastName,
	}, true)
	if err != nil {
		panic(fmt.Sprintf("backendtest: create user: %v", err))
	}
	return u.id
}

// RevokeSessions invalidates every refresh token issued to userID.
func (s *Server) RevokeSessions(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rt := range s.refresh {
		if rt.userID == userID {
			rt.revoked = true
		}
	}
}

func (s *Server) insertUserLocked(email, password string, meta map[string]interface{}, confirmed bool) (*user, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, ok := s.emails[email]; ok {
		return nil, fmt.Errorf("User already registered")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password")
	}
	if meta == nil {
		meta = map[string]interface{}{}
	}

	now := time.Now().UTC()
	u := &user{
		id:           uuid.NewString(),
		email:        email,
		passwordHash: hash,
		appMeta:      map[string]interface{}{"provider": "email", "providers": []string{"email"}},
		userMeta:     meta,
		createdAt:    now,
		updatedAt:    now,
	}
	if confirmed {
		u.confirmedAt = &now
	}
	s.users[u.id] = u
	s.emails[email] = u.id

	// Mirrors the tutorial's on-signup trigger that creates the profile row.
	first, _ := meta["first_name"].(string)
	last, _ := meta["last_name"].(string)
	s.profiles[u.id] = &profile{id: u.id, firstName: first, lastName: last, role: "user"}
	return u, nil
}

func (s *Server) newSessionLocked(u *user) (*sessionResponse, error) {
	sessionID := uuid.NewString()
	accessToken, expiresAt, err := s.generateUserJWT(u, sessionID, s.tokenTTL)
	if err != nil {
		return nil, err
	}
	rt := generateRefreshToken()
	s.refresh[rt] = &refreshToken{userID: u.id, sessionID: sessionID}

	now := time.Now().UTC()
	u.lastSignInAt = &now
	return &sessionResponse{
		AccessToken:  accessToken,
		TokenType:    "bearer",
		ExpiresIn:    int(s.tokenTTL / time.Second),
		ExpiresAt:    expiresAt,
		RefreshToken: rt,
		User:         u.response(),
	}, nil
}

func (u *user) response() userResponse {
	format := func(t *time.Time) *string {
		if t == nil {
			return nil
		}
		v := t.Format(time.RFC3339)
		return &v
	}
	return userResponse{
		ID:               u.id,
		Aud:              "authenticated",
		Role:             "authenticated",
		Email:            u.email,
		EmailConfirmedAt: format(u.confirmedAt),
		LastSignInAt:     format(u.lastSignInAt),
		AppMetadata:      u.appMeta,
		UserMetadata:     u.userMeta,
		CreatedAt:        u.createdAt.Format(time.RFC3339),
		UpdatedAt:        u.updatedAt.Format(time.RFC3339),
	}
}

// ---------- Handlers ----------

func (s *Server) signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeAuthError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	if len(req.Password) < minPasswordLen {
		writeAuthError(w, http.StatusUnprocessableEntity, fmt.Sprintf("Password should be at least %d characters.", minPasswordLen))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.insertUserLocked(req.Email, req.Password, req.Data, s.autoconfirm)
	if err != nil {
		writeAuthError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.autoconfirm {
		writeJSON(w, http.StatusOK, u.response())
		return
	}

	sess, err := s.newSessionLocked(u)
	if err != nil {
		writeAuthError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch grant := r.URL.Query().Get("grant_type"); grant {
	case "password":
		id, ok := s.emails[strings.ToLower(strings.TrimSpace(req.Email))]
		u := s.users[id]
		if !ok || bcrypt.CompareHashAndPassword(u.passwordHash, []byte(req.Password)) != nil {
			writeAuthError(w, http.StatusBadRequest, "Invalid login credentials")
			return
		}
		if u.confirmedAt == nil {
			writeAuthError(w, http.StatusBadRequest, "Email not confirmed")
			return
		}
		sess, err := s.newSessionLocked(u)
		if err != nil {
			writeAuthError(w, http.StatusInternalServerError, "failed to create session")
			return
		}
		writeJSON(w, http.StatusOK, sess)

	case "refresh_token":
		if req.RefreshToken == "" {
			writeAuthError(w, http.StatusBadRequest, "refresh_token is required")
			return
		}
		rt, ok := s.refresh[req.RefreshToken]
		if !ok {
			writeAuthError(w, http.StatusBadRequest, "Invalid Refresh Token: Refresh Token Not Found")
			return
		}
		if rt.revoked {
			// Reuse of a rotated token revokes the whole session family.
			for _, other := range s.refresh {
				if other.sessionID == rt.sessionID {
					other.revoked = true
				}
			}
			writeAuthError(w, http.StatusBadRequest, "Invalid Refresh Token: Already Used")
			return
		}
		u, ok := s.users[rt.userID]
		if !ok {
			writeAuthError(w, http.StatusBadRequest, "User not found")
			return
		}
		rt.revoked = true

		accessToken, expiresAt, err := s.generateUserJWT(u, rt.sessionID, s.tokenTTL)
		if err != nil {
			writeAuthError(w, http.StatusInternalServerError, "failed to generate token")
			return
		}
		next := generateRefreshToken()
		s.refresh[next] = &refreshToken{userID: u.id, sessionID: rt.sessionID}

		writeJSON(w, http.StatusOK, sessionResponse{
			AccessToken:  accessToken,
			TokenType:    "bearer",
			ExpiresIn:    int(s.tokenTTL / time.Second),
			ExpiresAt:    expiresAt,
			RefreshToken: next,
			User:         u.response(),
		})

	default:
		writeAuthError(w, http.StatusBadRequest, fmt.Sprintf("unsupported grant_type: %s", grant))
	}
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	claims := s.bearerClaims(r)
	if claims == nil {
		writeAuthError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	sessionID, _ := claims["session_id"].(string)

	s.mu.Lock()
	for _, rt := range s.refresh {
		if rt.sessionID == sessionID {
			rt.revoked = true
		}
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	claims := s.bearerClaims(r)
	if claims == nil {
		writeAuthError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	sub, _ := claims["sub"].(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[sub]
	if !ok {
		writeAuthError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, u.response())
}

func (s *Server) updateUser(w http.ResponseWriter, r *http.Request) {
	claims := s.bearerClaims(r)
	if claims == nil {
		writeAuthError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	sub, _ := claims["sub"].(string)

	var req updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[sub]
	if !ok {
		writeAuthError(w, http.StatusNotFound, "user not found")
		return
	}

	if req.Email != "" {
		email := strings.ToLower(strings.TrimSpace(req.Email))
		if id, taken := s.emails[email]; taken && id != u.id {
			writeAuthError(w, http.StatusBadRequest, "email already in use")
			return
		}
		delete(s.emails, u.email)
		s.emails[email] = u.id
		u.email = email
	}
	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
		if err != nil {
			writeAuthError(w, http.StatusInternalServerError, "failed to hash password")
			return
		}
		u.passwordHash = hash
	}
	if req.Data != nil {
		for k, v := range req.Data {
			u.userMeta[k] = v
		}
	}
	u.updatedAt = time.Now().UTC()

	writeJSON(w, http.StatusOK, u.response())
}
