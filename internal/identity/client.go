package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	defaultTickInterval  = 30 * time.Second
	defaultRetryInterval = 200 * time.Millisecond
	defaultMaxRetries    = 4

	// A token refresh is attempted when the access token expires within
	// autoRefreshTicks ticks of the refresh loop.
	autoRefreshTicks = 3

	// GetSession treats tokens this close to expiry as already expired.
	expiryMargin = 10 * time.Second

	clientInfo = "rlslab-go/1"
)

// Client is a GoTrue-compatible auth client. It implements Provider.
type Client struct {
	baseURL       string
	apiKey        string
	http          *http.Client
	store         Store
	clock         clockwork.Clock
	log           *slog.Logger
	jwtSecret     string
	tick          time.Duration
	retryInterval time.Duration
	maxRetries    uint

	mu      sync.Mutex
	session *Session
	loaded  bool

	// emitMu orders a session write with the notification that announces it.
	emitMu sync.Mutex
	// refreshMu keeps two callers from spending the same refresh token.
	refreshMu sync.Mutex

	listenersMu sync.Mutex
	listeners   []listener
}

type listener struct {
	id string
	fn func(Event, *Session)
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }
func WithStore(s Store) Option             { return func(c *Client) { c.store = s } }
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.log = l } }

// WithJWTSecret makes the client reject sessions whose access token does not
// verify against the project secret.
func WithJWTSecret(secret string) Option { return func(c *Client) { c.jwtSecret = secret } }

// WithRefreshTick sets the auto-refresh loop interval.
func WithRefreshTick(d time.Duration) Option { return func(c *Client) { c.tick = d } }

// WithRetry configures the backoff used for refresh-token grants.
func WithRetry(initial time.Duration, maxTries uint) Option {
	return func(c *Client) {
		c.retryInterval = initial
		c.maxRetries = maxTries
	}
}

// NewClient creates a client for the project at baseURL (e.g.
// https://xyz.supabase.co) authenticating with the project's anon key.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:       baseURL,
		apiKey:        apiKey,
		http:          &http.Client{Timeout: 10 * time.Second},
		store:         NewMemoryStore(),
		clock:         clockwork.NewRealClock(),
		log:           slog.Default(),
		tick:          defaultTickInterval,
		retryInterval: defaultRetryInterval,
		maxRetries:    defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ---------- Credential operations ----------

// SignUp creates a user. When the project auto-confirms, the response carries
// a session which is stored and announced with EventSignedIn.
func (c *Client) SignUp(ctx context.Context, email, password string, metadata map[string]interface{}) (*User, error) {
	body := map[string]interface{}{"email": email, "password": password}
	if len(metadata) > 0 {
		body["data"] = metadata
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/auth/v1/signup", nil, "", body, &raw); err != nil {
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode signup response: %w", err)
	}
	if sess.AccessToken != "" {
		if err := c.acceptSession(ctx, &sess, EventSignedIn); err != nil {
			return nil, err
		}
		user := sess.User
		return &user, nil
	}

	// Confirmation pending: the body is the bare user.
	var user User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("decode signup response: %w", err)
	}
	return &user, nil
}

// SignInWithPassword exchanges credentials for a session.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{"email": email, "password": password}
	q := url.Values{"grant_type": {"password"}}

	var sess Session
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token", q, "", body, &sess); err != nil {
		return nil, err
	}
	if sess.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	if err := c.acceptSession(ctx, &sess, EventSignedIn); err != nil {
		return nil, err
	}
	cp := sess
	return &cp, nil
}

// SignOut revokes the current session remotely and clears it locally.
// A session the server no longer knows about is cleared all the same.
func (c *Client) SignOut(ctx context.Context) error {
	sess, err := c.currentSession(ctx)
	if err != nil {
		c.log.Warn("Failed to load session before sign-out", "error", err)
	}

	if sess != nil {
		err := c.do(ctx, http.MethodPost, "/auth/v1/logout", nil, sess.AccessToken, map[string]string{}, nil)
		if err != nil && !IsAuthError(err, http.StatusUnauthorized) &&
			!IsAuthError(err, http.StatusForbidden) && !IsAuthError(err, http.StatusNotFound) {
			return fmt.Errorf("sign out: %w", err)
		}
	}

	c.clearSession(ctx)
	return nil
}

// ---------- Session access ----------

// GetSession returns the current session, loading it from the store on first
// use and refreshing it when the access token is about to expire.
func (c *Client) GetSession(ctx context.Context) (*Session, error) {
	sess, err := c.currentSession(ctx)
	if err != nil || sess == nil {
		return nil, err
	}
	if !sess.ExpiresWithin(c.clock.Now(), expiryMargin) {
		cp := *sess
		return &cp, nil
	}
	return c.refreshIfNeeded(ctx, expiryMargin)
}

// AccessToken returns a valid access token for data requests.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	sess, err := c.GetSession(ctx)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", ErrSessionMissing
	}
	return sess.AccessToken, nil
}

// GetUser fetches the signed-in user from the server.
func (c *Client) GetUser(ctx context.Context) (*User, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	var user User
	if err := c.do(ctx, http.MethodGet, "/auth/v1/user", nil, token, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UserAttributes are the mutable user fields.
type UserAttributes struct {
	Email    string                 `json:"email,omitempty"`
	Password string                 `json:"password,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// UpdateUser changes the signed-in user and announces EventUserUpdated.
func (c *Client) UpdateUser(ctx context.Context, attrs UserAttributes) (*User, error) {
	sess, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionMissing
	}

	var user User
	if err := c.do(ctx, http.MethodPut, "/auth/v1/user", nil, sess.AccessToken, attrs, &user); err != nil {
		return nil, err
	}

	sess.User = user
	c.setSession(ctx, sess, EventUserUpdated)
	return &user, nil
}

// OnAuthStateChange registers fn for session changes. Listeners run on the
// goroutine that caused the change and must not block or call back into
// mutating Client methods.
func (c *Client) OnAuthStateChange(fn func(Event, *Session)) *Subscription {
	id := uuid.NewString()

	c.listenersMu.Lock()
	c.listeners = append(c.listeners, listener{id: id, fn: fn})
	c.listenersMu.Unlock()

	return NewSubscription(id, func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
				return
			}
		}
	})
}

// ---------- Internal helpers ----------

func (c *Client) currentSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	if c.loaded {
		s := c.session
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	stored, err := c.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		c.session = stored
		c.loaded = true
	}
	return c.session, nil
}

// acceptSession fills in a missing absolute expiry, verifies the token when a
// secret is configured and then stores and announces the session.
func (c *Client) acceptSession(ctx context.Context, sess *Session, event Event) error {
	if sess.ExpiresAt == 0 && sess.ExpiresIn > 0 {
		sess.ExpiresAt = c.clock.Now().Add(time.Duration(sess.ExpiresIn) * time.Second).Unix()
	}
	if c.jwtSecret != "" {
		claims, err := VerifyClaims(sess.AccessToken, c.jwtSecret)
		if err != nil {
			return err
		}
		if sess.User.ID != "" && claims.Subject != sess.User.ID {
			return fmt.Errorf("invalid access token: subject does not match user")
		}
	}
	c.setSession(ctx, sess, event)
	return nil
}

func (c *Client) setSession(ctx context.Context, sess *Session, event Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	cp := *sess
	c.mu.Lock()
	c.session = &cp
	c.loaded = true
	c.mu.Unlock()

	if err := c.store.Save(ctx, &cp); err != nil {
		c.log.Warn("Failed to persist session", "error", err)
	}
	c.emit(event, &cp)
}

func (c *Client) clearSession(ctx context.Context) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	c.session = nil
	c.loaded = true
	c.mu.Unlock()

	if err := c.store.Remove(ctx); err != nil {
		c.log.Warn("Failed to remove persisted session", "error", err)
	}
	c.emit(EventSignedOut, nil)
}

func (c *Client) emit(event Event, sess *Session) {
	c.listenersMu.Lock()
	ls := make([]listener, len(c.listeners))
	copy(ls, c.listeners)
	c.listenersMu.Unlock()

	c.log.Debug("Auth state change", "event", event, "listeners", len(ls))
	for _, l := range ls {
		var arg *Session
		if sess != nil {
			cp := *sess
			arg = &cp
		}
		l.fn(event, arg)
	}
}

// do performs an auth API request. token, when set, replaces the anon key
// in the Authorization header.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, token string, in, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	bearer := c.apiKey
	if token != "" {
		bearer = token
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Client-Info", clientInfo)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
