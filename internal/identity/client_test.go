package identity

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ansoraGROUP/rlslab/internal/backendtest"
	"github.com/ansoraGROUP/rlslab/internal/logging"
	"github.com/jonboulle/clockwork"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func newTestClient(srv *backendtest.Server, opts ...Option) *Client {
	base := []Option{WithLogger(logging.Discard()), WithRetry(time.Millisecond, 3)}
	return NewClient(srv.URL, srv.AnonKey(), append(base, opts...)...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
	last   *Session
}

func recordEvents(c *Client) *eventLog {
	l := &eventLog{}
	c.OnAuthStateChange(func(e Event, s *Session) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, e)
		l.last = s
	})
	return l
}

func (l *eventLog) snapshot() ([]Event, *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...), l.last
}

func signIn(t *testing.T, c *Client, email, password string) *Session {
	t.Helper()
	sess, err := c.SignInWithPassword(context.Background(), email, password)
	if err != nil {
		t.Fatalf("SignInWithPassword: %v", err)
	}
	return sess
}

// ---------------------------------------------------------------------------
// SignUp
// ---------------------------------------------------------------------------

func TestSignUp_AutoconfirmStoresSessionAndEmitsSignedIn(t *testing.T) {
	srv := backendtest.New(t)
	c := newTestClient(srv)
	events := recordEvents(c)

	user, err := c.SignUp(context.Background(), "jim@hawkins.test", "password123", map[string]interface{}{
		"first_name": "Jim",
		"last_name":  "Hopper",
	})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if user.ID == "" || user.Email != "jim@hawkins.test" {
		t.Errorf("unexpected user: %+v", user)
	}
	if user.Metadata("first_name") != "Jim" {
		t.Errorf("expected first_name metadata Jim, got %q", user.Metadata("first_name"))
	}

	got, last := events.snapshot()
	if len(got) != 1 || got[0] != EventSignedIn {
		t.Fatalf("expected [SIGNED_IN], got %v", got)
	}
	if last == nil || last.User.ID != user.ID {
		t.Errorf("expected event session for %s, got %+v", user.ID, last)
	}

	sess, err := c.GetSession(context.Background())
	if err != nil || sess == nil {
		t.Fatalf("GetSession after signup: %v %v", sess, err)
	}
	if sess.ExpiresAt == 0 {
		t.Error("expected ExpiresAt to be set")
	}
}

func TestSignUp_PendingConfirmationReturnsUserOnly(t *testing.T) {
	srv := backendtest.New(t)
	srv.SetAutoconfirm(false)
	c := newTestClient(srv)
	events := recordEvents(c)

	user, err := c.SignUp(context.Background(), "max@hawkins.test", "password123", nil)
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if user.ID == "" {
		t.Error("expected user id")
	}
	if user.EmailConfirmedAt != nil {
		t.Error("expected unconfirmed user")
	}
	if got, _ := events.snapshot(); len(got) != 0 {
		t.Errorf("expected no events, got %v", got)
	}
	sess, err := c.GetSession(context.Background())
	if err != nil || sess != nil {
		t.Errorf("expected no session, got %v %v", sess, err)
	}
}

func TestSignUp_DuplicateEmail(t *testing.T) {
	srv := backendtest.New(t)
	srv.CreateUser("a@b.com", "password123", "Jim", "Hopper")
	c := newTestClient(srv)

	_, err := c.SignUp(context.Background(), "a@b.com", "password123", nil)
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if ae.Status != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", ae.Status)
	}
	if ae.Error() != "User already registered" {
		t.Errorf("unexpected message: %q", ae.Error())
	}
}

// ---------------------------------------------------------------------------
// SignInWithPassword
// ---------------------------------------------------------------------------

func TestSignInWithPassword_Success(t *testing.T) {
	srv := backendtest.New(t)
	id := srv.CreateUser("alex@test.com", "123456", "Alex", "Munoz")
	c := newTestClient(srv)
	events := recordEvents(c)

	sess := signIn(t, c, "alex@test.com", "123456")
	if sess.User.ID != id {
		t.Errorf("expected user %s, got %s", id, sess.User.ID)
	}
	if sess.AccessToken == "" || sess.RefreshToken == "" {
		t.Error("expected tokens")
	}
	if sess.TokenType != "bearer" {
		t.Errorf("expected bearer token type, got %q", sess.TokenType)
	}

	claims, err := ParseClaims(sess.AccessToken)
	if err != nil {
		t.Fatalf("ParseClaims: %v", err)
	}
	if claims.Subject != id || claims.Email != "alex@test.com" {
		t.Errorf("unexpected claims: %+v", claims)
	}

	if got, _ := events.snapshot(); len(got) != 1 || got[0] != EventSignedIn {
		t.Errorf("expected [SIGNED_IN], got %v", got)
	}
}

func TestSignInWithPassword_InvalidCredentials(t *testing.T) {
	srv := backendtest.New(t)
	srv.CreateUser("alex@test.com", "123456", "Alex", "Munoz")
	c := newTestClient(srv)
	events := recordEvents(c)

	_, err := c.SignInWithPassword(context.Background(), "alex@test.com", "wrong-password")
	if !IsAuthError(err, http.StatusBadRequest) {
		t.Fatalf("expected 400 AuthError, got %v", err)
	}
	if err.Error() != "Invalid login credentials" {
		t.Errorf("unexpected message: %q", err.Error())
	}
	if got, _ := events.snapshot(); len(got) != 0 {
		t.Errorf("expected no events, got %v", got)
	}
}

func TestSignInWithPassword_UnreachableProvider(t *testing.T) {
	srv := backendtest.New(t)
	c := newTestClient(srv)
	srv.Close()

	if _, err := c.SignInWithPassword(context.Background(), "a@b.com", "password"); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestSignInWithPassword_VerifiesTokenWithSecret(t *testing.T) {
	srv := backendtest.New(t)
	srv.CreateUser("alex@test.com", "123456", "Alex", "Munoz")

	good := newTestClient(srv, WithJWTSecret(srv.Secret()))
	signIn(t, good, "alex@test.com", "123456")

	bad := newTestClient(srv, WithJWTSecret("some-other-secret-that-is-32-chars-long"))
	events := recordEvents(bad)
	if _, err := bad.SignInWithPassword(context.Background(), "alex@test.com", "123456"); err == nil {
		t.Fatal("expected verification failure")
	}
	if got, _ := events.snapshot(); len(got) != 0 {
		t.Errorf("expected unverified session to be dropped, got events %v", got)
	}
}

// ---------------------------------------------------------------------------
// SignOut
// ---------------------------------------------------------------------------

func TestSignOut_ClearsSessionAndEmitsSignedOut(t *testing.T) {
	srv := backendtest.New(t)
	srv.CreateUser("alex@test.com", "123456", "Alex", "Munoz")
	c := newTestClient(srv)
	signIn(t, c, "alex@test.com", "123456")
	events := recordEvents(c)

	if err := c.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	got, last := events.snapshot()
	if len(got) != 1 || got[0] != EventSignedOut {
		t.Fatalf("expected [SIGNED_OUT], got %v", got)
	}
	if last != nil {
		t.Error("expected nil session with SIGNED_OUT")
	}
	if srv.Hits(http.MethodPost, "/auth/v1/logout") != 1 {
		t.Error("expected one logout request")
	}
	if sess, _ := c.GetSession(context.Background()); sess != nil {
		t.Error("expected session to be cleared")
	}
}

func TestSignOut_WithoutSessionSkipsRemoteCall(t *testing.T) {
	srv := backendtest.New(t)
	c := newTestClient(srv)

	if err := c.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if n := srv.Hits(http.MethodPost, "/auth/v1/logout"); n != 0 {
		t.Errorf("expected no logout request, got %d", n)
	}
}

func TestSignOut_RejectedSessionStillClears(t *testing.T) {
	srv := backendtest.New(t)
	srv.CreateUser("alex@test.com", "123456", "Alex", "Munoz")
	c := newTestClient(srv)
	signIn(t, c, "alex@test.com", "123456")
	srv.FailNext(http.MethodPost, "/auth/v1/logout", http.StatusUnauthorized, "not authenticated")

	if err := c.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if sess, _ := c.GetSession(context.Background()); sess != nil {
		t.Error("expected session to be cleared")
	}
}

func TestSignOut_ServerErrorKeepsSession(t *testing.T) {
	srv := backendtest.New(t)
	srv.CreateUser("alex@test.com", "123456", "Alex", "Munoz")
	c := newTestClient(srv)
	signIn(t, c, "alex@test.com", "123456")
	srv.FailNext(http.MethodPost, "/auth/v1/logout", http.StatusInternalServerError, "boom")

	if err := c.SignOut(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if sess, _ := c.GetSession(context.Background()); sess == nil {
		t.Error("expected session to survive a failed sign-out")
	}
}

// ---------------------------------------------------------------------------
// GetSession / refresh
// ---------------------------------------------------------------------------

func TestGetSession_RefreshesExpiredToken(t *testing.T) {
	srv := backendtest.New(t)
	srv.CreateUser("alex@test.com", "123456", "Alex", "Munoz")
	clock := clockwork.NewFakeClockAt(time.Now())
	c := newTestClient(srv, WithClock(clock))
	first := signIn(t, c, "alex@test.com", "123456")
	events := recordEvents(c)

	clock.Advance(2 * time.Hour)

	sess, err := c.GetSession(context.Background())
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.RefreshToken == first.RefreshToken {
		t.Error("expected refresh token to rotate")
	}
	if got, _ := events.snapshot(); len(got) != 1 || got[0] != EventTokenRefreshed {
		t.Errorf("expected [TOKEN_REFRESHED], got %v", got)
	}
}

func TestGetSession_FreshTokenIsNotRefreshed(t *testing.T) {
	srv := backendtest.New(t)
	srv.CreateUser("alex@test.com", "123456", "Alex", "Munoz")
	c := newTestClient(srv)
	first := signIn(t, c, "alex@test.com", "123456")

	sess, err := c.GetSession(context.Background())
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.RefreshToken != first.RefreshToken {
		t.Error("expected the same session")
	}
	if n := srv.Hits(http.MethodPost, "/auth/v1/token"); n != 1 {
		t.Errorf("expected only the sign-in token request, got %d", n)
	}
}

func TestGetSession_RevokedRefreshTokenClearsSession(t *testing.T) {
	srv := backendtest.New(t)
	id := srv.CreateUser("alex@test.com", "123456", "Alex", "Munoz")
	clock := clockwork.NewFakeClockAt(time.Now())
	c := newTestClient(srv, WithClock(clock))
	signIn(t, c, "alex@test.com", "123456")
	events := recordEvents(c)

	srv.RevokeSessions(id)
	clock.Advance(2 * time.Hour)

	sess, err := c.GetSession(context.Background())
	if err == nil || sess != nil {
		t.Fatalf("expected refresh failure, got %v %v", sess, err)
	}
	if !IsAuthError(err, http.StatusBadRequest) {
		t.Errorf("expected wrapped 400 AuthError, got %v", err)
	}
	if got, _ := events.snapshot(); len(got) != 1 || got[0] != EventSignedOut {
		t.Errorf("expected [SIGNED_OUT], got %v", got)
	}
	if n := srv.Hits(http.MethodPost, "/auth/v1/token"); n != 2 {
		t.Errorf("expected no retry of a rejected refresh token, got %d token requests", n)
	}

	sess, err = c.GetSession(context.Background())
	if err != nil || sess != nil {
		t.Errorf("expected no session afterwards, got %v %v", sess, err)
	}
}

func TestGetSession_RetriesTransientRefreshFailures(t *testing.T) {
	srv := backendtest.New(t)
	srv.CreateUser("alex@test.com", "123456", "Alex", "Munoz")
	clock := clockwork.NewFakeClockAt(time.Now())
	c := newTestClient(srv, WithClock(clock))
	signIn(t, c, "alex@test.com", "123456")

	srv.FailNext(http.MethodPost, "/auth/v1/token", http.StatusServiceUnavailable, "unavailable")
	clock.Advance(2 * time.Hour)

	sess, err := c.GetSession(context.Background())
	if err != nil || sess == nil {
		t.Fatalf("expected refresh to succeed after retry, got %v %v", sess, err)
	}
	if n := srv.Hits(http.MethodPost, "/auth/v1/token"); n != 3 {
		t.Errorf("expected sign-in + failed + successful refresh, got %d", n)
	}
}

func TestGetSession_LoadsFromStore(t *testing.T) {
	srv := backendtest.New(t)
	srv.CreateUser("alex@test.com", "123456", "Alex", "Munoz")
	store := NewMemoryStore()

	first := newTestClient(srv, WithStore(store))
	want := signIn(t, first, "alex@test.com", "123456")

	second := newTestClient(srv, WithStore(store))
	got, err := second.GetSession(context.Background())
	if err != nil || got == nil {
		t.Fatalf("expected stored session, got %v %v", got, err)
	}
	if got.AccessToken != want.AccessToken {
		t.Error("expected the persisted access token")
	}

	if err := second.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if stored, _ := store.Load(context.Background()); stored != nil {
		t.Error("expected sign-out to remove the stored session")
	}
}

func TestAccessToken_RequiresSession(t *testing.T) {
	srv := backendtest.New(t)
	c := newTestClient(srv)

	if _, err := c.AccessToken(context.Background()); !errors.Is(err, ErrSessionMissing) {
		t.Errorf("expected ErrSessionMissing, got %v", err)
	}
}

func TestRefreshSession_WithoutSession(t *testing.T) {
	srv := backendtest.New(t)
	c := newTestClient(srv)

	if _, err := c.RefreshSession(context.Background()); !errors.Is(err, ErrSessionMissing) {
		t.Errorf("expected ErrSessionMissing, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// User endpoints
// ---------------------------------------------------------------------------

func TestGetUser(t *testing.T) {
	srv := backendtest.New(t)
	id := srv.CreateUser("alex@test.com", "123456", "Alex", "Munoz")
	c := newTestClient(srv)
	signIn(t, c, "alex@test.com", "123456")

	user, err := c.GetUser(context.Background())
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user.ID != id || user.Metadata("last_name") != "Munoz" {
		t.Errorf("unexpected user: %+v", user)
	}
}

func TestUpdateUser_EmitsUserUpdated(t *testing.T) {
	srv := backendtest.New(t)
	srv.CreateUser("alex@test.com", "123456", "Alex", "Munoz")
	c := newTestClient(srv)
	signIn(t, c, "alex@test.com", "123456")
	events := recordEvents(c)

	user, err := c.UpdateUser(context.Background(), UserAttributes{
		Data: map[string]interface{}{"first_name": "Jim"},
	})
	if err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if user.Metadata("first_name") != "Jim" {
		t.Errorf("expected updated first_name, got %q", user.Metadata("first_name"))
	}

	got, last := events.snapshot()
	if len(got) != 1 || got[0] != EventUserUpdated {
		t.Fatalf("expected [USER_UPDATED], got %v", got)
	}
	if last.User.Metadata("first_name") != "Jim" {
		t.Error("expected session user to carry the update")
	}
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

func TestOnAuthStateChange_CancelStopsDelivery(t *testing.T) {
	srv := backendtest.New(t)
	srv.CreateUser("alex@test.com", "123456", "Alex", "Munoz")
	c := newTestClient(srv)

	var calls int
	sub := c.OnAuthStateChange(func(Event, *Session) { calls++ })
	if sub.ID == "" {
		t.Error("expected subscription id")
	}
	signIn(t, c, "alex@test.com", "123456")

	sub.Cancel()
	sub.Cancel()
	if err := c.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 delivery before cancel, got %d", calls)
	}
}

func TestOnAuthStateChange_ListenersRunInRegistrationOrder(t *testing.T) {
	srv := backendtest.New(t)
	srv.CreateUser("alex@test.com", "123456", "Alex", "Munoz")
	c := newTestClient(srv)

	var order []int
	c.OnAuthStateChange(func(Event, *Session) { order = append(order, 1) })
	c.OnAuthStateChange(func(Event, *Session) { order = append(order, 2) })
	signIn(t, c, "alex@test.com", "123456")

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("expected [1 2], got %v", order)
	}
}
