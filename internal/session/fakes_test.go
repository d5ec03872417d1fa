package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ansoraGROUP/rlslab/internal/data"
	"github.com/ansoraGROUP/rlslab/internal/identity"
	"github.com/ansoraGROUP/rlslab/internal/logging"
)

// ---------------------------------------------------------------------------
// Scripted identity provider
// ---------------------------------------------------------------------------

type fakeProvider struct {
	mu        sync.Mutex
	listeners map[int]func(identity.Event, *identity.Session)
	nextID    int
	current   *identity.Session
	users     map[string]identity.User // by email

	// getSession, when set, replaces the default GetSession.
	getSession func(ctx context.Context) (*identity.Session, error)
	// silent suppresses notifications from SignInWithPassword and SignUp.
	silent bool

	signUpErr  error
	signInErr  error
	signOutErr error

	lastCallback func(identity.Event, *identity.Session)
	signUpMeta   []map[string]interface{}
	signOutCalls int
	cancelled    chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		listeners: make(map[int]func(identity.Event, *identity.Session)),
		users:     make(map[string]identity.User),
		cancelled: make(chan struct{}, 8),
	}
}

func providerSession(id, email, first, last string) *identity.Session {
	meta := map[string]interface{}{}
	if first != "" {
		meta["first_name"] = first
	}
	if last != "" {
		meta["last_name"] = last
	}
	return &identity.Session{
		AccessToken:  "access-" + id,
		RefreshToken: "refresh-" + id,
		TokenType:    "bearer",
		User:         identity.User{ID: id, Email: email, UserMetadata: meta},
	}
}

func (f *fakeProvider) addUser(s *identity.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[s.User.Email] = s.User
}

func (f *fakeProvider) setCurrent(s *identity.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = s
}

// emit delivers a notification synchronously, like the real client.
func (f *fakeProvider) emit(e identity.Event, s *identity.Session) {
	f.mu.Lock()
	ls := make([]func(identity.Event, *identity.Session), 0, len(f.listeners))
	for _, l := range f.listeners {
		ls = append(ls, l)
	}
	f.mu.Unlock()
	for _, l := range ls {
		l(e, s)
	}
}

func (f *fakeProvider) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func (f *fakeProvider) SignUp(ctx context.Context, email, password string, metadata map[string]interface{}) (*identity.User, error) {
	f.mu.Lock()
	f.signUpMeta = append(f.signUpMeta, metadata)
	err := f.signUpErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	u := identity.User{ID: "new-" + email, Email: email, UserMetadata: metadata}
	return &u, nil
}

func (f *fakeProvider) SignInWithPassword(ctx context.Context, email, password string) (*identity.Session, error) {
	f.mu.Lock()
	if f.signInErr != nil {
		err := f.signInErr
		f.mu.Unlock()
		return nil, err
	}
	u, ok := f.users[email]
	if !ok {
		f.mu.Unlock()
		return nil, &identity.AuthError{Status: 400, Message: "Invalid login credentials"}
	}
	s := &identity.Session{AccessToken: "access-" + u.ID, TokenType: "bearer", User: u}
	f.current = s
	silent := f.silent
	f.mu.Unlock()

	if !silent {
		f.emit(identity.EventSignedIn, s)
	}
	return s, nil
}

func (f *fakeProvider) SignOut(ctx context.Context) error {
	f.mu.Lock()
	f.signOutCalls++
	if f.signOutErr != nil {
		err := f.signOutErr
		f.mu.Unlock()
		return err
	}
	f.current = nil
	f.mu.Unlock()

	f.emit(identity.EventSignedOut, nil)
	return nil
}

func (f *fakeProvider) GetSession(ctx context.Context) (*identity.Session, error) {
	f.mu.Lock()
	hook, cur := f.getSession, f.current
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx)
	}
	return cur, nil
}

func (f *fakeProvider) OnAuthStateChange(fn func(identity.Event, *identity.Session)) *identity.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.listeners[id] = fn
	f.lastCallback = fn
	return identity.NewSubscription("fake", func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
		f.cancelled <- struct{}{}
	})
}

// ---------------------------------------------------------------------------
// Role resolver
// ---------------------------------------------------------------------------

type fakeRoles struct {
	mu    sync.Mutex
	roles map[string]string
	err   error

	// block holds lookups for an id until the channel is closed.
	block map[string]chan struct{}
	// ignoreCtx keeps blocked lookups waiting even after cancellation.
	ignoreCtx bool
	started   chan string
	calls     int
}

func newFakeRoles() *fakeRoles {
	return &fakeRoles{
		roles:   make(map[string]string),
		block:   make(map[string]chan struct{}),
		started: make(chan string, 64),
	}
}

func (f *fakeRoles) set(id, role string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[id] = role
}

// hold makes lookups for id wait until the returned function is called.
func (f *fakeRoles) hold(id string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.block[id] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *fakeRoles) QueryRole(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	f.calls++
	block := f.block[id]
	ignoreCtx := f.ignoreCtx
	f.mu.Unlock()

	select {
	case f.started <- id:
	default:
	}
	if block != nil {
		if ignoreCtx {
			<-block
		} else {
			select {
			case <-block:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	role, ok := f.roles[id]
	if !ok {
		return "", data.ErrNotFound
	}
	return role, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestManager(t *testing.T, p *fakeProvider, r *fakeRoles) *Manager {
	t.Helper()
	m := New(p, r, WithLogger(logging.Discard()), WithRoleTimeout(5*time.Second))
	t.Cleanup(m.Close)
	return m
}

func startManager(t *testing.T, m *Manager) {
	t.Helper()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

// waitFor blocks until pred holds for the manager's snapshot.
func waitFor(t *testing.T, m *Manager, what string, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	changed := make(chan struct{}, 1)
	cancel := m.Subscribe(func(Snapshot) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer cancel()

	deadline := time.After(5 * time.Second)
	for {
		if s := m.Snapshot(); pred(s) {
			return s
		}
		select {
		case <-changed:
		case <-deadline:
			t.Fatalf("timed out waiting for %s; snapshot %+v", what, m.Snapshot())
		}
	}
}

func isPresent(id string) func(Snapshot) bool {
	return func(s Snapshot) bool {
		return s.State == StatePresent && s.Session != nil && s.Session.ID == id
	}
}

func waitStarted(t *testing.T, r *fakeRoles, id string) {
	t.Helper()
	select {
	case got := <-r.started:
		if got != id {
			t.Fatalf("expected lookup for %s, got %s", id, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("role lookup for %s never started", id)
	}
}

func (m *Manager) versionForTest() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}
