package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ansoraGROUP/rlslab/internal/data"
	"github.com/ansoraGROUP/rlslab/internal/identity"
	"github.com/ansoraGROUP/rlslab/internal/metrics"
)

const defaultRoleTimeout = 10 * time.Second

// Manager owns the application's Session. It is constructed once and its
// handle passed to every consumer.
type Manager struct {
	provider    identity.Provider
	roles       data.RoleResolver
	log         *slog.Logger
	roleTimeout time.Duration

	mu           sync.Mutex
	started      bool
	closed       bool
	state        State
	session      *Session
	initializing bool
	seq          uint64 // last sequence handed out
	applied      uint64 // sequence of the result currently reflected
	version      uint64 // bumped on every visible change
	observers    []observer
	nextObserver int

	// notifyMu serializes observer delivery; delivered drops out-of-order
	// snapshots.
	notifyMu  sync.Mutex
	delivered uint64

	sub    *identity.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type observer struct {
	id int
	fn func(Snapshot)
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// WithRoleTimeout bounds each role lookup.
func WithRoleTimeout(d time.Duration) Option { return func(m *Manager) { m.roleTimeout = d } }

func New(provider identity.Provider, roles data.RoleResolver, opts ...Option) *Manager {
	m := &Manager{
		provider:    provider,
		roles:       roles,
		log:         slog.Default(),
		roleTimeout: defaultRoleTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// ---------- Lifecycle ----------

// Start marks the manager initializing, subscribes to provider notifications
// and performs the initial session check, including role resolution. It
// returns once that first resolution has been applied (or superseded).
func (m *Manager) Start(ctx context.Context) error {
	if m.provider == nil || m.roles == nil {
		return &ConfigurationError{Op: "start", Reason: "identity provider and role resolver are required"}
	}

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.started:
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.initializing = true
	before := m.snapshotLocked()
	m.state = StateInitializing
	m.commitLocked(before)

	// Stamp the initial check before subscribing: any notification that
	// arrives while it runs is newer and wins.
	m.seq++
	initialSeq := m.seq
	m.mu.Unlock()

	sub := m.provider.OnAuthStateChange(m.onAuthStateChange)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sub.Cancel()
		return nil
	}
	m.sub = sub
	m.mu.Unlock()

	var next *Session
	sess, err := m.provider.GetSession(ctx)
	if err != nil {
		m.log.Warn("Initial session check failed", "error", err)
	} else if sess != nil {
		if s, err := fromIdentity(sess); err != nil {
			m.log.Warn("Ignoring malformed provider session", "error", err)
		} else {
			rctx, cancel := context.WithTimeout(ctx, m.roleTimeout)
			stop := context.AfterFunc(m.ctx, cancel)
			s.Role = m.resolveRole(rctx, s.ID)
			stop()
			cancel()
			next = &s
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		metrics.StaleResults.WithLabelValues("closed").Inc()
		return nil
	}
	before = m.snapshotLocked()
	if m.applied < initialSeq {
		m.applied = initialSeq
		if next != nil {
			m.state, m.session = StatePresent, next
		} else {
			m.state, m.session = StateAbsent, nil
		}
	} else {
		metrics.StaleResults.WithLabelValues("stale").Inc()
		m.log.Debug("Initial session check superseded by a notification")
	}
	m.initializing = false
	m.commitLocked(before)
	m.mu.Unlock()
	return nil
}

// Close tears the manager down: no state is written afterwards. It cancels
// the provider subscription, aborts in-flight role lookups and waits for
// them to return. Safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sub := m.sub
	m.mu.Unlock()

	sub.Cancel()
	m.cancel()
	m.wg.Wait()
}

// ---------- Accessors ----------

// Snapshot returns the current state. Before Start it reports
// StateUninitialized.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Current returns the present session, or nil when absent or pending.
func (m *Manager) Current() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil, ErrNotStarted
	}
	if m.state != StatePresent {
		return nil, nil
	}
	cp := *m.session
	return &cp, nil
}

// Initializing reports whether the initial check is still running.
func (m *Manager) Initializing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initializing
}

// Subscribe registers fn for visible changes. Observers run one at a time,
// off the goroutine that made the change; a snapshot older than one already
// delivered is skipped, so the last call always carries the latest state.
func (m *Manager) Subscribe(fn func(Snapshot)) (cancel func()) {
	m.mu.Lock()
	m.nextObserver++
	id := m.nextObserver
	m.observers = append(m.observers, observer{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, o := range m.observers {
				if o.id == id {
					m.observers = append(m.observers[:i], m.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// ---------- Credential operations ----------

// SignUp registers a user with first_name and last_name metadata. The
// session changes only when the provider announces it.
func (m *Manager) SignUp(ctx context.Context, email, password, firstName, lastName string) Result {
	if err := m.ready(); err != nil {
		return Result{Error: err.Error()}
	}
	user, err := m.provider.SignUp(ctx, email, password, map[string]interface{}{
		"first_name": firstName,
		"last_name":  lastName,
	})
	metrics.CredentialOps.WithLabelValues("sign_up", metrics.Outcome(err)).Inc()
	if err != nil {
		m.log.Info("Sign up rejected", "email", email, "error", err)
		return Result{Error: providerMessage(err)}
	}
	return Result{Success: true, Data: user}
}

// SignIn verifies credentials with the provider. Like SignUp it leaves the
// session to the notification path.
func (m *Manager) SignIn(ctx context.Context, email, password string) Result {
	if err := m.ready(); err != nil {
		return Result{Error: err.Error()}
	}
	sess, err := m.provider.SignInWithPassword(ctx, email, password)
	metrics.CredentialOps.WithLabelValues("sign_in", metrics.Outcome(err)).Inc()
	if err != nil {
		m.log.Info("Sign in rejected", "email", email, "error", err)
		return Result{Error: providerMessage(err)}
	}
	return Result{Success: true, Data: &sess.User}
}

// SignOut asks the provider to end the session. Failures are logged only.
func (m *Manager) SignOut(ctx context.Context) {
	err := m.provider.SignOut(ctx)
	metrics.CredentialOps.WithLabelValues("sign_out", metrics.Outcome(err)).Inc()
	if err != nil {
		m.log.Error("Sign out failed", "error", err)
	}
}

func (m *Manager) ready() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return ErrClosed
	case !m.started:
		return ErrNotStarted
	}
	return nil
}

// ---------- Notification path ----------

func (m *Manager) onAuthStateChange(event identity.Event, sess *identity.Session) {
	var next Session
	present := sess != nil
	if present {
		s, err := fromIdentity(sess)
		if err != nil {
			m.log.Warn("Ignoring malformed provider session", "event", event, "error", err)
			return
		}
		next = s
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		metrics.StaleResults.WithLabelValues("closed").Inc()
		return
	}
	m.seq++
	seq := m.seq
	m.applied = seq
	before := m.snapshotLocked()

	if !present {
		m.state, m.session = StateAbsent, nil
		m.commitLocked(before)
		m.mu.Unlock()
		m.log.Debug("Session cleared", "event", event)
		return
	}

	if m.state == StatePresent && m.session.ID == next.ID {
		// Same identity (token refresh, profile update): stay present with
		// the known role while it is re-resolved.
		keep := next
		keep.Role = m.session.Role
		m.session = &keep
	} else {
		m.state, m.session = StatePending, nil
	}
	m.commitLocked(before)
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.completeResolution(seq, next)
	}()
}

func (m *Manager) completeResolution(seq uint64, next Session) {
	ctx, cancel := context.WithTimeout(m.ctx, m.roleTimeout)
	defer cancel()
	next.Role = m.resolveRole(ctx, next.ID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		metrics.StaleResults.WithLabelValues("closed").Inc()
		return
	}
	if m.applied != seq {
		metrics.StaleResults.WithLabelValues("stale").Inc()
		return
	}
	before := m.snapshotLocked()
	m.state, m.session = StatePresent, &next
	m.commitLocked(before)
}

// resolveRole never fails: lookup errors, missing profiles and unknown
// values all resolve to the baseline role.
func (m *Manager) resolveRole(ctx context.Context, id string) string {
	role, err := m.roles.QueryRole(ctx, id)

	var reason string
	switch {
	case errors.Is(err, data.ErrNotFound):
		reason = "not_found"
	case err != nil:
		reason = "error"
	case !data.ValidRole(role):
		reason = "invalid"
	default:
		return role
	}

	if ctx.Err() == nil {
		m.log.Warn("Role lookup failed, using baseline role", "user_id", id, "reason", reason, "role", role, "error", err)
		metrics.RoleFallbacks.WithLabelValues(reason).Inc()
	}
	return data.RoleUser
}

// ---------- State plumbing ----------

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{State: m.state, Initializing: m.initializing}
	if m.session != nil {
		cp := *m.session
		snap.Session = &cp
	}
	return snap
}

// commitLocked publishes the current state to observers if it differs from
// before. Delivery runs on its own goroutine so observers never run under m.mu.
func (m *Manager) commitLocked(before Snapshot) {
	after := m.snapshotLocked()
	if after.equal(before) {
		return
	}
	if after.State != before.State {
		metrics.SessionTransitions.WithLabelValues(after.State.String()).Inc()
		m.log.Debug("Session state changed", "from", before.State, "to", after.State)
	}
	m.version++
	v := m.version
	obs := make([]observer, len(m.observers))
	copy(obs, m.observers)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.deliver(v, after, obs)
	}()
}

func (m *Manager) deliver(v uint64, snap Snapshot, obs []observer) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	if v <= m.delivered {
		return
	}
	m.delivered = v
	for _, o := range obs {
		o.fn(snap)
	}
}
