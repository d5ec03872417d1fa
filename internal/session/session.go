// Package session keeps the application's single view of who is signed in.
//
// A Manager reconciles two sources: the initial "is there already a session"
// check made at Start, and the identity provider's change notifications.
// Every result is stamped with a sequence number on arrival; a result only
// lands if nothing newer has landed since. Sign-up and sign-in never write
// the session themselves; the provider's notification does.
package session

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/ansoraGROUP/rlslab/internal/identity"
)

// State is the lifecycle position of the session.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateAbsent
	// StatePending: the provider confirmed an identity and its role lookup
	// is still in flight.
	StatePending
	StatePresent
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateAbsent:
		return "absent"
	case StatePending:
		return "pending"
	case StatePresent:
		return "present"
	default:
		return "unknown"
	}
}

// Session is the signed-in identity with its resolved role.
type Session struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Role      string `json:"role"`
}

// DisplayName is "First Last", trimmed.
func (s Session) DisplayName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

// Snapshot is a consistent read of the manager. Session is set only when
// State is StatePresent.
type Snapshot struct {
	State        State
	Session      *Session
	Initializing bool
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		State        string   `json:"state"`
		Session      *Session `json:"session"`
		Initializing bool     `json:"initializing"`
	}{s.State.String(), s.Session, s.Initializing})
}

func (s Snapshot) equal(o Snapshot) bool {
	if s.State != o.State || s.Initializing != o.Initializing {
		return false
	}
	if s.Session == nil || o.Session == nil {
		return s.Session == o.Session
	}
	return *s.Session == *o.Session
}

// Result is the outcome of a credential submission.
type Result struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ConfigurationError reports misuse of the manager, such as reading the
// session before Start.
type ConfigurationError struct {
	Op     string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "session: " + e.Op + ": " + e.Reason
}

var (
	ErrNotStarted     = &ConfigurationError{Op: "access", Reason: "manager not started"}
	ErrAlreadyStarted = &ConfigurationError{Op: "start", Reason: "manager already started"}
	ErrClosed         = &ConfigurationError{Op: "start", Reason: "manager closed"}
)

// fromIdentity copies identity fields from a provider session. The role is
// left for the resolver. A session without a user id or a usable email is
// rejected. Missing name metadata falls back to the two halves of the email
// address, so every field of the result is set.
func fromIdentity(s *identity.Session) (Session, error) {
	u := s.User
	local, domain, ok := strings.Cut(u.Email, "@")
	if u.ID == "" || !ok || local == "" || domain == "" {
		return Session{}, errors.New("provider session has no user id or email")
	}
	first := strings.TrimSpace(u.Metadata("first_name"))
	if first == "" {
		first = local
	}
	last := strings.TrimSpace(u.Metadata("last_name"))
	if last == "" {
		last = domain
	}
	return Session{
		ID:        u.ID,
		FirstName: first,
		LastName:  last,
		Email:     u.Email,
	}, nil
}

func providerMessage(err error) string {
	var ae *identity.AuthError
	if errors.As(err, &ae) {
		return ae.Message
	}
	return err.Error()
}
