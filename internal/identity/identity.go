// Package identity talks to the hosted identity service. It defines the
// provider contract the session manager consumes and a GoTrue-compatible
// HTTP client that implements it, including session persistence, token
// refresh and auth-state change notifications.
package identity

import (
	"context"
	"sync"
	"time"
)

// Event names a change in the provider's session.
type Event string

const (
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
	EventUserUpdated    Event = "USER_UPDATED"
)

// Provider is the identity contract consumed by the session manager.
//
// GetSession returns (nil, nil) when there is no session. Listeners passed to
// OnAuthStateChange receive a nil session for EventSignedOut.
type Provider interface {
	SignUp(ctx context.Context, email, password string, metadata map[string]interface{}) (*User, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context) error
	GetSession(ctx context.Context) (*Session, error)
	OnAuthStateChange(fn func(Event, *Session)) *Subscription
}

// User is the identity record returned by the auth API.
type User struct {
	ID               string                 `json:"id"`
	Aud              string                 `json:"aud"`
	Role             string                 `json:"role"`
	Email            string                 `json:"email"`
	EmailConfirmedAt *time.Time             `json:"email_confirmed_at,omitempty"`
	Phone            string                 `json:"phone,omitempty"`
	LastSignInAt     *time.Time             `json:"last_sign_in_at,omitempty"`
	AppMetadata      map[string]interface{} `json:"app_metadata"`
	UserMetadata     map[string]interface{} `json:"user_metadata"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// Metadata returns a string value from the user metadata, or "".
func (u *User) Metadata(key string) string {
	if u == nil || u.UserMetadata == nil {
		return ""
	}
	s, _ := u.UserMetadata[key].(string)
	return s
}

// Session is a provider-issued token pair plus the user it belongs to.
type Session struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`
}

// Expiry returns the access token expiry. Zero if unknown.
func (s *Session) Expiry() time.Time {
	if s == nil || s.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(s.ExpiresAt, 0)
}

// ExpiresWithin reports whether the access token expires before now+margin.
// Sessions with an unknown expiry never report expiring.
func (s *Session) ExpiresWithin(now time.Time, margin time.Duration) bool {
	exp := s.Expiry()
	if exp.IsZero() {
		return false
	}
	return !now.Add(margin).Before(exp)
}

// Subscription is the handle returned by OnAuthStateChange.
type Subscription struct {
	ID       string
	once     sync.Once
	cancelFn func()
}

// NewSubscription wraps a cancel function. Cancel runs it at most once.
func NewSubscription(id string, cancel func()) *Subscription {
	return &Subscription{ID: id, cancelFn: cancel}
}

// Cancel unregisters the listener. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancelFn != nil {
			s.cancelFn()
		}
	})
}
