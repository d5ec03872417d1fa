// Package data is the contract with the row-governed data service: per-user
// role lookup and the tutorial's posts and likes. Authorization is enforced
// by the service's RLS policies; nothing here is a security boundary.
package data

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Roles stored on profiles.role.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// ValidRole reports whether role is in the closed set.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAdmin
}

var (
	// ErrNotFound means no visible row matched.
	ErrNotFound = errors.New("not found")
	// ErrTitleRequired rejects a post without a title.
	ErrTitleRequired = errors.New("title is required")
)

// RoleResolver looks up the role for an identity. A missing profile is
// reported as ErrNotFound.
type RoleResolver interface {
	QueryRole(ctx context.Context, identityID string) (string, error)
}

// Posts is the dashboard's view of posts and likes, scoped to the signed-in
// user by the data service.
type Posts interface {
	ListPosts(ctx context.Context, opts ListOptions) ([]Post, error)
	CreatePost(ctx context.Context, p NewPost) (*Post, error)
	DeletePost(ctx context.Context, id string) error
	LikePost(ctx context.Context, postID string) error
	UnlikePost(ctx context.Context, postID string) error
}

// ListOptions narrows ListPosts. The zero value lists every visible post.
type ListOptions struct {
	// Limit caps the result; 0 means no cap.
	Limit int
	// Public keeps only public (true) or private (false) posts when set.
	Public *bool
	// ExcludeAuthor drops posts written by this identity.
	ExcludeAuthor string
}

// Validate rejects a negative limit.
func (o ListOptions) Validate() error {
	if o.Limit < 0 {
		return fmt.Errorf("limit must not be negative, got %d", o.Limit)
	}
	return nil
}

// Provider is everything the application needs from the data service.
type Provider interface {
	RoleResolver
	Posts
}

// TokenSource hands out the current user's access token.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

type Post struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	IsPublic  bool      `json:"is_public"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
	Author    *Author   `json:"profiles,omitempty"`
	Likes     []Like    `json:"likes"`
}

// Author is the embedded profiles row of a post.
type Author struct {
	FirstName string `json:"first_name"`
}

type Like struct {
	PostID string `json:"post_id,omitempty"`
	UserID string `json:"user_id"`
}

// AuthorName is the author's first name, or "" when the profile is hidden.
func (p Post) AuthorName() string {
	if p.Author == nil {
		return ""
	}
	return p.Author.FirstName
}

// NewPost is the input for CreatePost.
type NewPost struct {
	Title    string
	Content  string
	IsPublic bool
}

// Normalize trims the fields and checks the title is present.
func (p NewPost) Normalize() (NewPost, error) {
	p.Title = strings.TrimSpace(p.Title)
	p.Content = strings.TrimSpace(p.Content)
	if p.Title == "" {
		return p, ErrTitleRequired
	}
	return p, nil
}

// CanDelete mirrors the delete policy for the UI: authors and admins.
func CanDelete(p Post, userID, role string) bool {
	if userID == "" {
		return false
	}
	return p.AuthorID == userID || role == RoleAdmin
}

// HasLiked reports whether userID is among the post's likes.
func HasLiked(p Post, userID string) bool {
	for _, l := range p.Likes {
		if l.UserID == userID {
			return true
		}
	}
	return false
}

// LikeCount is the number of likes on the post.
func (p Post) LikeCount() int {
	return len(p.Likes)
}
