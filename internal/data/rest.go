package data

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ansoraGROUP/rlslab/internal/identity"
	"github.com/ansoraGROUP/rlslab/internal/postgrest"
)

// postColumns embeds the author's first name and the like list.
const postColumns = "*,profiles(first_name),likes(user_id)"

// RESTStore implements Provider over the PostgREST endpoint, sending the
// signed-in user's access token so RLS sees the caller.
type RESTStore struct {
	client *postgrest.Client
	tokens TokenSource
}

var _ Provider = (*RESTStore)(nil)

func NewRESTStore(client *postgrest.Client, tokens TokenSource) *RESTStore {
	return &RESTStore{client: client, tokens: tokens}
}

// caller returns the access token and its subject.
func (s *RESTStore) caller(ctx context.Context) (string, string, error) {
	token, err := s.tokens.AccessToken(ctx)
	if err != nil {
		return "", "", err
	}
	claims, err := identity.ParseClaims(token)
	if err != nil {
		return "", "", err
	}
	return token, claims.Subject, nil
}

func (s *RESTStore) QueryRole(ctx context.Context, identityID string) (string, error) {
	token, _, err := s.caller(ctx)
	if err != nil {
		return "", fmt.Errorf("query role: %w", err)
	}

	var row struct {
		Role string `json:"role"`
	}
	err = s.client.From("profiles").
		Select("role").
		Eq("id", identityID).
		Single().
		Auth(token).
		Execute(ctx, &row)
	if postgrest.IsCode(err, postgrest.CodeNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query role: %w", err)
	}
	return row.Role, nil
}

// ListPosts returns visible posts, newest first. Without a session it reads
// as the anon role and only public posts come back.
func (s *RESTStore) ListPosts(ctx context.Context, opts ListOptions) ([]Post, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	q := s.client.From("posts").Select(postColumns).Order("created_at", false)
	if opts.Public != nil {
		q.Is("is_public", strconv.FormatBool(*opts.Public))
	}
	if opts.ExcludeAuthor != "" {
		q.Neq("author_id", opts.ExcludeAuthor)
	}
	if opts.Limit > 0 {
		q.Limit(opts.Limit)
	}

	token, _, err := s.caller(ctx)
	switch {
	case err == nil:
		q.Auth(token)
	case errors.Is(err, identity.ErrSessionMissing):
	default:
		return nil, fmt.Errorf("list posts: %w", err)
	}

	var posts []Post
	if err := q.Execute(ctx, &posts); err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return posts, nil
}

func (s *RESTStore) CreatePost(ctx context.Context, p NewPost) (*Post, error) {
	p, err := p.Normalize()
	if err != nil {
		return nil, err
	}
	token, userID, err := s.caller(ctx)
	if err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}

	var created Post
	err = s.client.From("posts").
		Insert(map[string]interface{}{
			"title":     p.Title,
			"content":   p.Content,
			"is_public": p.IsPublic,
			"author_id": userID,
		}).
		Select(postColumns).
		Single().
		Auth(token).
		Execute(ctx, &created)
	if err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	return &created, nil
}

// DeletePost removes a post. ErrNotFound covers both a missing post and one
// the delete policy hides from the caller.
func (s *RESTStore) DeletePost(ctx context.Context, id string) error {
	token, _, err := s.caller(ctx)
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}

	var deleted []Post
	err = s.client.From("posts").
		Delete().
		Eq("id", id).
		Select("id").
		Auth(token).
		Execute(ctx, &deleted)
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	if len(deleted) == 0 {
		return ErrNotFound
	}
	return nil
}

// LikePost is idempotent: liking twice is not an error.
func (s *RESTStore) LikePost(ctx context.Context, postID string) error {
	token, userID, err := s.caller(ctx)
	if err != nil {
		return fmt.Errorf("like post: %w", err)
	}

	err = s.client.From("likes").
		Insert(map[string]interface{}{"post_id": postID, "user_id": userID}).
		Auth(token).
		Execute(ctx, nil)
	switch {
	case postgrest.IsCode(err, postgrest.CodeUniqueViolation):
		return nil
	case postgrest.IsCode(err, postgrest.CodeForeignKey):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("like post: %w", err)
	}
	return nil
}

func (s *RESTStore) UnlikePost(ctx context.Context, postID string) error {
	token, userID, err := s.caller(ctx)
	if err != nil {
		return fmt.Errorf("unlike post: %w", err)
	}

	err = s.client.From("likes").
		Delete().
		Eq("post_id", postID).
		Eq("user_id", userID).
		Auth(token).
		Execute(ctx, nil)
	if err != nil {
		return fmt.Errorf("unlike post: %w", err)
	}
	return nil
}
