package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ansoraGROUP/rlslab/internal/data"
	"github.com/ansoraGROUP/rlslab/internal/identity"
)

// PostgreSQL error codes the store maps onto data errors.
const (
	codeInsufficientPrivilege = "42501"
	codeUniqueViolation       = "23505"
	codeForeignKeyViolation   = "23503"
)

const selectPosts = `
	SELECT p.id::text, p.title, p.content, p.is_public, p.author_id::text, p.created_at,
	       pr.first_name,
	       COALESCE(array_agg(l.user_id::text ORDER BY l.user_id) FILTER (WHERE l.user_id IS NOT NULL), '{}')
	FROM posts p
	LEFT JOIN profiles pr ON pr.id = p.author_id
	LEFT JOIN likes l ON l.post_id = p.id
`

// Store implements data.Provider directly against PostgreSQL.
type Store struct {
	pool      *pgxpool.Pool
	tokens    data.TokenSource
	jwtSecret string
}

var _ data.Provider = (*Store)(nil)

type Option func(*Store)

// WithJWTSecret verifies access tokens before their claims reach the
// database. Without it the claims are trusted as issued.
func WithJWTSecret(secret string) Option { return func(s *Store) { s.jwtSecret = secret } }

func NewStore(pool *pgxpool.Pool, tokens data.TokenSource, opts ...Option) *Store {
	s := &Store{pool: pool, tokens: tokens}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// claims returns the caller's claims. With anon set, a missing session reads
// as the anon role instead of failing.
func (s *Store) claims(ctx context.Context, anon bool) (Claims, error) {
	token, err := s.tokens.AccessToken(ctx)
	if anon && errors.Is(err, identity.ErrSessionMissing) {
		return Claims{"role": RoleAnon}, nil
	}
	if err != nil {
		return nil, err
	}
	if s.jwtSecret != "" {
		if _, err := identity.VerifyClaims(token, s.jwtSecret); err != nil {
			return nil, err
		}
	}
	m, err := identity.ClaimsMap(token)
	if err != nil {
		return nil, err
	}
	c := Claims(m)
	if c.Subject() == "" {
		return nil, fmt.Errorf("access token has no subject")
	}
	return c, nil
}

func (s *Store) QueryRole(ctx context.Context, identityID string) (string, error) {
	c, err := s.claims(ctx, false)
	if err != nil {
		return "", fmt.Errorf("query role: %w", err)
	}

	role, err := WithClaims(ctx, s.pool, c, func(tx pgx.Tx) (string, error) {
		var role string
		err := tx.QueryRow(ctx, `SELECT role FROM profiles WHERE id = $1`, identityID).Scan(&role)
		return role, err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return "", data.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query role: %w", err)
	}
	return role, nil
}

// ListPosts returns visible posts, newest first.
func (s *Store) ListPosts(ctx context.Context, opts data.ListOptions) ([]data.Post, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	c, err := s.claims(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	query, args := listQuery(opts)

	posts, err := WithClaims(ctx, s.pool, c, func(tx pgx.Tx) ([]data.Post, error) {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var posts []data.Post
		for rows.Next() {
			p, err := scanPost(rows)
			if err != nil {
				return nil, err
			}
			posts = append(posts, p)
		}
		return posts, rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return posts, nil
}

// listQuery builds the posts query for opts. RLS still decides visibility;
// the filters only narrow it.
func listQuery(opts data.ListOptions) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	if opts.Public != nil {
		args = append(args, *opts.Public)
		where = append(where, fmt.Sprintf("p.is_public = $%d", len(args)))
	}
	if opts.ExcludeAuthor != "" {
		args = append(args, opts.ExcludeAuthor)
		where = append(where, fmt.Sprintf("p.author_id::text <> $%d", len(args)))
	}

	var b strings.Builder
	b.WriteString(selectPosts)
	if len(where) > 0 {
		b.WriteString("WHERE " + strings.Join(where, " AND ") + "\n")
	}
	b.WriteString("GROUP BY p.id, pr.first_name\nORDER BY p.created_at DESC\n")
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&b, "LIMIT $%d\n", len(args))
	}
	return b.String(), args
}

func (s *Store) CreatePost(ctx context.Context, p data.NewPost) (*data.Post, error) {
	p, err := p.Normalize()
	if err != nil {
		return nil, err
	}
	c, err := s.claims(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}

	created, err := WithClaims(ctx, s.pool, c, func(tx pgx.Tx) (data.Post, error) {
		var id string
		err := tx.QueryRow(ctx, `
			INSERT INTO posts (title, content, is_public, author_id)
			VALUES ($1, $2, $3, $4)
			RETURNING id::text
		`, p.Title, p.Content, p.IsPublic, c.Subject()).Scan(&id)
		if err != nil {
			return data.Post{}, err
		}
		return scanPost(tx.QueryRow(ctx, selectPosts+`
			WHERE p.id = $1
			GROUP BY p.id, pr.first_name
		`, id))
	})
	if err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	return &created, nil
}

// DeletePost removes a post. ErrNotFound covers both a missing post and one
// the delete policy hides from the caller.
func (s *Store) DeletePost(ctx context.Context, id string) error {
	c, err := s.claims(ctx, false)
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}

	n, err := WithClaims(ctx, s.pool, c, func(tx pgx.Tx) (int64, error) {
		tag, err := tx.Exec(ctx, `DELETE FROM posts WHERE id = $1`, id)
		return tag.RowsAffected(), err
	})
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	if n == 0 {
		return data.ErrNotFound
	}
	return nil
}

// LikePost is idempotent: liking twice is not an error.
func (s *Store) LikePost(ctx context.Context, postID string) error {
	c, err := s.claims(ctx, false)
	if err != nil {
		return fmt.Errorf("like post: %w", err)
	}

	_, err = WithClaims(ctx, s.pool, c, func(tx pgx.Tx) (struct{}, error) {
		_, err := tx.Exec(ctx, `INSERT INTO likes (post_id, user_id) VALUES ($1, $2)`, postID, c.Subject())
		return struct{}{}, err
	})
	switch pgCode(err) {
	case "":
		return nil
	case codeUniqueViolation:
		return nil
	case codeForeignKeyViolation, codeInsufficientPrivilege:
		return data.ErrNotFound
	}
	return fmt.Errorf("like post: %w", err)
}

func (s *Store) UnlikePost(ctx context.Context, postID string) error {
	c, err := s.claims(ctx, false)
	if err != nil {
		return fmt.Errorf("unlike post: %w", err)
	}

	_, err = WithClaims(ctx, s.pool, c, func(tx pgx.Tx) (struct{}, error) {
		_, err := tx.Exec(ctx, `DELETE FROM likes WHERE post_id = $1 AND user_id = $2`, postID, c.Subject())
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("unlike post: %w", err)
	}
	return nil
}

func scanPost(row pgx.Row) (data.Post, error) {
	var (
		p         data.Post
		firstName *string
		likers    []string
		createdAt time.Time
	)
	if err := row.Scan(&p.ID, &p.Title, &p.Content, &p.IsPublic, &p.AuthorID, &createdAt, &firstName, &likers); err != nil {
		return data.Post{}, err
	}
	p.CreatedAt = createdAt
	if firstName != nil {
		p.Author = &data.Author{FirstName: *firstName}
	}
	p.Likes = make([]data.Like, 0, len(likers))
	for _, u := range likers {
		p.Likes = append(p.Likes, data.Like{PostID: p.ID, UserID: u})
	}
	return p, nil
}

// pgCode returns the SQLSTATE of err, or "" when err is nil or not from
// PostgreSQL.
func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	if err != nil {
		return "unknown"
	}
	return ""
}
