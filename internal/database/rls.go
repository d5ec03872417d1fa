package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Claims are the access token claims handed to PostgreSQL as
// request.jwt.claims.
type Claims map[string]interface{}

// Database roles a caller may assume. The service role is never used from
// this client.
const (
	RoleAnon          = "anon"
	RoleAuthenticated = "authenticated"
)

// Role returns the database role named by the claims.
func (c Claims) Role() string {
	r, _ := c["role"].(string)
	return r
}

// Subject returns the sub claim.
func (c Claims) Subject() string {
	s, _ := c["sub"].(string)
	return s
}

// WithClaims runs fn in a transaction with the role and JWT claims of the
// caller set, so RLS policies evaluate against that caller.
func WithClaims[T any](
	ctx context.Context,
	pool *pgxpool.Pool,
	claims Claims,
	fn func(tx pgx.Tx) (T, error),
) (T, error) {
	var zero T

	role := claims.Role()
	if role != RoleAnon && role != RoleAuthenticated {
		return zero, fmt.Errorf("refusing database role %q", role)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return zero, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Role names cannot be parameterized; role is one of the two constants.
	if _, err := tx.Exec(ctx, fmt.Sprintf(`SET LOCAL ROLE "%s"`, role)); err != nil {
		return zero, fmt.Errorf("set role %s: %w", role, err)
	}

	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return zero, fmt.Errorf("encode jwt claims: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT set_config('request.jwt.claims', $1, true)`, string(claimsJSON)); err != nil {
		return zero, fmt.Errorf("set jwt claims: %w", err)
	}

	// Individual claims for policies written against the older settings
	for _, key := range []string{"sub", "role", "email"} {
		if v, ok := claims[key].(string); ok && v != "" {
			if _, err := tx.Exec(ctx, `SELECT set_config('request.jwt.claim.'||$1, $2, true)`, key, v); err != nil {
				return zero, fmt.Errorf("set jwt claim %s: %w", key, err)
			}
		}
	}

	result, err := fn(tx)
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return zero, fmt.Errorf("commit tx: %w", err)
	}
	return result, nil
}
