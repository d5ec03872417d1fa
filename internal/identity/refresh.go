package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ansoraGROUP/rlslab/internal/metrics"
	"github.com/cenkalti/backoff/v5"
)

// StartAutoRefresh refreshes the session in the background until ctx is done.
// A refresh happens when the access token expires within three ticks.
func (c *Client) StartAutoRefresh(ctx context.Context) {
	go c.autoRefresh(ctx)
}

func (c *Client) autoRefresh(ctx context.Context) {
	ticker := c.clock.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := c.refreshIfNeeded(ctx, autoRefreshTicks*c.tick); err != nil && ctx.Err() == nil {
				c.log.Warn("Auto refresh failed", "error", err)
			}
		}
	}
}

// RefreshSession spends the refresh token unconditionally.
func (c *Client) RefreshSession(ctx context.Context) (*Session, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	cur, err := c.currentSession(ctx)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, ErrSessionMissing
	}
	return c.refreshLocked(ctx, cur.RefreshToken)
}

func (c *Client) refreshIfNeeded(ctx context.Context, margin time.Duration) (*Session, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Re-read under the lock: a concurrent caller may have refreshed already.
	cur, err := c.currentSession(ctx)
	if err != nil || cur == nil {
		return nil, err
	}
	if !cur.ExpiresWithin(c.clock.Now(), margin) {
		cp := *cur
		return &cp, nil
	}
	return c.refreshLocked(ctx, cur.RefreshToken)
}

func (c *Client) refreshLocked(ctx context.Context, refreshToken string) (*Session, error) {
	if refreshToken == "" {
		c.clearSession(ctx)
		return nil, ErrSessionMissing
	}

	q := url.Values{"grant_type": {"refresh_token"}}
	body := map[string]string{"refresh_token": refreshToken}

	op := func() (*Session, error) {
		var sess Session
		if err := c.do(ctx, http.MethodPost, "/auth/v1/token", q, "", body, &sess); err != nil {
			var ae *AuthError
			if errors.As(err, &ae) && !ae.Retryable() {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return &sess, nil
	}

	sess, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxRetries),
	)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		var ae *AuthError
		if errors.As(err, &ae) && !ae.Retryable() {
			c.log.Info("Refresh token rejected, clearing session", "error", err)
			c.clearSession(ctx)
		}
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	metrics.TokenRefreshes.WithLabelValues("ok").Inc()

	if err := c.acceptSession(ctx, sess, EventTokenRefreshed); err != nil {
		return nil, err
	}
	cp := *sess
	return &cp, nil
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.MaxInterval = 10 * c.retryInterval
	return b
}
