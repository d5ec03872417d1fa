// Package app builds the object graph once: identity client, data provider,
// session manager and web UI. Commands hold the App and pass its handles on
// explicitly.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ansoraGROUP/rlslab/internal/config"
	"github.com/ansoraGROUP/rlslab/internal/data"
	"github.com/ansoraGROUP/rlslab/internal/database"
	"github.com/ansoraGROUP/rlslab/internal/identity"
	"github.com/ansoraGROUP/rlslab/internal/postgrest"
	"github.com/ansoraGROUP/rlslab/internal/server"
	"github.com/ansoraGROUP/rlslab/internal/session"
	"github.com/ansoraGROUP/rlslab/internal/sessionstore"
)

type App struct {
	Config   *config.Config
	Log      *slog.Logger
	Identity *identity.Client
	Data     data.Provider
	Sessions *session.Manager

	pool   *pgxpool.Pool
	ctx    context.Context
	cancel context.CancelFunc
}

// New wires the graph. Nothing talks to the identity service until Start.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var store identity.Store = identity.NewMemoryStore()
	if cfg.SessionFile != "" {
		store = sessionstore.NewFileStore(cfg.SessionFile, cfg.SessionPassphrase)
		logger.Debug("Persisting session", "path", cfg.SessionFile)
	}

	// One client for both services; REQUEST_TIMEOUT_SECONDS bounds each call.
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}

	idOpts := []identity.Option{
		identity.WithHTTPClient(httpClient),
		identity.WithStore(store),
		identity.WithLogger(logger.With("component", "identity")),
	}
	if cfg.JWTSecret != "" {
		idOpts = append(idOpts, identity.WithJWTSecret(cfg.JWTSecret))
	}
	client := identity.NewClient(cfg.SupabaseURL, cfg.SupabaseAnonKey, idOpts...)

	a := &App{Config: cfg, Log: logger, Identity: client}

	switch cfg.DataBackend {
	case config.BackendPostgres:
		pool, err := database.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		var dbOpts []database.Option
		if cfg.JWTSecret != "" {
			dbOpts = append(dbOpts, database.WithJWTSecret(cfg.JWTSecret))
		}
		a.pool = pool
		a.Data = database.NewStore(pool, client, dbOpts...)
		logger.Info("Using direct database backend")
	default:
		a.Data = data.NewRESTStore(postgrest.NewClient(cfg.SupabaseURL, cfg.SupabaseAnonKey, httpClient), client)
	}

	a.Sessions = session.New(client, a.Data,
		session.WithLogger(logger.With("component", "session")),
		session.WithRoleTimeout(cfg.RequestTimeout),
	)
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a, nil
}

// Start runs the initial session check and, when configured, the token
// refresh loop. The loop stops at Close.
func (a *App) Start(ctx context.Context) error {
	if err := a.Sessions.Start(ctx); err != nil {
		return fmt.Errorf("start session manager: %w", err)
	}
	if a.Config.AutoRefresh {
		a.Identity.StartAutoRefresh(a.ctx)
	}
	return nil
}

// Server builds the web UI over the app's session and data handles.
func (a *App) Server() *server.Server {
	return server.New(a.Sessions, a.Data, server.Options{
		CookieSecret:   a.Config.CookieSecret,
		AuthRateLimit:  a.Config.AuthRateLimit,
		AuthRateBurst:  a.Config.AuthRateBurst,
		RequestTimeout: a.Config.RequestTimeout,
		Logger:         a.Log.With("component", "server"),
	})
}

// Close tears down the session manager before the transports it uses.
func (a *App) Close() {
	a.Sessions.Close()
	a.cancel()
	if a.pool != nil {
		a.pool.Close()
	}
}
