package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ansoraGROUP/rlslab/internal/app"
	"github.com/ansoraGROUP/rlslab/internal/config"
	"github.com/ansoraGROUP/rlslab/internal/logging"
	"github.com/ansoraGROUP/rlslab/internal/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rlslab",
		Short: "Row Level Security tutorial client",
		Long: `rlslab signs you up and in against a Supabase project and runs the
tutorial's posts dashboard, so you can watch RLS policies decide what each
user may see and change.

Configuration comes from the environment (or a .env file):
  SUPABASE_URL, SUPABASE_ANON_KEY   required
  SESSION_FILE, SESSION_PASSPHRASE  keep the sign-in between commands`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newSignUpCmd(),
		newSignInCmd(),
		newSignOutCmd(),
		newWhoAmICmd(),
		newProfileCmd(),
		newPostsCmd(),
		newMigrateCmd(),
	)
	return root
}

// withApp loads the config, starts the app for the duration of fn and
// closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.Init(cfg.LogLevel, cfg.LogFormat)

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}

// awaitSettled blocks until the session leaves the pending state, which is
// how a successful sign-in shows up once the role is resolved.
func awaitSettled(ctx context.Context, mgr *session.Manager, timeout time.Duration) session.Snapshot {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	changed := make(chan struct{}, 1)
	unsubscribe := mgr.Subscribe(func(session.Snapshot) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	for {
		snap := mgr.Snapshot()
		if !snap.Initializing && snap.State != session.StatePending {
			return snap
		}
		select {
		case <-ctx.Done():
			return mgr.Snapshot()
		case <-changed:
		}
	}
}

var errNotSignedIn = errors.New("not signed in (run rlslab signin)")

// requireSession returns the signed-in session or errNotSignedIn.
func requireSession(a *app.App) (*session.Session, error) {
	sess, err := a.Sessions.Current()
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, errNotSignedIn
	}
	return sess, nil
}
