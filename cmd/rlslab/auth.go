package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ansoraGROUP/rlslab/internal/app"
	"github.com/ansoraGROUP/rlslab/internal/identity"
	"github.com/ansoraGROUP/rlslab/internal/session"
)

func newSignUpCmd() *cobra.Command {
	var email, password, firstName, lastName string

	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		Long: `Create an account. The first and last name are stored on the profile.

Examples:
  rlslab signup --email jim@hawkins.test --password secret123 --first-name Jim --last-name Hopper`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res := a.Sessions.SignUp(ctx, email, password, firstName, lastName)
				if !res.Success {
					return fmt.Errorf("sign up failed: %s", res.Error)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Account created for %s\n", email)

				snap := awaitSettled(ctx, a.Sessions, a.Config.RequestTimeout)
				if snap.State != session.StatePresent {
					fmt.Fprintln(out, "Check your inbox to confirm the email address, then run rlslab signin.")
					return nil
				}
				printSession(cmd, snap.Session)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&password, "password", "", "password")
	cmd.Flags().StringVar(&firstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&lastName, "last-name", "", "last name")
	for _, f := range []string{"email", "password", "first-name", "last-name"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func newSignInCmd() *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in with email and password",
		Long: `Sign in with email and password.

Without SESSION_FILE the session ends with this command.

Examples:
  rlslab signin --email jim@hawkins.test --password secret123`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res := a.Sessions.SignIn(ctx, email, password)
				if !res.Success {
					return fmt.Errorf("sign in failed: %s", res.Error)
				}
				snap := awaitSettled(ctx, a.Sessions, a.Config.RequestTimeout)
				if snap.State != session.StatePresent {
					return errors.New("sign in accepted but no session was established")
				}
				printSession(cmd, snap.Session)
				if a.Config.SessionFile == "" {
					a.Log.Warn("SESSION_FILE is not set; the session is not kept after this command")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&password, "password", "", "password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newSignOutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "End the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if a.Sessions.Snapshot().State == session.StateAbsent {
					fmt.Fprintln(cmd.OutOrStdout(), "Not signed in")
					return nil
				}
				a.Sessions.SignOut(ctx)
				fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
				return nil
			})
		},
	}
}

func newWhoAmICmd() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user and role",
		Long: `Show the signed-in user and role.

With --refresh the refresh token is spent for a new access token and the user
is fetched from the identity service, so a revoked session shows up here.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				sess, err := a.Sessions.Current()
				if err != nil {
					return err
				}
				if sess == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "Not signed in")
					return nil
				}
				if refresh {
					if sess, err = verifySession(ctx, cmd, a); err != nil {
						return err
					}
				}
				printSession(cmd, sess)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "refresh the token and check the user with the identity service")
	return cmd
}

// verifySession refreshes the provider session and confirms the user still
// exists server-side. The manager follows through the refresh notification.
func verifySession(ctx context.Context, cmd *cobra.Command, a *app.App) (*session.Session, error) {
	refreshed, err := a.Identity.RefreshSession(ctx)
	if err != nil {
		return nil, err
	}
	user, err := a.Identity.GetUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify user: %w", err)
	}

	snap := awaitSettled(ctx, a.Sessions, a.Config.RequestTimeout)
	if snap.State != session.StatePresent || snap.Session.ID != user.ID {
		return nil, errNotSignedIn
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Verified %s with the identity service\n", user.Email)
	if exp := refreshed.Expiry(); !exp.IsZero() {
		fmt.Fprintf(out, "Token valid until %s\n", exp.Local().Format(time.RFC1123))
	}
	return snap.Session, nil
}

func newProfileCmd() *cobra.Command {
	var firstName, lastName string

	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Change the name on your account",
		Long: `Change the first or last name stored on your account.

The new name shows up in your session right away. Posts keep showing the
name from your profile row.

Examples:
  rlslab profile --first-name Jim --last-name Hopper`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			attrs := map[string]interface{}{}
			if v := strings.TrimSpace(firstName); v != "" {
				attrs["first_name"] = v
			}
			if v := strings.TrimSpace(lastName); v != "" {
				attrs["last_name"] = v
			}
			if len(attrs) == 0 {
				return errors.New("nothing to change: pass --first-name or --last-name")
			}

			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if _, err := requireSession(a); err != nil {
					return err
				}
				if _, err := a.Identity.UpdateUser(ctx, identity.UserAttributes{Data: attrs}); err != nil {
					return fmt.Errorf("update profile: %w", err)
				}
				sess, err := requireSession(a)
				if err != nil {
					return err
				}
				printSession(cmd, sess)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&firstName, "first-name", "", "new first name")
	cmd.Flags().StringVar(&lastName, "last-name", "", "new last name")
	return cmd
}

func printSession(cmd *cobra.Command, s *session.Session) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Signed in as %s <%s>\n", s.DisplayName(), s.Email)
	fmt.Fprintf(out, "ID:   %s\n", s.ID)
	fmt.Fprintf(out, "Role: %s\n", s.Role)
}
