package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/ansoraGROUP/rlslab/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local web UI",
		Long: `Run the tutorial's web UI on HOST:PORT (default 127.0.0.1:5173).

The UI shares one session with this process: signing in from the browser
signs in the whole server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, serve)
		},
	}
}

func serve(ctx context.Context, a *app.App) error {
	httpServer := &http.Server{
		Addr:              a.Config.Addr(),
		Handler:           a.Server().Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
		// WriteTimeout stays unset: the session event stream is long-lived.
		// Requests inherit ctx so open streams end on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()

		a.Log.Info("Shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutCtx); err != nil {
			a.Log.Warn("Shutdown incomplete", "error", err)
		}
	}()

	a.Log.Info("Server started", "addr", "http://"+a.Config.Addr(), "session", a.Sessions.Snapshot().State.String())

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-done
	return nil
}
