package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/JohnDHoinville/vpat-report-sub001/internal/api"
)

// shutdownGrace bounds how long active runs get to stop on exit.
const shutdownGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the run API over HTTP",
	Long: `serve exposes stored crawlers over HTTP: start and cancel runs, poll
their progress, stream it as server-sent events and list discovered pages.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "127.0.0.1:8089", "Address to listen on")
	if err := viper.BindPFlag("listen_addr", serveCmd.Flags().Lookup("listen")); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	settings, err := loadSettings(cmd, nil)
	if err != nil {
		return err
	}
	a, err := openApp(settings)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	stale, err := a.store.FailStaleRuns(ctx)
	if err != nil {
		return err
	}
	if stale > 0 {
		a.logger.Warn("Marked interrupted runs as failed", "count", stale)
	}

	coord := a.coordinator()
	srv := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           api.NewServer(a.store, coord, a.logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("API listening", "addr", settings.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	// SSE streams end once their runs do, so runs stop first.
	if err := coord.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("Runs still active at shutdown", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}
