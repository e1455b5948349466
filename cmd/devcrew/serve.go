package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpserver "github.com/fyrsmithlabs/devcrew/internal/http"
)

var servePort int

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (overrides server.http_port)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the REST and SSE API",
	Long: `Serve the devcrew HTTP API.

Endpoints:
  GET  /health                        liveness and the running session
  GET  /metrics                       Prometheus metrics
  GET  /api/v1/sessions               checkpointed sessions
  POST /api/v1/sessions               start a session
  GET  /api/v1/sessions/:id           session state
  POST /api/v1/sessions/:id/resume    resume a stopped session
  GET  /api/v1/sessions/:id/events    live updates (Server-Sent Events)

One session runs at a time; starting another while busy returns 409.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// runServe starts the HTTP server and blocks until the command context is
// cancelled, then shuts down within server.shutdown_timeout.
func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	port := a.cfg.Server.Port
	if servePort > 0 {
		port = servePort
	}

	logger := a.logger.Underlying()
	srv, err := httpserver.NewServer(a.engine, a.checkpoints, logger.Named("http"), &httpserver.Config{
		Host: a.cfg.Server.Host,
		Port: port,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	logger.Info("server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", a.cfg.Server.Host, port)),
		zap.String("metrics_endpoint", "/metrics"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}
