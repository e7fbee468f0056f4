package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/codebench/internal/server"
	"github.com/michaelbrown/codebench/internal/session"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the codebench HTTP server",
	Long: `Start the codebench HTTP server with REST API and WebSocket support.

API endpoints are under /api.

Examples:
  codebench serve
  codebench serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	port := a.cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	sessions := session.NewManager(a.sandboxFactory(), a.tracker, a.store, a.logger)
	srv := server.New(a.catalog, sessions, a.tracker, a.store, a.logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		srv.Shutdown(context.Background())
	}()

	if err := srv.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
