package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"portal-bridge/internal/bridge"
	"portal-bridge/internal/logger"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge",
	Long: `Connect to the push network described by the invitation, then serve the job API on
gateway.listen_addr and health probes on health.listen_addr until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Gateway listen address (overrides gateway.listen_addr)")
	serveCmd.Flags().String("health-listen", "", "Health listen address (overrides health.listen_addr)")
	serveCmd.Flags().String("public-url", "", "Public base URL used in job locations")
	serveCmd.Flags().String("invitation", "", "Invitation file (overrides channel.invitation)")
	serveCmd.Flags().String("channel-url", "", "Push network URL (overrides the invitation URL)")
	serveCmd.Flags().String("audit-db", "", "SQLite audit journal path; empty disables it")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.Logger

	b, err := bridge.New(cfg, nil, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := b.Start(context.Background()); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := b.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Shutdown incomplete", logger.FieldError, err)
		return err
	}
	log.Info("Bridge stopped")
	return nil
}
