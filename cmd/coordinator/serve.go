package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// shutdownGrace bounds how long serve waits for a clean coordinator
// teardown once a signal arrives before giving up on a graceful Stop.
const shutdownGrace = 10 * time.Second

// serveCmd stands up the full coordination core and blocks until the
// process receives an interrupt.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator as a long-lived process against a real Chrome instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			logger.Info("shutdown signal received")
			cancel()
		}()

		s, err := buildStack(ctx, configPath, dbPath, presetName, headless, chromeBin)
		if err != nil {
			return fmt.Errorf("build stack: %w", err)
		}
		defer s.Close()

		if err := s.coord.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize coordinator: %w", err)
		}
		if err := s.coord.Start(ctx); err != nil {
			return fmt.Errorf("start coordinator: %w", err)
		}
		logger.Info("coordinator running", zap.String("status", string(s.coord.Status())))

		<-ctx.Done()

		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer stopCancel()
		snapshot := s.coord.Snapshot(stopCtx, nil, nil, nil, nil)
		if err := s.coord.Stop(stopCtx, &snapshot); err != nil {
			return fmt.Errorf("stop coordinator: %w", err)
		}
		return nil
	},
}
