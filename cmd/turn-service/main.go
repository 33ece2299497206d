package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"qms/sampling-queue/cmd/turn-service/command"
	"qms/sampling-queue/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger := command.NewLogger(cfg)

	root := &cobra.Command{
		Use:   "turn-service",
		Short: "Walk-in sample collection queue",
	}
	root.AddCommand(
		command.Server{Logger: logger}.Command(ctx, cfg),
		command.MigrateCommand{Logger: logger}.Command(ctx, cfg),
		command.SweepCommand{Logger: logger}.Command(ctx, cfg),
	)

	if err := root.Execute(); err != nil {
		logger.WithContext(ctx).WithError(err).Fatal("turn-service : command failed")
	}
}
