package command

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"qms/sampling-queue/internal/config"
	"qms/sampling-queue/internal/events"
	"qms/sampling-queue/internal/scheduler"
)

// SweepCommand runs the holding and session sweeps once, for deployments that
// schedule them outside the server.
type SweepCommand struct {
	Logger *logrus.Logger
}

func (cmd SweepCommand) Command(ctx context.Context, cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "release expired holdings and idle stations once",
		RunE: func(_ *cobra.Command, _ []string) error {
			return cmd.main(ctx, cfg)
		},
	}
}

func (cmd SweepCommand) main(ctx context.Context, cfg config.Config) error {
	st, closeStore, err := openStore(ctx, cfg, cmd.Logger)
	if err != nil {
		return errors.Wrap(err, "sweep : open store")
	}
	defer closeStore()

	publisher := events.Nop()
	if cfg.RedisURL != "" {
		client, err := events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return errors.Wrap(err, "sweep : failed to connect to redis")
		}
		defer client.Close()
		publisher = events.NewRedisPublisher(client, cfg.EventsChannel)
	}

	holdings, sessions, err := scheduler.RunOnce(ctx, newEngine(cfg, st, publisher, cmd.Logger))
	if err != nil {
		return err
	}
	cmd.Logger.WithFields(logrus.Fields{
		"holdings_released": holdings,
		"stations_released": sessions,
	}).Info("sweep finished")
	return nil
}
