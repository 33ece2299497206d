package command

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"qms/sampling-queue/internal/config"
	"qms/sampling-queue/internal/store/postgres"
)

type MigrateCommand struct {
	Logger *logrus.Logger
}

func (cmd MigrateCommand) Command(ctx context.Context, cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "apply or roll back the postgres schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(_ *cobra.Command, args []string) error {
			return cmd.main(ctx, cfg, args[0])
		},
	}
}

func (cmd MigrateCommand) main(ctx context.Context, cfg config.Config, direction string) error {
	pool, err := newPostgresPool(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "migrate : failed to connect to postgresql")
	}
	defer pool.Close()

	switch direction {
	case "up":
		err = postgres.MigrateUp(pool)
	case "down":
		err = postgres.MigrateDown(pool)
	default:
		return errors.Errorf("migration command : %s is not supported", direction)
	}
	if err != nil {
		return err
	}
	cmd.Logger.WithField("direction", direction).Info("migration finished")
	return nil
}
