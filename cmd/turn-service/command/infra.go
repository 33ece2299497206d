package command

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"qms/sampling-queue/internal/config"
	"qms/sampling-queue/internal/events"
	"qms/sampling-queue/internal/queue"
	"qms/sampling-queue/internal/store"
	"qms/sampling-queue/internal/store/memory"
	"qms/sampling-queue/internal/store/postgres"
)

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func NewLogger(cfg config.Config) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithField("level", cfg.LogLevel).Warn("unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if strings.EqualFold(cfg.LogFormat, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func newPostgresPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DB_DSN is required for the postgres driver")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "postgres : connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "postgres : ping")
	}
	return pool, nil
}

// openStore returns the configured store and a func releasing its resources.
func openStore(ctx context.Context, cfg config.Config, logger *logrus.Logger) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		logger.Warn("using in-memory store; state is lost on restart")
		return memory.NewStore(), func() {}, nil
	case config.DriverPostgres:
		pool, err := newPostgresPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewStore(pool), pool.Close, nil
	default:
		return nil, nil, errors.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func newEngine(cfg config.Config, st store.Store, publisher events.Publisher, logger *logrus.Logger) *queue.Engine {
	var holdings store.HoldingStore
	if cfg.HoldingsEnabled {
		holdings = st
	}
	return queue.NewEngine(st, holdings, st, queue.Options{
		HoldingTTL:         cfg.HoldingTTL,
		SessionIdleTimeout: cfg.SessionIdleTimeout,
		Ordering:           queue.Ordering{DeferredLast: cfg.DeferredLast},
		Publisher:          publisher,
		Logger:             logger,
	})
}
