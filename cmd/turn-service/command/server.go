package command

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"qms/sampling-queue/internal/config"
	"qms/sampling-queue/internal/events"
	"qms/sampling-queue/internal/httpapi"
	"qms/sampling-queue/internal/hub"
	"qms/sampling-queue/internal/scheduler"
	"qms/sampling-queue/internal/telemetry"
)

type Server struct {
	Logger *logrus.Logger
}

func (cmd Server) Command(ctx context.Context, cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the queue HTTP server",
		RunE: func(_ *cobra.Command, _ []string) error {
			return cmd.main(ctx, cfg)
		},
	}
}

func (cmd Server) main(ctx context.Context, cfg config.Config) error {
	shutdownTelemetry := telemetry.Setup("turn-service", cmd.Logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	st, closeStore, err := openStore(ctx, cfg, cmd.Logger)
	if err != nil {
		return errors.Wrap(err, "server : open store")
	}
	defer closeStore()

	h := hub.New(cmd.Logger)
	var publisher events.Publisher = h
	if cfg.RedisURL != "" {
		client, err := events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return errors.Wrap(err, "server : failed to connect to redis")
		}
		defer func() {
			if err := client.Close(); err != nil {
				cmd.Logger.WithError(err).Warn("server : failed to close redis")
			}
		}()
		publisher = events.NewRedisPublisher(client, cfg.EventsChannel)
		go func() {
			if err := events.Subscribe(ctx, client, cfg.EventsChannel, cmd.Logger, h.Deliver); err != nil {
				cmd.Logger.WithError(err).Error("event subscription stopped")
			}
		}()
	}

	engine := newEngine(cfg, st, publisher, cmd.Logger)

	schedule := scheduler.Options{SessionSchedule: cfg.SessionSweepSchedule}
	if engine.HoldingsEnabled() {
		schedule.HoldingSchedule = cfg.HoldingSweepSchedule
	}
	sweeps, err := scheduler.New(engine, cmd.Logger, schedule)
	if err != nil {
		return err
	}
	sweeps.Start()
	defer sweeps.Stop()

	handler := httpapi.NewHandler(engine, httpapi.Options{
		Realtime: httpapi.NewRealtimeHandler(h, cmd.Logger),
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		WorkerPerMinute: cfg.WorkerRateLimitPerMinute,
		WorkerBurst:     cfg.WorkerRateLimitBurst,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(cmd.Logger, limiter.Middleware(handler.Routes())), "turn-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		cmd.Logger.WithFields(logrus.Fields{
			"addr":     server.Addr,
			"driver":   cfg.StoreDriver,
			"holdings": engine.HoldingsEnabled(),
		}).Info("turn-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return errors.Wrap(err, "server : listen")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		cmd.Logger.WithError(err).Warn("shutdown error")
	}
	return nil
}
