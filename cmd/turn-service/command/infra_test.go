package command

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/sampling-queue/internal/config"
	"qms/sampling-queue/internal/events"
	"qms/sampling-queue/internal/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger(config.Config{LogLevel: "debug", LogFormat: "json"})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	fallback := NewLogger(config.Config{LogLevel: "loud"})
	assert.Equal(t, logrus.InfoLevel, fallback.GetLevel())
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	_, _, err := openStore(context.Background(), config.Config{StoreDriver: "sqlite"}, quietLogger())
	require.Error(t, err)
}

func TestOpenStoreRequiresDSNForPostgres(t *testing.T) {
	_, _, err := openStore(context.Background(), config.Config{StoreDriver: config.DriverPostgres}, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_DSN")
}

func TestMemoryEngineHonoursHoldingsFlag(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{StoreDriver: config.DriverMemory, HoldingsEnabled: false, DeferredLast: true}

	st, closeStore, err := openStore(ctx, cfg, quietLogger())
	require.NoError(t, err)
	defer closeStore()

	engine := newEngine(cfg, st, events.Nop(), quietLogger())
	assert.False(t, engine.HoldingsEnabled())

	turn, created, err := engine.CreateTurn(ctx, "req-1", models.PriorityGeneral)
	require.NoError(t, err)
	assert.True(t, created)

	_, err = engine.HoldTurn(ctx, turn.TurnID, "w-1")
	assert.Error(t, err)
}
