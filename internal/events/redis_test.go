package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/sampling-queue/internal/models"
)

func TestRedisPublisherPublishesJSON(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	publisher := NewRedisPublisher(rdb, "sampling-queue.events")

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	event := TurnEvent(TypeTurnCreated, models.Turn{
		TurnID:   12,
		Priority: models.PrioritySpecial,
		Status:   models.StatusPending,
	}, "", at)
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	mock.ExpectPublish("sampling-queue.events", payload).SetVal(1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, publisher.Publish(ctx, event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisPublisherWrapsErrors(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	publisher := NewRedisPublisher(rdb, "sampling-queue.events")

	event := Event{Type: TypeHoldingsExpired, Count: 2, OccurredAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	mock.ExpectPublish("sampling-queue.events", payload).SetErr(errors.New("connection refused"))

	err = publisher.Publish(context.Background(), event)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish holdings.expired")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublisherFunc(t *testing.T) {
	var got []Event
	publisher := PublisherFunc(func(_ context.Context, event Event) error {
		got = append(got, event)
		return nil
	})

	require.NoError(t, publisher.Publish(context.Background(), Event{Type: TypeTurnCalled, TurnID: 3}))
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].TurnID)
	assert.NoError(t, Nop().Publish(context.Background(), Event{}))
}
