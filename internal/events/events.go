package events

import (
	"context"
	"time"

	"qms/sampling-queue/internal/models"
)

const (
	TypeTurnCreated         = "turn.created"
	TypeTurnHeld            = "turn.held"
	TypeHoldingReleased     = "holding.released"
	TypeTurnCalled          = "turn.called"
	TypeTurnDeferred        = "turn.deferred"
	TypeTurnCompleted       = "turn.completed"
	TypeTurnPriorityChanged = "turn.priority_changed"
	TypeHoldingsExpired     = "holdings.expired"
	TypeStationsReleased    = "stations.released"
	TypeStationSelected     = "station.selected"
)

type Event struct {
	Type       string    `json:"type"`
	TurnID     int64     `json:"turn_id,omitempty"`
	Priority   string    `json:"priority,omitempty"`
	Status     string    `json:"status,omitempty"`
	WorkerID   string    `json:"worker_id,omitempty"`
	StationID  *int64    `json:"station_id,omitempty"`
	Count      int       `json:"count,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func TurnEvent(eventType string, turn models.Turn, workerID string, at time.Time) Event {
	return Event{
		Type:       eventType,
		TurnID:     turn.TurnID,
		Priority:   turn.Priority,
		Status:     turn.Status,
		WorkerID:   workerID,
		StationID:  turn.StationID,
		OccurredAt: at,
	}
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type PublisherFunc func(ctx context.Context, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }

func Nop() Publisher { return nopPublisher{} }
