package store

import (
	"context"
	"time"

	"qms/sampling-queue/internal/models"
)

type CreateTurnInput struct {
	RequestID string
	Priority  string
	CreatedAt time.Time
}

type CallTurnInput struct {
	TurnID    int64
	WorkerID  string
	StationID int64
	CalledAt  time.Time
	// Holdings taken before HoldCutoff no longer block the claim.
	HoldCutoff time.Time
	// Sessions idle since before IdleCutoff no longer occupy their station.
	IdleCutoff time.Time
}

type TurnActionInput struct {
	TurnID     int64
	OccurredAt time.Time
}

type ChangePriorityInput struct {
	TurnID   int64
	Priority string
}

type HoldInput struct {
	TurnID   int64
	WorkerID string
	HeldAt   time.Time
	Cutoff   time.Time
}

type ReleaseHoldingInput struct {
	TurnID int64
	// An empty WorkerID releases the holding whoever owns it.
	WorkerID string
}

type CreateStationInput struct {
	Name     string
	Priority string
	Active   bool
}

type SelectStationInput struct {
	WorkerID string
	// A nil StationID clears the worker's selection.
	StationID  *int64
	SelectedAt time.Time
	IdleCutoff time.Time
}

// TurnStore keeps turns and performs the hard state transitions. Every
// transition is a single conditional update; a lost race surfaces as an error,
// never as a partial write.
type TurnStore interface {
	CreateTurn(ctx context.Context, input CreateTurnInput) (models.Turn, bool, error)
	GetTurn(ctx context.Context, turnID int64) (models.Turn, error)
	ListTurns(ctx context.Context, statuses ...string) ([]models.Turn, error)
	ActiveTurnForWorker(ctx context.Context, workerID string) (models.Turn, bool, error)
	CallTurn(ctx context.Context, input CallTurnInput) (models.Turn, error)
	DeferTurn(ctx context.Context, input TurnActionInput) (models.Turn, error)
	CompleteTurn(ctx context.Context, input TurnActionInput) (models.Turn, error)
	ChangePriority(ctx context.Context, input ChangePriorityInput) (models.Turn, bool, error)
}

// HoldingStore manages soft claims. Holdings are advisory; the claim in
// TurnStore.CallTurn is the only hard guarantee.
type HoldingStore interface {
	AcquireHolding(ctx context.Context, input HoldInput) (models.Turn, error)
	ReleaseHolding(ctx context.Context, input ReleaseHoldingInput) (models.Turn, bool, error)
	ReleaseWorkerHoldings(ctx context.Context, workerID string) (int, error)
	ReleaseExpiredHoldings(ctx context.Context, cutoff time.Time) (int, error)
}

type StationStore interface {
	CreateStation(ctx context.Context, input CreateStationInput) (models.Station, error)
	ListStations(ctx context.Context) ([]models.Station, error)
	TouchSession(ctx context.Context, workerID string, at time.Time) (models.WorkerSession, error)
	SelectStation(ctx context.Context, input SelectStationInput) (models.WorkerSession, error)
	ReleaseIdleStations(ctx context.Context, cutoff time.Time) (int, error)
}

type Store interface {
	TurnStore
	HoldingStore
	StationStore
}
