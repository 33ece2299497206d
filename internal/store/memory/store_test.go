package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/sampling-queue/internal/models"
	"qms/sampling-queue/internal/store"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func seedStation(t *testing.T, st *Store, name string) models.Station {
	t.Helper()
	station, err := st.CreateStation(context.Background(), store.CreateStationInput{
		Name:     name,
		Priority: models.PriorityGeneral,
		Active:   true,
	})
	require.NoError(t, err)
	return station
}

func TestCreateTurnIdempotency(t *testing.T) {
	st := NewStore()
	ctx := context.Background()

	first, created, err := st.CreateTurn(ctx, store.CreateTurnInput{RequestID: "req-1", Priority: models.PriorityGeneral, CreatedAt: now})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := st.CreateTurn(ctx, store.CreateTurnInput{RequestID: "req-1", Priority: models.PriorityGeneral, CreatedAt: now})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.TurnID, second.TurnID)

	turns, err := st.ListTurns(ctx)
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

func TestCallTurnExactlyOneWinner(t *testing.T) {
	st := NewStore()
	ctx := context.Background()
	turn, _, err := st.CreateTurn(ctx, store.CreateTurnInput{Priority: models.PriorityGeneral, CreatedAt: now})
	require.NoError(t, err)

	const workers = 8
	stations := make([]models.Station, workers)
	for i := range stations {
		stations[i] = seedStation(t, st, "station")
	}

	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.CallTurn(ctx, store.CallTurnInput{
				TurnID:    turn.TurnID,
				WorkerID:  string(rune('a' + i)),
				StationID: stations[i].StationID,
				CalledAt:  now,
			})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, store.ErrConflict)
	}
	assert.Equal(t, 1, wins)

	got, err := st.GetTurn(ctx, turn.TurnID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, got.Status)
	assert.Equal(t, 1, got.CallCount)
}

func TestCallTurnStationExclusive(t *testing.T) {
	st := NewStore()
	ctx := context.Background()
	station := seedStation(t, st, "A")
	first, _, _ := st.CreateTurn(ctx, store.CreateTurnInput{Priority: models.PriorityGeneral, CreatedAt: now})
	second, _, _ := st.CreateTurn(ctx, store.CreateTurnInput{Priority: models.PriorityGeneral, CreatedAt: now})

	_, err := st.CallTurn(ctx, store.CallTurnInput{TurnID: first.TurnID, WorkerID: "ana", StationID: station.StationID, CalledAt: now})
	require.NoError(t, err)

	_, err = st.CallTurn(ctx, store.CallTurnInput{TurnID: second.TurnID, WorkerID: "luis", StationID: station.StationID, CalledAt: now})
	assert.ErrorIs(t, err, store.ErrStationUnavailable)

	_, err = st.CallTurn(ctx, store.CallTurnInput{TurnID: second.TurnID, WorkerID: "luis", StationID: 99, CalledAt: now})
	assert.ErrorIs(t, err, store.ErrStationNotFound)

	_, err = st.CompleteTurn(ctx, store.TurnActionInput{TurnID: first.TurnID, OccurredAt: now})
	require.NoError(t, err)

	claimed, err := st.CallTurn(ctx, store.CallTurnInput{TurnID: second.TurnID, WorkerID: "luis", StationID: station.StationID, CalledAt: now})
	require.NoError(t, err)
	require.NotNil(t, claimed.StationID)
	assert.Equal(t, station.StationID, *claimed.StationID)
}

func TestSelectStationRespectsLiveSessions(t *testing.T) {
	st := NewStore()
	ctx := context.Background()
	station := seedStation(t, st, "A")
	stationID := station.StationID
	idleCutoff := now.Add(-20 * time.Minute)

	_, err := st.SelectStation(ctx, store.SelectStationInput{WorkerID: "ana", StationID: &stationID, SelectedAt: now.Add(-30 * time.Minute), IdleCutoff: idleCutoff.Add(-time.Hour)})
	require.NoError(t, err)

	_, err = st.SelectStation(ctx, store.SelectStationInput{WorkerID: "luis", StationID: &stationID, SelectedAt: now, IdleCutoff: idleCutoff})
	require.NoError(t, err, "idle session should not keep its station")

	_, err = st.SelectStation(ctx, store.SelectStationInput{WorkerID: "ana", StationID: &stationID, SelectedAt: now, IdleCutoff: idleCutoff})
	assert.ErrorIs(t, err, store.ErrStationUnavailable)
}

func TestReleaseIdleStations(t *testing.T) {
	st := NewStore()
	ctx := context.Background()
	a := seedStation(t, st, "A")
	b := seedStation(t, st, "B")

	_, err := st.SelectStation(ctx, store.SelectStationInput{WorkerID: "ana", StationID: &a.StationID, SelectedAt: now.Add(-25 * time.Minute)})
	require.NoError(t, err)
	_, err = st.SelectStation(ctx, store.SelectStationInput{WorkerID: "luis", StationID: &b.StationID, SelectedAt: now.Add(-5 * time.Minute)})
	require.NoError(t, err)

	count, err := st.ReleaseIdleStations(ctx, now.Add(-20*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stations, err := st.ListStations(ctx)
	require.NoError(t, err)
	require.Len(t, stations, 2)
	assert.Nil(t, stations[0].OccupiedBy)
	require.NotNil(t, stations[1].OccupiedBy)
	assert.Equal(t, "luis", *stations[1].OccupiedBy)
}

func TestAcquireHoldingReleasesPreviousHolding(t *testing.T) {
	st := NewStore()
	ctx := context.Background()
	first, _, _ := st.CreateTurn(ctx, store.CreateTurnInput{Priority: models.PriorityGeneral, CreatedAt: now})
	second, _, _ := st.CreateTurn(ctx, store.CreateTurnInput{Priority: models.PriorityGeneral, CreatedAt: now})

	_, err := st.AcquireHolding(ctx, store.HoldInput{TurnID: first.TurnID, WorkerID: "ana", HeldAt: now, Cutoff: now.Add(-5 * time.Minute)})
	require.NoError(t, err)
	_, err = st.AcquireHolding(ctx, store.HoldInput{TurnID: second.TurnID, WorkerID: "ana", HeldAt: now, Cutoff: now.Add(-5 * time.Minute)})
	require.NoError(t, err)

	got, err := st.GetTurn(ctx, first.TurnID)
	require.NoError(t, err)
	assert.Nil(t, got.HoldingBy)

	_, err = st.AcquireHolding(ctx, store.HoldInput{TurnID: second.TurnID, WorkerID: "luis", HeldAt: now, Cutoff: now.Add(-5 * time.Minute)})
	assert.ErrorIs(t, err, store.ErrConflict)
}
