package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/sampling-queue/internal/models"
)

var base = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func pendingTurn(id int64, priority string, minute int) models.Turn {
	return models.Turn{
		TurnID:    id,
		Priority:  priority,
		Status:    models.StatusPending,
		CreatedAt: base.Add(time.Duration(minute) * time.Minute),
	}
}

func deferTurnAt(turn models.Turn, minute int) models.Turn {
	at := base.Add(time.Duration(minute) * time.Minute)
	turn.IsDeferred = true
	turn.DeferredAt = &at
	return turn
}

func ids(turns []models.Turn) []int64 {
	out := make([]int64, 0, len(turns))
	for _, turn := range turns {
		out = append(out, turn.TurnID)
	}
	return out
}

func strPtr(v string) *string { return &v }

func timePtr(v time.Time) *time.Time { return &v }

func TestOrderingSpecialBeforeGeneral(t *testing.T) {
	turns := []models.Turn{
		pendingTurn(1, models.PriorityGeneral, 0),
		pendingTurn(2, models.PrioritySpecial, 5),
		pendingTurn(3, models.PriorityGeneral, 1),
		pendingTurn(4, models.PrioritySpecial, 2),
	}

	got := Ordering{DeferredLast: true}.Pending(turns, "", base)
	assert.Equal(t, []int64{4, 2, 1, 3}, ids(got))
}

func TestOrderingDeferredLastWithinClass(t *testing.T) {
	turns := []models.Turn{
		deferTurnAt(pendingTurn(1, models.PriorityGeneral, 0), 10),
		pendingTurn(2, models.PriorityGeneral, 1),
		pendingTurn(3, models.PriorityGeneral, 20),
		deferTurnAt(pendingTurn(4, models.PrioritySpecial, 0), 15),
		pendingTurn(5, models.PrioritySpecial, 30),
	}

	got := Ordering{DeferredLast: true}.Pending(turns, "", base)
	assert.Equal(t, []int64{5, 4, 2, 3, 1}, ids(got))
}

func TestOrderingEffectiveTimePolicy(t *testing.T) {
	turns := []models.Turn{
		deferTurnAt(pendingTurn(1, models.PriorityGeneral, 0), 10),
		pendingTurn(2, models.PriorityGeneral, 1),
		pendingTurn(3, models.PriorityGeneral, 20),
	}

	got := Ordering{DeferredLast: false}.Pending(turns, "", base)
	assert.Equal(t, []int64{2, 1, 3}, ids(got))
}

func TestOrderingTiesKeepInsertionOrder(t *testing.T) {
	turns := []models.Turn{
		pendingTurn(7, models.PriorityGeneral, 0),
		pendingTurn(8, models.PriorityGeneral, 0),
		pendingTurn(9, models.PriorityGeneral, 0),
	}

	got := Ordering{DeferredLast: true}.Pending(turns, "", base)
	assert.Equal(t, []int64{7, 8, 9}, ids(got))
}

func TestOrderingInvariantHolds(t *testing.T) {
	turns := []models.Turn{
		pendingTurn(1, models.PriorityGeneral, 3),
		deferTurnAt(pendingTurn(2, models.PrioritySpecial, 0), 9),
		pendingTurn(3, models.PrioritySpecial, 4),
		deferTurnAt(pendingTurn(4, models.PriorityGeneral, 1), 2),
		pendingTurn(5, models.PriorityGeneral, 0),
		deferTurnAt(pendingTurn(6, models.PriorityGeneral, 2), 7),
	}

	got := Ordering{DeferredLast: true}.Pending(turns, "", base)
	require.Len(t, got, len(turns))
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		if PriorityRank(prev.Priority) != PriorityRank(cur.Priority) {
			assert.Less(t, PriorityRank(prev.Priority), PriorityRank(cur.Priority))
			continue
		}
		if prev.IsDeferred != cur.IsDeferred {
			assert.False(t, prev.IsDeferred, "deferred turn %d sorted before %d", prev.TurnID, cur.TurnID)
			continue
		}
		assert.False(t, cur.EffectiveTime().Before(prev.EffectiveTime()), "turn %d out of order", cur.TurnID)
	}
}

func TestPendingHidesLiveHoldingsOfOthers(t *testing.T) {
	cutoff := base.Add(10 * time.Minute)
	held := pendingTurn(1, models.PriorityGeneral, 0)
	held.HoldingBy = strPtr("ana")
	held.HoldingAt = timePtr(base.Add(12 * time.Minute))

	expired := pendingTurn(2, models.PriorityGeneral, 1)
	expired.HoldingBy = strPtr("ana")
	expired.HoldingAt = timePtr(base.Add(2 * time.Minute))

	inProgress := pendingTurn(3, models.PriorityGeneral, 2)
	inProgress.Status = models.StatusInProgress

	turns := []models.Turn{held, expired, inProgress, pendingTurn(4, models.PriorityGeneral, 3)}
	ordering := Ordering{DeferredLast: true}

	assert.Equal(t, []int64{1, 2, 4}, ids(ordering.Pending(turns, "ana", cutoff)))
	assert.Equal(t, []int64{2, 4}, ids(ordering.Pending(turns, "luis", cutoff)))
	assert.Equal(t, []int64{2, 4}, ids(ordering.Pending(turns, "", cutoff)))
}

func TestPendingDoesNotMutateInput(t *testing.T) {
	turns := []models.Turn{
		pendingTurn(1, models.PriorityGeneral, 0),
		pendingTurn(2, models.PrioritySpecial, 1),
	}

	first := Ordering{DeferredLast: true}.Pending(turns, "", base)
	second := Ordering{DeferredLast: true}.Pending(turns, "", base)
	assert.Equal(t, ids(first), ids(second))
	assert.Equal(t, []int64{1, 2}, ids(turns))
}
