package queue

import (
	"sort"
	"time"

	"qms/sampling-queue/internal/models"
)

// Ordering ranks waiting turns. With DeferredLast set, a returned turn stays
// behind every non-deferred turn of its priority class; otherwise it competes
// on its deferral time alone.
type Ordering struct {
	DeferredLast bool
}

func PriorityRank(priority string) int {
	if priority == models.PrioritySpecial {
		return 0
	}
	return 1
}

func deferredRank(turn models.Turn) int {
	if turn.IsDeferred {
		return 1
	}
	return 0
}

func (o Ordering) Less(a, b models.Turn) bool {
	if ra, rb := PriorityRank(a.Priority), PriorityRank(b.Priority); ra != rb {
		return ra < rb
	}
	if o.DeferredLast {
		if da, db := deferredRank(a), deferredRank(b); da != db {
			return da < db
		}
	}
	return a.EffectiveTime().Before(b.EffectiveTime())
}

// Sort orders turns in place. Turns with equal keys keep their input order,
// which stores supply by ascending turn id.
func (o Ordering) Sort(turns []models.Turn) {
	sort.SliceStable(turns, func(i, j int) bool {
		return o.Less(turns[i], turns[j])
	})
}

// Visible reports whether a pending turn is offered to workerID: it must be
// unheld, held by that worker, or held past the cutoff.
func Visible(turn models.Turn, workerID string, cutoff time.Time) bool {
	if turn.Status != models.StatusPending {
		return false
	}
	holder, held := turn.HeldBy(cutoff)
	if !held {
		return true
	}
	return workerID != "" && holder == workerID
}

// Pending returns the visible pending turns for workerID in queue order. An
// empty workerID yields the shared view where any live holding hides a turn.
func (o Ordering) Pending(turns []models.Turn, workerID string, cutoff time.Time) []models.Turn {
	out := make([]models.Turn, 0, len(turns))
	for _, turn := range turns {
		if Visible(turn, workerID, cutoff) {
			out = append(out, turn)
		}
	}
	o.Sort(out)
	return out
}
