package models

import "time"

type Turn struct {
	TurnID     int64      `json:"turn_id"`
	Priority   string     `json:"priority"`
	Status     string     `json:"status"`
	IsDeferred bool       `json:"is_deferred"`
	DeferredAt *time.Time `json:"deferred_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	CallCount  int        `json:"call_count"`
	HoldingBy  *string    `json:"holding_by,omitempty"`
	HoldingAt  *time.Time `json:"holding_at,omitempty"`
	AttendedBy *string    `json:"attended_by,omitempty"`
	StationID  *int64     `json:"station_id,omitempty"`
	CalledAt   *time.Time `json:"called_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

const (
	StatusPending    = "Pending"
	StatusInProgress = "InProgress"
	StatusCompleted  = "Completed"
)

const (
	PriorityGeneral = "General"
	PrioritySpecial = "Special"
)

func ValidPriority(value string) bool {
	return value == PriorityGeneral || value == PrioritySpecial
}

// EffectiveTime is the timestamp a turn waits from: the deferral time once
// returned to the queue, otherwise its creation time.
func (t Turn) EffectiveTime() time.Time {
	if t.IsDeferred && t.DeferredAt != nil {
		return *t.DeferredAt
	}
	return t.CreatedAt
}

// HeldBy reports the live holder of the turn. A holding taken before cutoff is
// expired and reported as absent.
func (t Turn) HeldBy(cutoff time.Time) (string, bool) {
	if t.HoldingBy == nil || *t.HoldingBy == "" {
		return "", false
	}
	if t.HoldingAt != nil && t.HoldingAt.Before(cutoff) {
		return "", false
	}
	return *t.HoldingBy, true
}

type Holding struct {
	TurnID    int64     `json:"turn_id"`
	WorkerID  string    `json:"worker_id"`
	HeldAt    time.Time `json:"held_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
