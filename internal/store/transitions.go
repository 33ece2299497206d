package store

import "qms/sampling-queue/internal/models"

const (
	ActionHold           = "hold"
	ActionCall           = "call"
	ActionDefer          = "defer"
	ActionComplete       = "complete"
	ActionChangePriority = "change_priority"
)

var transitionMap = map[string][]string{
	ActionHold:           {models.StatusPending},
	ActionCall:           {models.StatusPending},
	ActionDefer:          {models.StatusInProgress},
	ActionComplete:       {models.StatusInProgress},
	ActionChangePriority: {models.StatusPending, models.StatusInProgress},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
