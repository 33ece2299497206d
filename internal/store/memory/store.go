package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"qms/sampling-queue/internal/models"
	"qms/sampling-queue/internal/store"
)

// Store keeps all state in process. Each operation runs under one mutex, so
// the check and the write of a transition are a single atomic step.
type Store struct {
	mu          sync.Mutex
	turns       map[int64]models.Turn
	requests    map[string]int64
	stations    map[int64]models.Station
	sessions    map[string]models.WorkerSession
	nextTurn    int64
	nextStation int64
}

func NewStore() *Store {
	return &Store{
		turns:    make(map[int64]models.Turn),
		requests: make(map[string]int64),
		stations: make(map[int64]models.Station),
		sessions: make(map[string]models.WorkerSession),
	}
}

func (s *Store) CreateTurn(ctx context.Context, input store.CreateTurnInput) (models.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if input.RequestID != "" {
		if id, ok := s.requests[input.RequestID]; ok {
			return s.turns[id], false, nil
		}
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	s.nextTurn++
	turn := models.Turn{
		TurnID:    s.nextTurn,
		Priority:  input.Priority,
		Status:    models.StatusPending,
		CreatedAt: createdAt,
	}
	s.turns[turn.TurnID] = turn
	if input.RequestID != "" {
		s.requests[input.RequestID] = turn.TurnID
	}
	return turn, true, nil
}

func (s *Store) GetTurn(ctx context.Context, turnID int64) (models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn, ok := s.turns[turnID]
	if !ok {
		return models.Turn{}, store.ErrTurnNotFound
	}
	return turn, nil
}

func (s *Store) ListTurns(ctx context.Context, statuses ...string) ([]models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}
	turns := make([]models.Turn, 0, len(s.turns))
	for _, turn := range s.turns {
		if len(wanted) > 0 && !wanted[turn.Status] {
			continue
		}
		turns = append(turns, turn)
	}
	sort.Slice(turns, func(i, j int) bool { return turns[i].TurnID < turns[j].TurnID })
	return turns, nil
}

func (s *Store) ActiveTurnForWorker(ctx context.Context, workerID string) (models.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, turn := range s.turns {
		if turn.Status == models.StatusInProgress && turn.AttendedBy != nil && *turn.AttendedBy == workerID {
			return turn, true, nil
		}
	}
	return models.Turn{}, false, nil
}

func (s *Store) CallTurn(ctx context.Context, input store.CallTurnInput) (models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn, ok := s.turns[input.TurnID]
	if !ok {
		return models.Turn{}, store.ErrTurnNotFound
	}
	if !store.ValidTransition(store.ActionCall, turn.Status) {
		return models.Turn{}, store.ErrConflict
	}
	if holder, held := turn.HeldBy(input.HoldCutoff); held && holder != input.WorkerID {
		return models.Turn{}, store.ErrConflict
	}

	station, ok := s.stations[input.StationID]
	if !ok {
		return models.Turn{}, store.ErrStationNotFound
	}
	if !station.Active || s.stationBusy(input.StationID, input.WorkerID, input.IdleCutoff) {
		return models.Turn{}, store.ErrStationUnavailable
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}
	worker := input.WorkerID
	stationID := input.StationID
	turn.Status = models.StatusInProgress
	turn.AttendedBy = &worker
	turn.StationID = &stationID
	turn.CalledAt = &calledAt
	turn.CallCount++
	turn.HoldingBy = nil
	turn.HoldingAt = nil
	s.turns[turn.TurnID] = turn
	return turn, nil
}

func (s *Store) stationBusy(stationID int64, workerID string, idleCutoff time.Time) bool {
	for _, other := range s.turns {
		if other.Status == models.StatusInProgress && other.StationID != nil && *other.StationID == stationID {
			return true
		}
	}
	for _, session := range s.sessions {
		if session.WorkerID == workerID || session.SelectedStationID == nil || *session.SelectedStationID != stationID {
			continue
		}
		if !session.LastActivity.Before(idleCutoff) {
			return true
		}
	}
	return false
}

func (s *Store) DeferTurn(ctx context.Context, input store.TurnActionInput) (models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn, ok := s.turns[input.TurnID]
	if !ok {
		return models.Turn{}, store.ErrTurnNotFound
	}
	if !store.ValidTransition(store.ActionDefer, turn.Status) {
		return models.Turn{}, store.ErrInvalidTransition
	}

	deferredAt := input.OccurredAt
	if deferredAt.IsZero() {
		deferredAt = time.Now().UTC()
	}
	turn.Status = models.StatusPending
	turn.IsDeferred = true
	turn.DeferredAt = &deferredAt
	turn.AttendedBy = nil
	turn.StationID = nil
	turn.CalledAt = nil
	s.turns[turn.TurnID] = turn
	return turn, nil
}

func (s *Store) CompleteTurn(ctx context.Context, input store.TurnActionInput) (models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn, ok := s.turns[input.TurnID]
	if !ok {
		return models.Turn{}, store.ErrTurnNotFound
	}
	if !store.ValidTransition(store.ActionComplete, turn.Status) {
		return models.Turn{}, store.ErrInvalidTransition
	}

	finishedAt := input.OccurredAt
	if finishedAt.IsZero() {
		finishedAt = time.Now().UTC()
	}
	turn.Status = models.StatusCompleted
	turn.FinishedAt = &finishedAt
	turn.StationID = nil
	s.turns[turn.TurnID] = turn
	return turn, nil
}

func (s *Store) ChangePriority(ctx context.Context, input store.ChangePriorityInput) (models.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn, ok := s.turns[input.TurnID]
	if !ok {
		return models.Turn{}, false, store.ErrTurnNotFound
	}
	if !store.ValidTransition(store.ActionChangePriority, turn.Status) {
		return models.Turn{}, false, store.ErrInvalidTransition
	}
	if turn.Priority == input.Priority {
		return turn, false, nil
	}
	turn.Priority = input.Priority
	s.turns[turn.TurnID] = turn
	return turn, true, nil
}

func (s *Store) AcquireHolding(ctx context.Context, input store.HoldInput) (models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn, ok := s.turns[input.TurnID]
	if !ok {
		return models.Turn{}, store.ErrTurnNotFound
	}
	if !store.ValidTransition(store.ActionHold, turn.Status) {
		return models.Turn{}, store.ErrConflict
	}
	if holder, held := turn.HeldBy(input.Cutoff); held && holder != input.WorkerID {
		return models.Turn{}, store.ErrConflict
	}

	for id, other := range s.turns {
		if id != turn.TurnID && other.HoldingBy != nil && *other.HoldingBy == input.WorkerID {
			other.HoldingBy = nil
			other.HoldingAt = nil
			s.turns[id] = other
		}
	}

	worker := input.WorkerID
	heldAt := input.HeldAt
	turn.HoldingBy = &worker
	turn.HoldingAt = &heldAt
	s.turns[turn.TurnID] = turn
	return turn, nil
}

func (s *Store) ReleaseHolding(ctx context.Context, input store.ReleaseHoldingInput) (models.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn, ok := s.turns[input.TurnID]
	if !ok {
		return models.Turn{}, false, store.ErrTurnNotFound
	}
	if turn.HoldingBy == nil {
		return turn, false, nil
	}
	if input.WorkerID != "" && *turn.HoldingBy != input.WorkerID {
		return turn, false, nil
	}
	turn.HoldingBy = nil
	turn.HoldingAt = nil
	s.turns[turn.TurnID] = turn
	return turn, true, nil
}

func (s *Store) ReleaseWorkerHoldings(ctx context.Context, workerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, turn := range s.turns {
		if turn.HoldingBy != nil && *turn.HoldingBy == workerID {
			turn.HoldingBy = nil
			turn.HoldingAt = nil
			s.turns[id] = turn
			count++
		}
	}
	return count, nil
}

func (s *Store) ReleaseExpiredHoldings(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, turn := range s.turns {
		if turn.HoldingBy == nil || turn.HoldingAt == nil || !turn.HoldingAt.Before(cutoff) {
			continue
		}
		turn.HoldingBy = nil
		turn.HoldingAt = nil
		s.turns[id] = turn
		count++
	}
	return count, nil
}

func (s *Store) CreateStation(ctx context.Context, input store.CreateStationInput) (models.Station, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextStation++
	station := models.Station{
		StationID: s.nextStation,
		Name:      input.Name,
		Active:    input.Active,
		Priority:  input.Priority,
	}
	s.stations[station.StationID] = station
	return station, nil
}

func (s *Store) ListStations(ctx context.Context) ([]models.Station, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stations := make([]models.Station, 0, len(s.stations))
	for _, station := range s.stations {
		station.OccupiedBy = nil
		station.TurnID = nil
		for _, session := range s.sessions {
			if session.SelectedStationID != nil && *session.SelectedStationID == station.StationID {
				worker := session.WorkerID
				station.OccupiedBy = &worker
			}
		}
		for _, turn := range s.turns {
			if turn.Status == models.StatusInProgress && turn.StationID != nil && *turn.StationID == station.StationID {
				turnID := turn.TurnID
				station.TurnID = &turnID
			}
		}
		stations = append(stations, station)
	}
	sort.Slice(stations, func(i, j int) bool { return stations[i].StationID < stations[j].StationID })
	return stations, nil
}

func (s *Store) TouchSession(ctx context.Context, workerID string, at time.Time) (models.WorkerSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[workerID]
	if !ok {
		session = models.WorkerSession{WorkerID: workerID}
	}
	session.LastActivity = at
	s.sessions[workerID] = session
	return session, nil
}

func (s *Store) SelectStation(ctx context.Context, input store.SelectStationInput) (models.WorkerSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if input.StationID != nil {
		station, ok := s.stations[*input.StationID]
		if !ok {
			return models.WorkerSession{}, store.ErrStationNotFound
		}
		if !station.Active {
			return models.WorkerSession{}, store.ErrStationUnavailable
		}
		for id, other := range s.sessions {
			if id == input.WorkerID || other.SelectedStationID == nil || *other.SelectedStationID != station.StationID {
				continue
			}
			if !other.LastActivity.Before(input.IdleCutoff) {
				return models.WorkerSession{}, store.ErrStationUnavailable
			}
			other.SelectedStationID = nil
			s.sessions[id] = other
		}
	}

	session := models.WorkerSession{WorkerID: input.WorkerID, LastActivity: input.SelectedAt}
	if input.StationID != nil {
		stationID := *input.StationID
		session.SelectedStationID = &stationID
	}
	s.sessions[input.WorkerID] = session
	return session, nil
}

func (s *Store) ReleaseIdleStations(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, session := range s.sessions {
		if session.SelectedStationID == nil || !session.LastActivity.Before(cutoff) {
			continue
		}
		session.SelectedStationID = nil
		s.sessions[id] = session
		count++
	}
	return count, nil
}
