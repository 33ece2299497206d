package queue

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"qms/sampling-queue/internal/events"
	"qms/sampling-queue/internal/models"
	"qms/sampling-queue/internal/store"
)

const (
	DefaultHoldingTTL         = 5 * time.Minute
	DefaultSessionIdleTimeout = 20 * time.Minute
)

var ErrInvalidInput = errors.New("invalid input")

type Options struct {
	HoldingTTL         time.Duration
	SessionIdleTimeout time.Duration
	Ordering           Ordering
	Now                func() time.Time
	Publisher          events.Publisher
	Logger             *logrus.Logger
}

// Engine applies queue operations on top of the stores. It holds no queue
// state of its own; every decision is made against freshly read rows and
// every mutation is a conditional store update.
type Engine struct {
	turns       store.TurnStore
	holdings    store.HoldingStore
	stations    store.StationStore
	ordering    Ordering
	holdingTTL  time.Duration
	idleTimeout time.Duration
	now         func() time.Time
	publisher   events.Publisher
	logger      *logrus.Logger
	tracer      trace.Tracer
}

// NewEngine wires the engine. A nil holdings store disables soft claims; hard
// claims keep working.
func NewEngine(turns store.TurnStore, holdings store.HoldingStore, stations store.StationStore, options Options) *Engine {
	ttl := options.HoldingTTL
	if ttl <= 0 {
		ttl = DefaultHoldingTTL
	}
	idle := options.SessionIdleTimeout
	if idle <= 0 {
		idle = DefaultSessionIdleTimeout
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	publisher := options.Publisher
	if publisher == nil {
		publisher = events.Nop()
	}
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		turns:       turns,
		holdings:    holdings,
		stations:    stations,
		ordering:    options.Ordering,
		holdingTTL:  ttl,
		idleTimeout: idle,
		now:         now,
		publisher:   publisher,
		logger:      logger,
		tracer:      otel.Tracer("qms/sampling-queue/queue"),
	}
}

type QueueView struct {
	Pending    []models.Turn `json:"pending"`
	InProgress []models.Turn `json:"in_progress"`
	Holding    *models.Turn  `json:"holding,omitempty"`
}

type CallRequest struct {
	TurnID    int64
	WorkerID  string
	StationID int64
}

type HoldResult struct {
	Holding        *models.Holding `json:"holding,omitempty"`
	SkippedTurnID  int64           `json:"skipped_turn_id,omitempty"`
	CycleCompleted bool            `json:"cycle_completed"`
}

func (e *Engine) HoldingsEnabled() bool {
	return e.holdings != nil
}

func (e *Engine) holdCutoff(now time.Time) time.Time {
	return now.Add(-e.holdingTTL)
}

func (e *Engine) idleCutoff(now time.Time) time.Time {
	return now.Add(-e.idleTimeout)
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "queue."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (e *Engine) publish(ctx context.Context, event events.Event) {
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.WithError(err).WithField("event", event.Type).Warn("publish event failed")
	}
}

func (e *Engine) CreateTurn(ctx context.Context, requestID, priority string) (models.Turn, bool, error) {
	ctx, span := e.startSpan(ctx, "create_turn", attribute.String("turn.priority", priority))
	turn, created, err := e.createTurn(ctx, requestID, priority)
	endSpan(span, err)
	return turn, created, err
}

func (e *Engine) createTurn(ctx context.Context, requestID, priority string) (models.Turn, bool, error) {
	if !models.ValidPriority(priority) {
		return models.Turn{}, false, errors.Wrapf(ErrInvalidInput, "unknown priority %q", priority)
	}
	now := e.now()
	turn, created, err := e.turns.CreateTurn(ctx, store.CreateTurnInput{
		RequestID: requestID,
		Priority:  priority,
		CreatedAt: now,
	})
	if err != nil {
		return models.Turn{}, false, err
	}
	if created {
		e.logger.WithFields(logrus.Fields{"turn_id": turn.TurnID, "priority": turn.Priority}).Info("turn created")
		e.publish(ctx, events.TurnEvent(events.TypeTurnCreated, turn, "", now))
	}
	return turn, created, nil
}

func (e *Engine) GetTurn(ctx context.Context, turnID int64) (models.Turn, error) {
	return e.turns.GetTurn(ctx, turnID)
}

// ListQueue returns the waiting turns visible to workerID in service order,
// plus the turns currently being served. Expired holdings are swept first so
// the view never shows a stale soft claim.
func (e *Engine) ListQueue(ctx context.Context, workerID string) (QueueView, error) {
	ctx, span := e.startSpan(ctx, "list_queue", attribute.String("worker.id", workerID))
	view, err := e.listQueue(ctx, workerID)
	endSpan(span, err)
	return view, err
}

func (e *Engine) listQueue(ctx context.Context, workerID string) (QueueView, error) {
	now := e.now()
	cutoff := e.holdCutoff(now)
	if _, err := e.sweepHoldings(ctx, now); err != nil {
		return QueueView{}, err
	}

	turns, err := e.turns.ListTurns(ctx, models.StatusPending, models.StatusInProgress)
	if err != nil {
		return QueueView{}, err
	}

	var pending []models.Turn
	inProgress := []models.Turn{}
	for _, turn := range turns {
		if turn.Status == models.StatusInProgress {
			inProgress = append(inProgress, turn)
			continue
		}
		pending = append(pending, turn)
	}
	sort.SliceStable(inProgress, func(i, j int) bool {
		return calledAt(inProgress[i]).Before(calledAt(inProgress[j]))
	})

	view := QueueView{
		Pending:    e.ordering.Pending(pending, workerID, cutoff),
		InProgress: inProgress,
	}
	if workerID != "" {
		for i := range view.Pending {
			if holder, held := view.Pending[i].HeldBy(cutoff); held && holder == workerID {
				turn := view.Pending[i]
				view.Holding = &turn
				break
			}
		}
	}
	return view, nil
}

func calledAt(turn models.Turn) time.Time {
	if turn.CalledAt == nil {
		return turn.CreatedAt
	}
	return *turn.CalledAt
}

func (e *Engine) holdingFor(turn models.Turn) models.Holding {
	holding := models.Holding{TurnID: turn.TurnID}
	if turn.HoldingBy != nil {
		holding.WorkerID = *turn.HoldingBy
	}
	if turn.HoldingAt != nil {
		holding.HeldAt = *turn.HoldingAt
		holding.ExpiresAt = turn.HoldingAt.Add(e.holdingTTL)
	}
	return holding
}

// HoldTurn places a soft claim on a pending turn for workerID. Any other turn
// the worker was holding is released.
func (e *Engine) HoldTurn(ctx context.Context, turnID int64, workerID string) (models.Holding, error) {
	ctx, span := e.startSpan(ctx, "hold_turn", attribute.Int64("turn.id", turnID), attribute.String("worker.id", workerID))
	holding, err := e.holdTurn(ctx, turnID, workerID)
	endSpan(span, err)
	return holding, err
}

func (e *Engine) holdTurn(ctx context.Context, turnID int64, workerID string) (models.Holding, error) {
	if e.holdings == nil {
		return models.Holding{}, store.ErrHoldingsDisabled
	}
	if workerID == "" {
		return models.Holding{}, errors.Wrap(ErrInvalidInput, "worker id is required")
	}
	now := e.now()
	turn, err := e.holdings.AcquireHolding(ctx, store.HoldInput{
		TurnID:   turnID,
		WorkerID: workerID,
		HeldAt:   now,
		Cutoff:   e.holdCutoff(now),
	})
	if err != nil {
		return models.Holding{}, err
	}
	e.logger.WithFields(logrus.Fields{"turn_id": turn.TurnID, "worker_id": workerID}).Debug("turn held")
	e.publish(ctx, events.TurnEvent(events.TypeTurnHeld, turn, workerID, now))
	return e.holdingFor(turn), nil
}

// HoldNext recommends the first turn the worker may serve and holds it. A
// worker that already holds a live turn gets that turn back; a worker with a
// turn in progress gets nothing.
func (e *Engine) HoldNext(ctx context.Context, workerID string) (HoldResult, error) {
	ctx, span := e.startSpan(ctx, "hold_next", attribute.String("worker.id", workerID))
	result, err := e.holdNext(ctx, workerID, 0)
	endSpan(span, err)
	return result, err
}

// SkipHolding releases the worker's current holding and moves to the next
// turn after it in queue order, wrapping to the front. When nothing else is
// available the skipped turn is held again and CycleCompleted is set.
func (e *Engine) SkipHolding(ctx context.Context, workerID string, currentTurnID int64) (HoldResult, error) {
	ctx, span := e.startSpan(ctx, "skip_holding", attribute.String("worker.id", workerID), attribute.Int64("turn.id", currentTurnID))
	result, err := e.holdNext(ctx, workerID, currentTurnID)
	endSpan(span, err)
	return result, err
}

func (e *Engine) holdNext(ctx context.Context, workerID string, skipTurnID int64) (HoldResult, error) {
	if e.holdings == nil {
		return HoldResult{}, store.ErrHoldingsDisabled
	}
	if workerID == "" {
		return HoldResult{}, errors.Wrap(ErrInvalidInput, "worker id is required")
	}

	now := e.now()
	cutoff := e.holdCutoff(now)
	if _, err := e.sweepHoldings(ctx, now); err != nil {
		return HoldResult{}, err
	}

	if _, busy, err := e.turns.ActiveTurnForWorker(ctx, workerID); err != nil {
		return HoldResult{}, err
	} else if busy {
		return HoldResult{}, nil
	}

	turns, err := e.turns.ListTurns(ctx, models.StatusPending)
	if err != nil {
		return HoldResult{}, err
	}
	ordered := e.ordering.Pending(turns, workerID, cutoff)

	var result HoldResult
	if skipTurnID != 0 {
		skipped, released, err := e.holdings.ReleaseHolding(ctx, store.ReleaseHoldingInput{TurnID: skipTurnID, WorkerID: workerID})
		if err != nil && !errors.Is(err, store.ErrTurnNotFound) {
			return HoldResult{}, err
		}
		if released {
			result.SkippedTurnID = skipped.TurnID
		}
	} else {
		for _, turn := range ordered {
			if holder, held := turn.HeldBy(cutoff); held && holder == workerID {
				holding := e.holdingFor(turn)
				result.Holding = &holding
				return result, nil
			}
		}
	}

	for _, candidate := range rotateAfter(ordered, skipTurnID) {
		turn, err := e.holdings.AcquireHolding(ctx, store.HoldInput{
			TurnID:   candidate.TurnID,
			WorkerID: workerID,
			HeldAt:   now,
			Cutoff:   cutoff,
		})
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrTurnNotFound) {
			continue
		}
		if err != nil {
			return HoldResult{}, err
		}
		holding := e.holdingFor(turn)
		result.Holding = &holding
		e.publish(ctx, events.TurnEvent(events.TypeTurnHeld, turn, workerID, now))
		return result, nil
	}

	if result.SkippedTurnID != 0 {
		turn, err := e.holdings.AcquireHolding(ctx, store.HoldInput{
			TurnID:   result.SkippedTurnID,
			WorkerID: workerID,
			HeldAt:   now,
			Cutoff:   cutoff,
		})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return HoldResult{}, err
		}
		if err == nil {
			holding := e.holdingFor(turn)
			result.Holding = &holding
			result.CycleCompleted = true
			result.SkippedTurnID = 0
			return result, nil
		}
	}
	return result, nil
}

// rotateAfter returns the turns that follow skipID in order, then the ones
// before it, leaving skipID itself out.
func rotateAfter(ordered []models.Turn, skipID int64) []models.Turn {
	if skipID == 0 {
		return ordered
	}
	index := -1
	for i, turn := range ordered {
		if turn.TurnID == skipID {
			index = i
			break
		}
	}
	if index < 0 {
		return ordered
	}
	out := make([]models.Turn, 0, len(ordered)-1)
	out = append(out, ordered[index+1:]...)
	out = append(out, ordered[:index]...)
	return out
}

// ReleaseHoldings drops every holding of workerID, for logout or when the
// worker leaves the queue screen.
func (e *Engine) ReleaseHoldings(ctx context.Context, workerID string) (int, error) {
	if e.holdings == nil {
		return 0, nil
	}
	if workerID == "" {
		return 0, errors.Wrap(ErrInvalidInput, "worker id is required")
	}
	count, err := e.holdings.ReleaseWorkerHoldings(ctx, workerID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		e.publish(ctx, events.Event{Type: events.TypeHoldingReleased, WorkerID: workerID, Count: count, OccurredAt: e.now()})
	}
	return count, nil
}

// ReleaseHolding clears the holding on one turn regardless of its owner.
func (e *Engine) ReleaseHolding(ctx context.Context, turnID int64) (models.Turn, bool, error) {
	if e.holdings == nil {
		return models.Turn{}, false, store.ErrHoldingsDisabled
	}
	turn, released, err := e.holdings.ReleaseHolding(ctx, store.ReleaseHoldingInput{TurnID: turnID})
	if err != nil {
		return models.Turn{}, false, err
	}
	if released {
		e.logger.WithField("turn_id", turnID).Info("holding released by supervisor")
		e.publish(ctx, events.TurnEvent(events.TypeHoldingReleased, turn, "", e.now()))
	}
	return turn, released, nil
}

// CallTurn is the hard claim: it moves a pending turn to the worker and
// station in one conditional update. Of several concurrent callers for the
// same turn exactly one succeeds; the rest get store.ErrConflict.
func (e *Engine) CallTurn(ctx context.Context, req CallRequest) (models.Turn, error) {
	ctx, span := e.startSpan(ctx, "call_turn",
		attribute.Int64("turn.id", req.TurnID),
		attribute.String("worker.id", req.WorkerID),
		attribute.Int64("station.id", req.StationID),
	)
	turn, err := e.callTurn(ctx, req)
	endSpan(span, err)
	return turn, err
}

func (e *Engine) callTurn(ctx context.Context, req CallRequest) (models.Turn, error) {
	if req.WorkerID == "" {
		return models.Turn{}, errors.Wrap(ErrInvalidInput, "worker id is required")
	}
	now := e.now()
	turn, err := e.turns.CallTurn(ctx, store.CallTurnInput{
		TurnID:     req.TurnID,
		WorkerID:   req.WorkerID,
		StationID:  req.StationID,
		CalledAt:   now,
		HoldCutoff: e.holdCutoff(now),
		IdleCutoff: e.idleCutoff(now),
	})
	if err != nil {
		return models.Turn{}, err
	}
	e.logger.WithFields(logrus.Fields{
		"turn_id":    turn.TurnID,
		"worker_id":  req.WorkerID,
		"station_id": req.StationID,
		"call_count": turn.CallCount,
	}).Info("turn called")
	e.publish(ctx, events.TurnEvent(events.TypeTurnCalled, turn, req.WorkerID, now))
	return turn, nil
}

// DeferTurn returns a turn in progress to the queue behind the turns that
// never left it.
func (e *Engine) DeferTurn(ctx context.Context, turnID int64) (models.Turn, error) {
	ctx, span := e.startSpan(ctx, "defer_turn", attribute.Int64("turn.id", turnID))
	now := e.now()
	turn, err := e.turns.DeferTurn(ctx, store.TurnActionInput{TurnID: turnID, OccurredAt: now})
	endSpan(span, err)
	if err != nil {
		return models.Turn{}, err
	}
	e.logger.WithField("turn_id", turn.TurnID).Info("turn deferred")
	e.publish(ctx, events.TurnEvent(events.TypeTurnDeferred, turn, "", now))
	return turn, nil
}

func (e *Engine) CompleteTurn(ctx context.Context, turnID int64) (models.Turn, error) {
	ctx, span := e.startSpan(ctx, "complete_turn", attribute.Int64("turn.id", turnID))
	now := e.now()
	turn, err := e.turns.CompleteTurn(ctx, store.TurnActionInput{TurnID: turnID, OccurredAt: now})
	endSpan(span, err)
	if err != nil {
		return models.Turn{}, err
	}
	fields := logrus.Fields{"turn_id": turn.TurnID}
	if turn.AttendedBy != nil {
		fields["worker_id"] = *turn.AttendedBy
	}
	e.logger.WithFields(fields).Info("turn completed")
	e.publish(ctx, events.TurnEvent(events.TypeTurnCompleted, turn, "", now))
	return turn, nil
}

// ChangePriority reclassifies a pending or in-progress turn. The bool reports
// whether the priority actually changed.
func (e *Engine) ChangePriority(ctx context.Context, turnID int64, priority string) (models.Turn, bool, error) {
	if !models.ValidPriority(priority) {
		return models.Turn{}, false, errors.Wrapf(ErrInvalidInput, "unknown priority %q", priority)
	}
	ctx, span := e.startSpan(ctx, "change_priority", attribute.Int64("turn.id", turnID), attribute.String("turn.priority", priority))
	turn, changed, err := e.turns.ChangePriority(ctx, store.ChangePriorityInput{TurnID: turnID, Priority: priority})
	endSpan(span, err)
	if err != nil {
		return models.Turn{}, false, err
	}
	if changed {
		e.logger.WithFields(logrus.Fields{"turn_id": turn.TurnID, "priority": priority}).Info("turn priority changed")
		e.publish(ctx, events.TurnEvent(events.TypeTurnPriorityChanged, turn, "", e.now()))
	}
	return turn, changed, nil
}

// SweepHoldings clears holdings older than the TTL. Safe to run concurrently
// and repeatedly.
func (e *Engine) SweepHoldings(ctx context.Context) (int, error) {
	return e.sweepHoldings(ctx, e.now())
}

func (e *Engine) sweepHoldings(ctx context.Context, now time.Time) (int, error) {
	if e.holdings == nil {
		return 0, nil
	}
	count, err := e.holdings.ReleaseExpiredHoldings(ctx, e.holdCutoff(now))
	if err != nil {
		return 0, err
	}
	if count > 0 {
		e.logger.WithField("count", count).Info("expired holdings released")
		e.publish(ctx, events.Event{Type: events.TypeHoldingsExpired, Count: count, OccurredAt: now})
	}
	return count, nil
}

// SweepSessions unbinds stations from sessions idle past the threshold.
func (e *Engine) SweepSessions(ctx context.Context) (int, error) {
	now := e.now()
	count, err := e.stations.ReleaseIdleStations(ctx, e.idleCutoff(now))
	if err != nil {
		return 0, err
	}
	if count > 0 {
		e.logger.WithField("count", count).Info("idle stations released")
		e.publish(ctx, events.Event{Type: events.TypeStationsReleased, Count: count, OccurredAt: now})
	}
	return count, nil
}

func (e *Engine) TouchSession(ctx context.Context, workerID string) (models.WorkerSession, error) {
	if workerID == "" {
		return models.WorkerSession{}, errors.Wrap(ErrInvalidInput, "worker id is required")
	}
	return e.stations.TouchSession(ctx, workerID, e.now())
}

// SelectStation binds workerID to a station, or clears the binding when
// stationID is nil. Selecting also counts as activity.
func (e *Engine) SelectStation(ctx context.Context, workerID string, stationID *int64) (models.WorkerSession, error) {
	if workerID == "" {
		return models.WorkerSession{}, errors.Wrap(ErrInvalidInput, "worker id is required")
	}
	now := e.now()
	session, err := e.stations.SelectStation(ctx, store.SelectStationInput{
		WorkerID:   workerID,
		StationID:  stationID,
		SelectedAt: now,
		IdleCutoff: e.idleCutoff(now),
	})
	if err != nil {
		return models.WorkerSession{}, err
	}
	e.publish(ctx, events.Event{Type: events.TypeStationSelected, WorkerID: workerID, StationID: session.SelectedStationID, OccurredAt: now})
	return session, nil
}

func (e *Engine) CreateStation(ctx context.Context, name, priority string, active bool) (models.Station, error) {
	if name == "" {
		return models.Station{}, errors.Wrap(ErrInvalidInput, "station name is required")
	}
	if priority == "" {
		priority = models.PriorityGeneral
	}
	if !models.ValidPriority(priority) {
		return models.Station{}, errors.Wrapf(ErrInvalidInput, "unknown priority %q", priority)
	}
	return e.stations.CreateStation(ctx, store.CreateStationInput{Name: name, Priority: priority, Active: active})
}

// StationStatus runs the idle-session monitor and then reports every station
// with its current occupant and turn.
func (e *Engine) StationStatus(ctx context.Context) ([]models.Station, error) {
	if _, err := e.SweepSessions(ctx); err != nil {
		return nil, err
	}
	return e.stations.ListStations(ctx)
}
