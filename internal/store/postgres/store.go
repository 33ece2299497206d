package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"qms/sampling-queue/internal/models"
	"qms/sampling-queue/internal/store"
)

const uniqueViolation = "23505"

const turnColumns = `turn_id, priority, status, is_deferred, deferred_at, created_at, call_count,
	holding_by, holding_at, attended_by, station_id, called_at, finished_at`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateTurn(ctx context.Context, input store.CreateTurnInput) (models.Turn, bool, error) {
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO turns (request_id, priority, status, created_at)
		VALUES ($1, $2, 'Pending', $3)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING `+turnColumns,
		nullIfEmpty(input.RequestID), input.Priority, createdAt)
	turn, err := scanTurn(row)
	if err == nil {
		return turn, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Turn{}, false, errors.Wrap(err, "create turn")
	}

	row = s.pool.QueryRow(ctx, `SELECT `+turnColumns+` FROM turns WHERE request_id = $1`, input.RequestID)
	turn, err = scanTurn(row)
	if err != nil {
		return models.Turn{}, false, errors.Wrap(err, "load turn by request id")
	}
	return turn, false, nil
}

func (s *Store) GetTurn(ctx context.Context, turnID int64) (models.Turn, error) {
	return getTurnByID(ctx, s.pool, turnID)
}

func (s *Store) ListTurns(ctx context.Context, statuses ...string) ([]models.Turn, error) {
	query := `SELECT ` + turnColumns + ` FROM turns`
	var args []interface{}
	if len(statuses) > 0 {
		query += ` WHERE status = ANY($1)`
		args = append(args, statuses)
	}
	query += ` ORDER BY turn_id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list turns")
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan turn")
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list turns")
	}
	return turns, nil
}

func (s *Store) ActiveTurnForWorker(ctx context.Context, workerID string) (models.Turn, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+turnColumns+`
		FROM turns
		WHERE attended_by = $1 AND status = 'InProgress'
		ORDER BY called_at DESC
		LIMIT 1
	`, workerID)
	turn, err := scanTurn(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Turn{}, false, nil
		}
		return models.Turn{}, false, errors.Wrap(err, "active turn for worker")
	}
	return turn, true, nil
}

// CallTurn claims a turn with one conditional UPDATE. The row lock taken by
// the first writer makes concurrent callers re-check the predicate against the
// committed row, so only one of them matches. Station exclusivity is backed by
// the turns_station_in_progress unique index.
func (s *Store) CallTurn(ctx context.Context, input store.CallTurnInput) (models.Turn, error) {
	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE turns
		SET status = 'InProgress',
			attended_by = $2,
			station_id = $3,
			called_at = $4,
			call_count = call_count + 1,
			holding_by = NULL,
			holding_at = NULL
		WHERE turn_id = $1
			AND status = 'Pending'
			AND (holding_by IS NULL OR holding_by = $2 OR holding_at < $5)
			AND EXISTS (
				SELECT 1 FROM stations s WHERE s.station_id = $3 AND s.active
			)
			AND NOT EXISTS (
				SELECT 1 FROM worker_sessions w
				WHERE w.selected_station_id = $3 AND w.worker_id <> $2 AND w.last_activity >= $6
			)
			AND NOT EXISTS (
				SELECT 1 FROM turns o WHERE o.station_id = $3 AND o.status = 'InProgress'
			)
		RETURNING `+turnColumns,
		input.TurnID, input.WorkerID, input.StationID, calledAt, input.HoldCutoff, input.IdleCutoff)
	turn, err := scanTurn(row)
	if err == nil {
		return turn, nil
	}
	if isUniqueViolation(err) {
		return models.Turn{}, store.ErrStationUnavailable
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Turn{}, errors.Wrap(err, "call turn")
	}
	return models.Turn{}, s.classifyCall(ctx, input)
}

// classifyCall explains why a claim matched no row. It only reads.
func (s *Store) classifyCall(ctx context.Context, input store.CallTurnInput) error {
	turn, err := getTurnByID(ctx, s.pool, input.TurnID)
	if err != nil {
		return err
	}
	if !store.ValidTransition(store.ActionCall, turn.Status) {
		return store.ErrConflict
	}
	if holder, held := turn.HeldBy(input.HoldCutoff); held && holder != input.WorkerID {
		return store.ErrConflict
	}

	var active bool
	err = s.pool.QueryRow(ctx, `SELECT active FROM stations WHERE station_id = $1`, input.StationID).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrStationNotFound
		}
		return errors.Wrap(err, "load station")
	}
	if !active {
		return store.ErrStationUnavailable
	}

	var busy bool
	err = s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM turns WHERE station_id = $1 AND status = 'InProgress'
		) OR EXISTS (
			SELECT 1 FROM worker_sessions
			WHERE selected_station_id = $1 AND worker_id <> $2 AND last_activity >= $3
		)
	`, input.StationID, input.WorkerID, input.IdleCutoff).Scan(&busy)
	if err != nil {
		return errors.Wrap(err, "load station occupancy")
	}
	if busy {
		return store.ErrStationUnavailable
	}
	return store.ErrConflict
}

func (s *Store) DeferTurn(ctx context.Context, input store.TurnActionInput) (models.Turn, error) {
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE turns
		SET status = 'Pending',
			is_deferred = TRUE,
			deferred_at = $2,
			attended_by = NULL,
			station_id = NULL,
			called_at = NULL
		WHERE turn_id = $1 AND status = 'InProgress'
		RETURNING `+turnColumns,
		input.TurnID, occurredAt)
	return s.finishTransition(ctx, row, input.TurnID, "defer turn")
}

func (s *Store) CompleteTurn(ctx context.Context, input store.TurnActionInput) (models.Turn, error) {
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE turns
		SET status = 'Completed',
			finished_at = $2,
			station_id = NULL
		WHERE turn_id = $1 AND status = 'InProgress'
		RETURNING `+turnColumns,
		input.TurnID, occurredAt)
	return s.finishTransition(ctx, row, input.TurnID, "complete turn")
}

func (s *Store) finishTransition(ctx context.Context, row pgx.Row, turnID int64, op string) (models.Turn, error) {
	turn, err := scanTurn(row)
	if err == nil {
		return turn, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Turn{}, errors.Wrap(err, op)
	}
	if _, err := getTurnByID(ctx, s.pool, turnID); err != nil {
		return models.Turn{}, err
	}
	return models.Turn{}, store.ErrInvalidTransition
}

func (s *Store) ChangePriority(ctx context.Context, input store.ChangePriorityInput) (models.Turn, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE turns
		SET priority = $2
		WHERE turn_id = $1 AND status IN ('Pending', 'InProgress') AND priority <> $2
		RETURNING `+turnColumns,
		input.TurnID, input.Priority)
	turn, err := scanTurn(row)
	if err == nil {
		return turn, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Turn{}, false, errors.Wrap(err, "change priority")
	}

	current, err := getTurnByID(ctx, s.pool, input.TurnID)
	if err != nil {
		return models.Turn{}, false, err
	}
	if !store.ValidTransition(store.ActionChangePriority, current.Status) {
		return models.Turn{}, false, store.ErrInvalidTransition
	}
	return current, false, nil
}

func (s *Store) AcquireHolding(ctx context.Context, input store.HoldInput) (models.Turn, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Turn{}, errors.Wrap(err, "begin hold")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		UPDATE turns
		SET holding_by = $2, holding_at = $3
		WHERE turn_id = $1
			AND status = 'Pending'
			AND (holding_by IS NULL OR holding_by = $2 OR holding_at < $4)
		RETURNING `+turnColumns,
		input.TurnID, input.WorkerID, input.HeldAt, input.Cutoff)
	turn, err := scanTurn(row)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.Turn{}, errors.Wrap(err, "hold turn")
		}
		if _, err := getTurnByID(ctx, tx, input.TurnID); err != nil {
			return models.Turn{}, err
		}
		return models.Turn{}, store.ErrConflict
	}

	if _, err := tx.Exec(ctx, `
		UPDATE turns
		SET holding_by = NULL, holding_at = NULL
		WHERE holding_by = $1 AND turn_id <> $2
	`, input.WorkerID, input.TurnID); err != nil {
		return models.Turn{}, errors.Wrap(err, "release previous holdings")
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Turn{}, errors.Wrap(err, "commit hold")
	}
	return turn, nil
}

func (s *Store) ReleaseHolding(ctx context.Context, input store.ReleaseHoldingInput) (models.Turn, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE turns
		SET holding_by = NULL, holding_at = NULL
		WHERE turn_id = $1 AND holding_by IS NOT NULL AND ($2 = '' OR holding_by = $2)
		RETURNING `+turnColumns,
		input.TurnID, input.WorkerID)
	turn, err := scanTurn(row)
	if err == nil {
		return turn, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Turn{}, false, errors.Wrap(err, "release holding")
	}
	current, err := getTurnByID(ctx, s.pool, input.TurnID)
	if err != nil {
		return models.Turn{}, false, err
	}
	return current, false, nil
}

func (s *Store) ReleaseWorkerHoldings(ctx context.Context, workerID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE turns
		SET holding_by = NULL, holding_at = NULL
		WHERE holding_by = $1
	`, workerID)
	if err != nil {
		return 0, errors.Wrap(err, "release worker holdings")
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ReleaseExpiredHoldings(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE turns
		SET holding_by = NULL, holding_at = NULL
		WHERE holding_by IS NOT NULL AND holding_at < $1
	`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "release expired holdings")
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) CreateStation(ctx context.Context, input store.CreateStationInput) (models.Station, error) {
	var station models.Station
	err := s.pool.QueryRow(ctx, `
		INSERT INTO stations (name, active, priority)
		VALUES ($1, $2, $3)
		RETURNING station_id, name, active, priority
	`, input.Name, input.Active, input.Priority).Scan(&station.StationID, &station.Name, &station.Active, &station.Priority)
	if err != nil {
		return models.Station{}, errors.Wrap(err, "create station")
	}
	return station, nil
}

func (s *Store) ListStations(ctx context.Context) ([]models.Station, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.station_id, s.name, s.active, s.priority, w.worker_id, t.turn_id
		FROM stations s
		LEFT JOIN worker_sessions w ON w.selected_station_id = s.station_id
		LEFT JOIN turns t ON t.station_id = s.station_id AND t.status = 'InProgress'
		ORDER BY s.station_id ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list stations")
	}
	defer rows.Close()

	var stations []models.Station
	for rows.Next() {
		var station models.Station
		var workerNull sql.NullString
		var turnNull sql.NullInt64
		if err := rows.Scan(&station.StationID, &station.Name, &station.Active, &station.Priority, &workerNull, &turnNull); err != nil {
			return nil, errors.Wrap(err, "scan station")
		}
		station.OccupiedBy = nullStringPtr(workerNull)
		station.TurnID = nullInt64Ptr(turnNull)
		stations = append(stations, station)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list stations")
	}
	return stations, nil
}

func (s *Store) TouchSession(ctx context.Context, workerID string, at time.Time) (models.WorkerSession, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO worker_sessions (worker_id, last_activity)
		VALUES ($1, $2)
		ON CONFLICT (worker_id) DO UPDATE SET last_activity = EXCLUDED.last_activity
		RETURNING worker_id, selected_station_id, last_activity
	`, workerID, at)
	session, err := scanSession(row)
	if err != nil {
		return models.WorkerSession{}, errors.Wrap(err, "touch session")
	}
	return session, nil
}

func (s *Store) SelectStation(ctx context.Context, input store.SelectStationInput) (models.WorkerSession, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.WorkerSession{}, errors.Wrap(err, "begin select station")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if input.StationID != nil {
		if err := ensureStationFree(ctx, tx, *input.StationID, input.WorkerID, input.IdleCutoff); err != nil {
			return models.WorkerSession{}, err
		}
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO worker_sessions (worker_id, selected_station_id, last_activity)
		VALUES ($1, $2, $3)
		ON CONFLICT (worker_id) DO UPDATE
		SET selected_station_id = EXCLUDED.selected_station_id, last_activity = EXCLUDED.last_activity
		RETURNING worker_id, selected_station_id, last_activity
	`, input.WorkerID, input.StationID, input.SelectedAt)
	session, err := scanSession(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.WorkerSession{}, store.ErrStationUnavailable
		}
		return models.WorkerSession{}, errors.Wrap(err, "select station")
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return models.WorkerSession{}, store.ErrStationUnavailable
		}
		return models.WorkerSession{}, errors.Wrap(err, "commit select station")
	}
	return session, nil
}

// ensureStationFree checks that stationID can be bound to workerID, dropping
// the binding of any idle session that still points at it.
func ensureStationFree(ctx context.Context, tx pgx.Tx, stationID int64, workerID string, idleCutoff time.Time) error {
	var active bool
	err := tx.QueryRow(ctx, `SELECT active FROM stations WHERE station_id = $1`, stationID).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrStationNotFound
		}
		return errors.Wrap(err, "load station")
	}
	if !active {
		return store.ErrStationUnavailable
	}

	if _, err := tx.Exec(ctx, `
		UPDATE worker_sessions
		SET selected_station_id = NULL
		WHERE selected_station_id = $1 AND worker_id <> $2 AND last_activity < $3
	`, stationID, workerID, idleCutoff); err != nil {
		return errors.Wrap(err, "release idle station binding")
	}

	var taken bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM worker_sessions WHERE selected_station_id = $1 AND worker_id <> $2
		)
	`, stationID, workerID).Scan(&taken)
	if err != nil {
		return errors.Wrap(err, "load station binding")
	}
	if taken {
		return store.ErrStationUnavailable
	}
	return nil
}

func (s *Store) ReleaseIdleStations(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE worker_sessions
		SET selected_station_id = NULL
		WHERE selected_station_id IS NOT NULL AND last_activity < $1
	`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "release idle stations")
	}
	return int(tag.RowsAffected()), nil
}

type querier interface {
	QueryRow(ctx context.Context, query string, args ...interface{}) pgx.Row
}

func getTurnByID(ctx context.Context, q querier, turnID int64) (models.Turn, error) {
	row := q.QueryRow(ctx, `SELECT `+turnColumns+` FROM turns WHERE turn_id = $1`, turnID)
	turn, err := scanTurn(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Turn{}, store.ErrTurnNotFound
		}
		return models.Turn{}, errors.Wrap(err, "load turn")
	}
	return turn, nil
}

func scanTurn(row pgx.Row) (models.Turn, error) {
	var turn models.Turn
	var deferredAtNull sql.NullTime
	var holdingByNull sql.NullString
	var holdingAtNull sql.NullTime
	var attendedByNull sql.NullString
	var stationIDNull sql.NullInt64
	var calledAtNull sql.NullTime
	var finishedAtNull sql.NullTime
	if err := row.Scan(
		&turn.TurnID, &turn.Priority, &turn.Status, &turn.IsDeferred, &deferredAtNull, &turn.CreatedAt, &turn.CallCount,
		&holdingByNull, &holdingAtNull, &attendedByNull, &stationIDNull, &calledAtNull, &finishedAtNull,
	); err != nil {
		return models.Turn{}, err
	}
	turn.DeferredAt = nullTimePtr(deferredAtNull)
	turn.HoldingBy = nullStringPtr(holdingByNull)
	turn.HoldingAt = nullTimePtr(holdingAtNull)
	turn.AttendedBy = nullStringPtr(attendedByNull)
	turn.StationID = nullInt64Ptr(stationIDNull)
	turn.CalledAt = nullTimePtr(calledAtNull)
	turn.FinishedAt = nullTimePtr(finishedAtNull)
	return turn, nil
}

func scanSession(row pgx.Row) (models.WorkerSession, error) {
	var session models.WorkerSession
	var stationNull sql.NullInt64
	if err := row.Scan(&session.WorkerID, &stationNull, &session.LastActivity); err != nil {
		return models.WorkerSession{}, err
	}
	session.SelectedStationID = nullInt64Ptr(stationNull)
	return session, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

func nullInt64Ptr(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	return &value.Int64
}
