package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
	"github.com/ramiqadoumi/go-task-submit/internal/store"
)

const recordColumns = `id, handler_name, state, payload, priority, result, error, error_kind,
	attempt_count, claimed_until, created_at, updated_at, completed_at`

// Store is a store.Store backed by the tasks table. Transitions are single
// conditional UPDATE statements, so concurrent writers cannot move a record backwards.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore wraps pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Create(ctx context.Context, rec *domain.TaskRecord) error {
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = rec.CreatedAt
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks
			(id, handler_name, state, payload, priority, attempt_count, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		rec.ID, rec.HandlerName, string(rec.State), rec.Payload, string(rec.Priority),
		rec.AttemptCount, rec.CreatedAt, updated,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return &domain.DuplicateTaskError{TaskID: rec.ID}
		}
		return &domain.StoreUnavailableError{Op: "create " + rec.ID, Err: err}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM tasks WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, &domain.StoreUnavailableError{Op: "get " + id, Err: err}
	}
	return rec, nil
}

// MarkRunning claims id for the delivery of attempt attemptCount until claimUntil.
// The guard refuses older attempts and live claims inside the same UPDATE, so
// concurrent deliveries cannot both win.
func (s *Store) MarkRunning(ctx context.Context, id string, attemptCount int, claimUntil time.Time) error {
	err := s.transition(ctx, id, domain.StateRunning,
		`attempt_count = $4, claimed_until = $5`,
		`AND attempt_count <= $4 AND (state <> 'RUNNING' OR claimed_until IS NULL OR claimed_until <= $3)`,
		attemptCount, claimUntil.UTC())

	var invalid *domain.InvalidTransitionError
	if errors.As(err, &invalid) && invalid.From.CanTransitionTo(domain.StateRunning) {
		if rec, getErr := s.Get(ctx, id); getErr == nil {
			invalid.Reason = rec.ClaimRefusal(attemptCount, s.now())
		}
	}
	return err
}

func (s *Store) MarkRequeued(ctx context.Context, id string, staleBefore time.Time) error {
	var updated string
	err := s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET updated_at = $3
		WHERE id = $1 AND state = 'SUBMITTED' AND updated_at < $2
		RETURNING id
	`, id, staleBefore, s.now()).Scan(&updated)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return &domain.StoreUnavailableError{Op: "mark requeued " + id, Err: err}
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	invalid := &domain.InvalidTransitionError{TaskID: id, From: rec.State, To: domain.StateSubmitted}
	if rec.State == domain.StateSubmitted {
		invalid.Reason = "re-dispatched recently"
	}
	return invalid
}

func (s *Store) MarkRetrying(ctx context.Context, id string, kind domain.ErrorKind, errMsg string) error {
	return s.transition(ctx, id, domain.StateRetrying,
		`error = $4, error_kind = $5`, "", errMsg, string(kind))
}

func (s *Store) MarkSucceeded(ctx context.Context, id string, result []byte) error {
	return s.transition(ctx, id, domain.StateSucceeded,
		`result = $4, error = '', error_kind = '', completed_at = $3`, "", jsonOrNull(result))
}

func (s *Store) MarkFailed(ctx context.Context, id string, kind domain.ErrorKind, errMsg string) error {
	return s.transition(ctx, id, domain.StateFailed,
		`error = $4, error_kind = $5, completed_at = $3`, "", errMsg, string(kind))
}

func (s *Store) ListStale(ctx context.Context, state domain.State, olderThan time.Time, limit int) ([]*domain.TaskRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM tasks
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, string(state), olderThan, limit)
	if err != nil {
		return nil, &domain.StoreUnavailableError{Op: "list stale", Err: err}
	}
	defer rows.Close()

	var out []*domain.TaskRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, &domain.StoreUnavailableError{Op: "list stale", Err: err}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StoreUnavailableError{Op: "list stale", Err: err}
	}
	return out, nil
}

// transition moves id to next when its current state is one next may be entered from.
// set is the extra SET clause and guard an optional extra WHERE condition; their
// placeholders start at $4 ($3 is the current time).
func (s *Store) transition(ctx context.Context, id string, next domain.State, set, guard string, args ...any) error {
	sources := make([]string, 0, 3)
	for _, st := range domain.SourcesFor(next) {
		sources = append(sources, string(st))
	}

	query := fmt.Sprintf(`
		UPDATE tasks
		SET state = $2, updated_at = $3, %s
		WHERE id = $1 AND state = ANY($%d) %s
		RETURNING id
	`, set, 4+len(args), guard)

	params := append([]any{id, string(next), s.now()}, args...)
	params = append(params, sources)

	var updated string
	err := s.pool.QueryRow(ctx, query, params...).Scan(&updated)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return &domain.StoreUnavailableError{Op: fmt.Sprintf("mark %s %s", next, id), Err: err}
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT state FROM tasks WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return &domain.TaskNotFoundError{TaskID: id}
	}
	if err != nil {
		return &domain.StoreUnavailableError{Op: "get state " + id, Err: err}
	}
	return &domain.InvalidTransitionError{TaskID: id, From: domain.State(current), To: next}
}

// scanRecord reads a task row from any pgx row type.
func scanRecord(row pgx.Row) (*domain.TaskRecord, error) {
	var (
		rec      domain.TaskRecord
		state    string
		priority string
		kind     string
	)
	err := row.Scan(
		&rec.ID, &rec.HandlerName, &state, &rec.Payload, &priority, &rec.Result,
		&rec.Error, &kind, &rec.AttemptCount, &rec.ClaimedUntil, &rec.CreatedAt, &rec.UpdatedAt,
		&rec.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.State = domain.State(state)
	rec.Priority = domain.Priority(priority)
	rec.ErrorKind = domain.ErrorKind(kind)
	return &rec, nil
}

// jsonOrNull maps an empty result to SQL NULL.
func jsonOrNull(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
