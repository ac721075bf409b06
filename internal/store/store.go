// Package store defines the task record store and an in-memory implementation.
//
// A record is created once by the dispatcher and then mutated only through the
// conditional transitions below. Every transition is applied atomically and is
// refused with *domain.InvalidTransitionError when the record is not in one of
// the states the target may be entered from (see domain.SourcesFor).
package store

import (
	"context"
	"time"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
)

// Store is the durable mapping from task ID to TaskRecord.
type Store interface {
	// Create inserts a new record. Returns *domain.DuplicateTaskError if the ID exists.
	Create(ctx context.Context, rec *domain.TaskRecord) error

	// Get returns the record or *domain.TaskNotFoundError.
	Get(ctx context.Context, id string) (*domain.TaskRecord, error)

	// MarkRunning moves the record to RUNNING, sets attempt_count and records
	// claimUntil, the deadline of the delivery taking the record. It is refused with
	// *domain.InvalidTransitionError when domain.TaskRecord.ClaimRefusal objects.
	MarkRunning(ctx context.Context, id string, attemptCount int, claimUntil time.Time) error

	// MarkRequeued stamps updated_at on a SUBMITTED record whose last update is
	// before staleBefore. It is refused with *domain.InvalidTransitionError when the
	// record left SUBMITTED or was stamped since, so concurrent sweeps re-dispatch
	// a record at most once per window.
	MarkRequeued(ctx context.Context, id string, staleBefore time.Time) error

	// MarkRetrying moves the record to RETRYING, keeping the last error.
	MarkRetrying(ctx context.Context, id string, kind domain.ErrorKind, errMsg string) error

	// MarkSucceeded moves the record to SUCCEEDED and stamps completed_at.
	MarkSucceeded(ctx context.Context, id string, result []byte) error

	// MarkFailed moves the record to FAILED and stamps completed_at.
	MarkFailed(ctx context.Context, id string, kind domain.ErrorKind, errMsg string) error

	// ListStale returns up to limit records in state whose last update is before
	// olderThan, least recently updated first.
	ListStale(ctx context.Context, state domain.State, olderThan time.Time, limit int) ([]*domain.TaskRecord, error)
}
