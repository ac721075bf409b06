// Package storetest holds behaviour tests shared by every store.Store implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
	"github.com/ramiqadoumi/go-task-submit/internal/store"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// NewRecord builds a SUBMITTED record with a fresh ID.
func NewRecord(handler string, createdAt time.Time) *domain.TaskRecord {
	return &domain.TaskRecord{
		ID:          uuid.NewString(),
		HandlerName: handler,
		State:       domain.StateSubmitted,
		Payload:     []byte(`[1,2]`),
		Priority:    domain.PriorityDefault,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

// Run executes the shared suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("DuplicateCreate", func(t *testing.T) { testDuplicateCreate(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("SuccessLifecycle", func(t *testing.T) { testSuccessLifecycle(t, newStore(t)) })
	t.Run("RetryLifecycle", func(t *testing.T) { testRetryLifecycle(t, newStore(t)) })
	t.Run("TerminalIsFrozen", func(t *testing.T) { testTerminalIsFrozen(t, newStore(t)) })
	t.Run("TransitionOnMissing", func(t *testing.T) { testTransitionOnMissing(t, newStore(t)) })
	t.Run("ConcurrentCompletion", func(t *testing.T) { testConcurrentCompletion(t, newStore(t)) })
	t.Run("ListStale", func(t *testing.T) { testListStale(t, newStore(t)) })
	t.Run("ClaimBlocksReentry", func(t *testing.T) { testClaimBlocksReentry(t, newStore(t)) })
	t.Run("ConcurrentClaims", func(t *testing.T) { testConcurrentClaims(t, newStore(t)) })
	t.Run("OlderAttemptRefused", func(t *testing.T) { testOlderAttemptRefused(t, newStore(t)) })
	t.Run("MarkRequeued", func(t *testing.T) { testMarkRequeued(t, newStore(t)) })
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord("sum", time.Now().UTC())
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "sum", got.HandlerName)
	assert.Equal(t, domain.StateSubmitted, got.State)
	assert.Equal(t, domain.PriorityDefault, got.Priority)
	assert.JSONEq(t, `[1,2]`, string(got.Payload))
	assert.Equal(t, 0, got.AttemptCount)
	assert.Nil(t, got.CompletedAt)
	assert.WithinDuration(t, rec.CreatedAt, got.CreatedAt, time.Millisecond)
}

func testDuplicateCreate(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord("sum", time.Now().UTC())
	require.NoError(t, s.Create(ctx, rec))

	err := s.Create(ctx, rec)
	var dup *domain.DuplicateTaskError
	require.True(t, errors.As(err, &dup), "expected DuplicateTaskError, got %v", err)
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.Get(context.Background(), uuid.NewString())
	var notFound *domain.TaskNotFoundError
	require.True(t, errors.As(err, &notFound), "expected TaskNotFoundError, got %v", err)
}

func testSuccessLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord("sum", time.Now().UTC())
	require.NoError(t, s.Create(ctx, rec))

	require.NoError(t, s.MarkRunning(ctx, rec.ID, 1, time.Now()))
	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, got.State)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Nil(t, got.CompletedAt, "completed_at must be unset while running")

	require.NoError(t, s.MarkSucceeded(ctx, rec.ID, []byte(`6.5`)))
	got, err = s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, got.State)
	assert.JSONEq(t, `6.5`, string(got.Result))
	require.NotNil(t, got.CompletedAt, "completed_at must be set on terminal state")
	assert.Empty(t, got.Error)
}

func testRetryLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord("flaky", time.Now().UTC())
	require.NoError(t, s.Create(ctx, rec))

	require.NoError(t, s.MarkRunning(ctx, rec.ID, 1, time.Now()))
	require.NoError(t, s.MarkRetrying(ctx, rec.ID, domain.KindHandlerError, "transient"))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRetrying, got.State)
	assert.Equal(t, "transient", got.Error)
	assert.Equal(t, domain.KindHandlerError, got.ErrorKind)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, s.MarkRunning(ctx, rec.ID, 2, time.Now()))
	// Redelivery after the claim lapses re-enters RUNNING without moving backwards.
	require.NoError(t, s.MarkRunning(ctx, rec.ID, 2, time.Now()))
	require.NoError(t, s.MarkFailed(ctx, rec.ID, domain.KindHandlerError, "still failing"))

	got, err = s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, "still failing", got.Error)
	require.NotNil(t, got.CompletedAt)
}

func testTerminalIsFrozen(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord("sum", time.Now().UTC())
	require.NoError(t, s.Create(ctx, rec))
	require.NoError(t, s.MarkRunning(ctx, rec.ID, 1, time.Now()))
	require.NoError(t, s.MarkSucceeded(ctx, rec.ID, []byte(`3`)))

	before, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)

	var invalid *domain.InvalidTransitionError
	assert.True(t, errors.As(s.MarkRunning(ctx, rec.ID, 2, time.Now()), &invalid))
	assert.True(t, errors.As(s.MarkRetrying(ctx, rec.ID, domain.KindHandlerError, "x"), &invalid))
	assert.True(t, errors.As(s.MarkFailed(ctx, rec.ID, domain.KindHandlerError, "x"), &invalid))
	assert.True(t, errors.As(s.MarkSucceeded(ctx, rec.ID, []byte(`4`)), &invalid))
	assert.Equal(t, domain.StateSucceeded, invalid.From)

	after, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, string(before.Result), string(after.Result))
	assert.Equal(t, before.AttemptCount, after.AttemptCount)
	assert.True(t, before.CompletedAt.Equal(*after.CompletedAt))
}

func testTransitionOnMissing(t *testing.T, s store.Store) {
	err := s.MarkRunning(context.Background(), uuid.NewString(), 1, time.Now())
	var notFound *domain.TaskNotFoundError
	require.True(t, errors.As(err, &notFound), "expected TaskNotFoundError, got %v", err)
}

func testConcurrentCompletion(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord("sum", time.Now().UTC())
	require.NoError(t, s.Create(ctx, rec))
	require.NoError(t, s.MarkRunning(ctx, rec.ID, 1, time.Now()))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = s.MarkSucceeded(ctx, rec.ID, []byte(`1`))
			} else {
				err = s.MarkFailed(ctx, rec.ID, domain.KindHandlerError, "x")
			}
			if err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one terminal write must win")
}

func testListStale(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	old1 := NewRecord("sum", now.Add(-2*time.Hour))
	old2 := NewRecord("sum", now.Add(-time.Hour))
	fresh := NewRecord("sum", now)
	running := NewRecord("sum", now.Add(-3*time.Hour))
	for _, r := range []*domain.TaskRecord{old2, fresh, old1, running} {
		require.NoError(t, s.Create(ctx, r))
	}
	require.NoError(t, s.MarkRunning(ctx, running.ID, 1, time.Now()))

	got, err := s.ListStale(ctx, domain.StateSubmitted, now.Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, old1.ID, got[0].ID, "oldest first")
	assert.Equal(t, old2.ID, got[1].ID)

	got, err = s.ListStale(ctx, domain.StateSubmitted, now.Add(-30*time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func testClaimBlocksReentry(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord("sum", time.Now().UTC())
	require.NoError(t, s.Create(ctx, rec))

	claim := time.Now().Add(time.Hour)
	require.NoError(t, s.MarkRunning(ctx, rec.ID, 1, claim))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ClaimedUntil)
	assert.WithinDuration(t, claim, *got.ClaimedUntil, time.Millisecond)

	// A second delivery of the same attempt must wait for the claim to lapse.
	err = s.MarkRunning(ctx, rec.ID, 1, time.Now().Add(time.Hour))
	var invalid *domain.InvalidTransitionError
	require.True(t, errors.As(err, &invalid), "expected InvalidTransitionError, got %v", err)
	assert.Equal(t, domain.StateRunning, invalid.From)

	after, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, claim, *after.ClaimedUntil, time.Millisecond, "refused claim must not move the deadline")
}

func testConcurrentClaims(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord("sum", time.Now().UTC())
	require.NoError(t, s.Create(ctx, rec))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.MarkRunning(ctx, rec.ID, 1, time.Now().Add(time.Hour)) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one delivery may claim the record")
}

func testOlderAttemptRefused(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord("flaky", time.Now().UTC())
	require.NoError(t, s.Create(ctx, rec))
	require.NoError(t, s.MarkRunning(ctx, rec.ID, 1, time.Now()))
	require.NoError(t, s.MarkRetrying(ctx, rec.ID, domain.KindHandlerError, "transient"))
	require.NoError(t, s.MarkRunning(ctx, rec.ID, 2, time.Now()))
	require.NoError(t, s.MarkRetrying(ctx, rec.ID, domain.KindHandlerError, "transient"))

	var invalid *domain.InvalidTransitionError
	err := s.MarkRunning(ctx, rec.ID, 1, time.Now())
	require.True(t, errors.As(err, &invalid), "expected InvalidTransitionError, got %v", err)

	// The unacknowledged delivery of attempt 2 may still be redelivered.
	require.NoError(t, s.MarkRunning(ctx, rec.ID, 2, time.Now()))
	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AttemptCount)
}

func testMarkRequeued(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	staleBefore := now.Add(-30 * time.Minute)

	rec := NewRecord("sum", now.Add(-time.Hour))
	running := NewRecord("sum", now.Add(-time.Hour))
	require.NoError(t, s.Create(ctx, rec))
	require.NoError(t, s.Create(ctx, running))
	require.NoError(t, s.MarkRunning(ctx, running.ID, 1, now))

	require.NoError(t, s.MarkRequeued(ctx, rec.ID, staleBefore))
	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSubmitted, got.State)
	assert.True(t, got.UpdatedAt.After(staleBefore), "updated_at must be stamped")
	assert.WithinDuration(t, rec.CreatedAt, got.CreatedAt, time.Millisecond, "created_at is untouched")

	var invalid *domain.InvalidTransitionError
	assert.True(t, errors.As(s.MarkRequeued(ctx, rec.ID, staleBefore), &invalid), "second stamp in the same window")
	assert.True(t, errors.As(s.MarkRequeued(ctx, running.ID, staleBefore), &invalid), "record left SUBMITTED")

	var notFound *domain.TaskNotFoundError
	assert.True(t, errors.As(s.MarkRequeued(ctx, uuid.NewString(), staleBefore), &notFound))

	stale, err := s.ListStale(ctx, domain.StateSubmitted, staleBefore, 10)
	require.NoError(t, err)
	assert.Empty(t, stale, "a stamped record is not stale until the next window")
}
