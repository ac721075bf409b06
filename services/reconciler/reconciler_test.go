package reconciler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
	"github.com/ramiqadoumi/go-task-submit/internal/queue"
	"github.com/ramiqadoumi/go-task-submit/internal/store"
	"github.com/ramiqadoumi/go-task-submit/internal/store/storetest"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store *store.Memory
	queue *queue.Memory
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	q := queue.NewMemory()
	t.Cleanup(func() { _ = q.Close() })
	h := &harness{queue: q, now: now}
	h.store = store.NewMemory(store.WithClock(h.clock))
	return h
}

// clock is shared by the store and the reconciler.
func (h *harness) clock() time.Time { return h.now }

func (h *harness) reconciler(opts ...Option) *Reconciler {
	base := []Option{
		WithClock(h.clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return New(h.store, h.queue, append(base, opts...)...)
}

func (h *harness) seed(t *testing.T, age time.Duration) *domain.TaskRecord {
	t.Helper()
	rec := storetest.NewRecord("sum", now.Add(-age))
	require.NoError(t, h.store.Create(context.Background(), rec))
	return rec
}

func (h *harness) ready(t *testing.T) int {
	t.Helper()
	s, err := h.queue.Stats(context.Background())
	require.NoError(t, err)
	total := 0
	for _, n := range s.Ready {
		total += n
	}
	return total
}

type fakeLeader struct {
	leader bool
	err    error
	calls  int
}

func (f *fakeLeader) Acquire(context.Context) (bool, error) {
	f.calls++
	return f.leader, f.err
}

func TestSweep_RequeuesStaleSubmitted(t *testing.T) {
	h := newHarness(t)
	rec := h.seed(t, 20*time.Minute)

	res, err := h.reconciler().Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Requeued: 1}, res)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, d.Envelope.ID)
	assert.Equal(t, "sum", d.Envelope.HandlerName)
	assert.Equal(t, 0, d.Envelope.Attempt)
	assert.JSONEq(t, string(rec.Payload), string(d.Envelope.Payload))

	got, err := h.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSubmitted, got.State, "requeue keeps the record SUBMITTED")
	assert.Equal(t, now, got.UpdatedAt, "requeue stamps the record")
	assert.Equal(t, rec.CreatedAt, got.CreatedAt)
}

func TestSweep_RequeuesOncePerStaleWindow(t *testing.T) {
	h := newHarness(t)
	rec := h.seed(t, 20*time.Minute)
	r := h.reconciler()

	var requeued int
	for i := 0; i < 15; i++ {
		res, err := r.Sweep(context.Background())
		require.NoError(t, err)
		requeued += res.Requeued
		h.now = h.now.Add(time.Minute)
	}
	assert.Equal(t, 1, requeued, "sweeps inside the stale window must not enqueue again")
	assert.Equal(t, 1, h.ready(t))

	h.now = now.Add(DefaultStaleAfter + time.Second)
	res, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Requeued: 1}, res, "a record still SUBMITTED after a full window is retried")
	assert.Equal(t, 2, h.ready(t))

	got, err := h.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, h.now, got.UpdatedAt)
}

// concurrentStamp lets another reconciler stamp the record between list and stamp.
type concurrentStamp struct {
	*store.Memory
}

func (s concurrentStamp) ListStale(ctx context.Context, state domain.State, olderThan time.Time, limit int) ([]*domain.TaskRecord, error) {
	recs, err := s.Memory.ListStale(ctx, state, olderThan, limit)
	for _, rec := range recs {
		_ = s.Memory.MarkRequeued(ctx, rec.ID, olderThan)
	}
	return recs, err
}

func TestSweep_SkipsRecordsStampedConcurrently(t *testing.T) {
	h := newHarness(t)
	h.seed(t, time.Hour)
	r := New(concurrentStamp{Memory: h.store}, h.queue,
		WithClock(h.clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	res, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, res)
	assert.Zero(t, h.ready(t))
}

func TestSweep_IgnoresFreshRecords(t *testing.T) {
	h := newHarness(t)
	h.seed(t, time.Minute)

	res, err := h.reconciler().Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Zero(t, h.ready(t))
}

func TestSweep_IgnoresRecordsPastSubmitted(t *testing.T) {
	h := newHarness(t)
	rec := h.seed(t, time.Hour)
	require.NoError(t, h.store.MarkRunning(context.Background(), rec.ID, 1, time.Now()))

	res, err := h.reconciler().Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Zero(t, h.ready(t))
}

func TestSweep_AbandonsVeryOldRecords(t *testing.T) {
	h := newHarness(t)
	rec := h.seed(t, 25*time.Hour)

	res, err := h.reconciler().Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Abandoned: 1}, res)
	assert.Zero(t, h.ready(t))

	got, err := h.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, domain.KindQueueUnavailable, got.ErrorKind)
	assert.Contains(t, got.Error, "not dispatched")
	assert.NotNil(t, got.CompletedAt)
}

func TestSweep_CustomThresholds(t *testing.T) {
	h := newHarness(t)
	requeue := h.seed(t, 2*time.Minute)
	abandon := h.seed(t, 10*time.Minute)

	res, err := h.reconciler(WithStaleAfter(time.Minute), WithGiveUpAfter(5*time.Minute)).
		Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Requeued: 1, Abandoned: 1}, res)

	got, err := h.store.Get(context.Background(), abandon.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)

	got, err = h.store.Get(context.Background(), requeue.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSubmitted, got.State)
}

func TestSweep_BatchSize(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.seed(t, time.Hour+time.Duration(i)*time.Second)
	}

	res, err := h.reconciler(WithBatchSize(3)).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Requeued)
	assert.Equal(t, 3, h.ready(t))
}

func TestSweep_QueueFailureKeepsRecordSubmitted(t *testing.T) {
	h := newHarness(t)
	rec := h.seed(t, time.Hour)
	require.NoError(t, h.queue.Close())

	res, err := h.reconciler().Sweep(context.Background())
	require.Error(t, err)
	assert.Zero(t, res.Requeued)

	var qerr *domain.QueueUnavailableError
	require.ErrorAs(t, err, &qerr)
	assert.ErrorIs(t, err, queue.ErrClosed)
	assert.Equal(t, domain.KindQueueUnavailable, domain.KindOf(err))

	got, err := h.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSubmitted, got.State)
}

type failingList struct{ store.Store }

func (failingList) ListStale(context.Context, domain.State, time.Time, int) ([]*domain.TaskRecord, error) {
	return nil, errors.New("connection refused")
}

func TestSweep_StoreFailure(t *testing.T) {
	q := queue.NewMemory()
	defer q.Close()
	r := New(failingList{}, q, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	_, err := r.Sweep(context.Background())
	var serr *domain.StoreUnavailableError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "list stale", serr.Op)
}

func TestTick_SkipsWhenNotLeader(t *testing.T) {
	h := newHarness(t)
	h.seed(t, time.Hour)
	leader := &fakeLeader{leader: false}

	h.reconciler(WithLeader(leader)).tick(context.Background())
	assert.Equal(t, 1, leader.calls)
	assert.Zero(t, h.ready(t))
}

func TestTick_SkipsOnElectionError(t *testing.T) {
	h := newHarness(t)
	h.seed(t, time.Hour)
	leader := &fakeLeader{leader: true, err: errors.New("redis down")}

	h.reconciler(WithLeader(leader)).tick(context.Background())
	assert.Zero(t, h.ready(t))
}

func TestTick_SweepsAsLeader(t *testing.T) {
	h := newHarness(t)
	h.seed(t, time.Hour)

	h.reconciler(WithLeader(&fakeLeader{leader: true})).tick(context.Background())
	assert.Equal(t, 1, h.ready(t))
}

func TestRun_InvalidSchedule(t *testing.T) {
	h := newHarness(t)
	err := h.reconciler(WithSchedule("not a schedule")).Run(context.Background())
	assert.Error(t, err)
}

func TestRun_SweepsOnSchedule(t *testing.T) {
	h := newHarness(t)
	h.seed(t, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.reconciler(WithSchedule("@every 1s")).Run(ctx) }()

	assert.Eventually(t, func() bool { return h.ready(t) > 0 }, 3*time.Second, 50*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
