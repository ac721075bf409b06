// Package queuetest holds behaviour tests shared by every queue.Queue implementation.
package queuetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
	"github.com/ramiqadoumi/go-task-submit/internal/queue"
)

// Factory returns an empty queue whose visibility timeout is the given value.
type Factory func(t *testing.T, visibility time.Duration) queue.Queue

// Envelope builds an envelope on the lane for p.
func Envelope(p domain.Priority) *domain.Envelope {
	return &domain.Envelope{
		ID:          uuid.NewString(),
		HandlerName: "sum",
		Payload:     []byte(`[1]`),
		Priority:    p,
		CreatedAt:   time.Now().UTC(),
	}
}

// Run executes the shared suite against queues produced by newQueue.
func Run(t *testing.T, newQueue Factory) {
	t.Run("FIFOWithinLane", func(t *testing.T) { testFIFO(t, newQueue(t, time.Minute)) })
	t.Run("StrictPriority", func(t *testing.T) { testStrictPriority(t, newQueue(t, time.Minute)) })
	t.Run("DequeueWaitsForEnqueue", func(t *testing.T) { testDequeueWaits(t, newQueue(t, time.Minute)) })
	t.Run("DequeueHonoursContext", func(t *testing.T) { testDequeueContext(t, newQueue(t, time.Minute)) })
	t.Run("AckRemovesDelivery", func(t *testing.T) { testAck(t, newQueue(t, 200*time.Millisecond)) })
	t.Run("RedeliveryToHead", func(t *testing.T) { testRedelivery(t, newQueue(t, 200*time.Millisecond)) })
	t.Run("DelayedEnqueue", func(t *testing.T) { testDelayed(t, newQueue(t, time.Minute)) })
}

func dequeue(t *testing.T, q queue.Queue, within time.Duration) *queue.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func testFIFO(t *testing.T, q queue.Queue) {
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		env := Envelope(domain.PriorityDefault)
		ids = append(ids, env.ID)
		require.NoError(t, q.Enqueue(ctx, env, 0))
	}
	for _, want := range ids {
		d := dequeue(t, q, time.Second)
		assert.Equal(t, want, d.Envelope.ID)
		assert.Equal(t, domain.LaneDefault, d.Lane)
		require.NoError(t, q.Ack(ctx, d))
	}
}

func testStrictPriority(t *testing.T, q queue.Queue) {
	ctx := context.Background()
	low1 := Envelope(domain.PriorityDefault)
	low2 := Envelope(domain.PriorityDefault)
	high1 := Envelope(domain.PriorityHigh)
	high2 := Envelope(domain.PriorityHigh)
	for _, env := range []*domain.Envelope{low1, high1, low2, high2} {
		require.NoError(t, q.Enqueue(ctx, env, 0))
	}

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, dequeue(t, q, time.Second).Envelope.ID)
	}
	assert.Equal(t, []string{high1.ID, high2.ID, low1.ID, low2.ID}, got)
}

func testDequeueWaits(t *testing.T, q queue.Queue) {
	env := Envelope(domain.PriorityHigh)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = q.Enqueue(context.Background(), env, 0)
	}()
	d := dequeue(t, q, 3*time.Second)
	assert.Equal(t, env.ID, d.Envelope.ID)
}

func testDequeueContext(t *testing.T, q queue.Queue) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func testAck(t *testing.T, q queue.Queue) {
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Envelope(domain.PriorityDefault), 0))
	d := dequeue(t, q, time.Second)
	require.NoError(t, q.Ack(ctx, d))

	err := q.Ack(ctx, d)
	assert.True(t, errors.Is(err, queue.ErrUnknownReceipt), "double ack: %v", err)

	// Nothing comes back once acknowledged, even after the visibility timeout.
	waitCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(waitCtx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func testRedelivery(t *testing.T, q queue.Queue) {
	ctx := context.Background()
	first := Envelope(domain.PriorityDefault)
	second := Envelope(domain.PriorityDefault)
	require.NoError(t, q.Enqueue(ctx, first, 0))

	abandoned := dequeue(t, q, time.Second)
	require.Equal(t, first.ID, abandoned.Envelope.ID)
	require.NoError(t, q.Enqueue(ctx, second, 0))

	// The abandoned envelope expires and goes back ahead of second.
	time.Sleep(300 * time.Millisecond)
	again := dequeue(t, q, 2*time.Second)
	assert.Equal(t, first.ID, again.Envelope.ID)
	assert.NotEqual(t, abandoned.Receipt, again.Receipt)

	err := q.Ack(ctx, abandoned)
	assert.True(t, errors.Is(err, queue.ErrUnknownReceipt), "stale receipt must be rejected: %v", err)
	require.NoError(t, q.Ack(ctx, again))
}

func testDelayed(t *testing.T, q queue.Queue) {
	ctx := context.Background()
	env := Envelope(domain.PriorityDefault)
	start := time.Now()
	require.NoError(t, q.Enqueue(ctx, env, 200*time.Millisecond))

	d := dequeue(t, q, 3*time.Second)
	assert.Equal(t, env.ID, d.Envelope.ID)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}
