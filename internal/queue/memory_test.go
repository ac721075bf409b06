package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
	"github.com/ramiqadoumi/go-task-submit/internal/queue"
	"github.com/ramiqadoumi/go-task-submit/internal/queue/queuetest"
)

func TestMemory(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, visibility time.Duration) queue.Queue {
		return queue.NewMemory(queue.WithVisibilityTimeout(visibility))
	})
}

func TestMemory_CloseUnblocksDequeue(t *testing.T) {
	q := queue.NewMemory()
	errc := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, queue.ErrClosed), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after Close")
	}
	assert.ErrorIs(t, q.Enqueue(context.Background(), queuetest.Envelope(domain.PriorityDefault), 0), queue.ErrClosed)
}

func TestMemory_UnknownLane(t *testing.T) {
	q := queue.NewMemory(queue.WithLanes(domain.LaneDefault))
	err := q.Enqueue(context.Background(), queuetest.Envelope(domain.PriorityHigh), 0)
	assert.ErrorIs(t, err, queue.ErrUnknownLane)
}

func TestMemory_Stats(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, queuetest.Envelope(domain.PriorityHigh), 0))
	require.NoError(t, q.Enqueue(ctx, queuetest.Envelope(domain.PriorityDefault), 0))
	require.NoError(t, q.Enqueue(ctx, queuetest.Envelope(domain.PriorityDefault), 0))
	require.NoError(t, q.Enqueue(ctx, queuetest.Envelope(domain.PriorityDefault), time.Hour))

	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	s, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Ready[domain.LaneHighPriority])
	assert.Equal(t, 2, s.Ready[domain.LaneDefault])
	assert.Equal(t, 1, s.InFlight)
	assert.Equal(t, 1, s.Delayed)
}

func TestMemory_ConcurrentConsumersSeeEachEnvelopeOnce(t *testing.T) {
	q := queue.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 200
	for i := 0; i < total; i++ {
		require.NoError(t, q.Enqueue(ctx, queuetest.Envelope(domain.PriorityDefault), 0))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				waitCtx, waitCancel := context.WithTimeout(ctx, 100*time.Millisecond)
				d, err := q.Dequeue(waitCtx)
				waitCancel()
				if err != nil {
					return
				}
				mu.Lock()
				seen[d.Envelope.ID]++
				mu.Unlock()
				_ = q.Ack(ctx, d)
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "envelope %s delivered %d times", id, n)
	}
}
