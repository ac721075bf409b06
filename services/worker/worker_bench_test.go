package worker

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
	"github.com/ramiqadoumi/go-task-submit/internal/handlers"
	"github.com/ramiqadoumi/go-task-submit/internal/queue"
	"github.com/ramiqadoumi/go-task-submit/internal/store"
)

func benchPool(s store.Store, q queue.Queue) *Pool {
	reg := handlers.NewRegistry(handlers.NewSumHandler())
	return NewPool(s, q, reg,
		WithLogger(discardLogger),
		WithWorkerID("bench-worker"),
		WithStatsInterval(0),
	)
}

func seed(b *testing.B, ctx context.Context, s store.Store, q queue.Queue, id string) {
	now := time.Now().UTC()
	rec := &domain.TaskRecord{
		ID:          id,
		HandlerName: "sum",
		State:       domain.StateSubmitted,
		Payload:     []byte(`[1, 2, 3.5]`),
		Priority:    domain.PriorityDefault,
		CreatedAt:   now,
	}
	if err := s.Create(ctx, rec); err != nil {
		b.Fatal(err)
	}
	if err := q.Enqueue(ctx, rec.Envelope(), 0); err != nil {
		b.Fatal(err)
	}
}

// BenchmarkPool_Process measures the overhead of one delivery through the
// lifecycle with the in-memory backends, excluding real I/O.
func BenchmarkPool_Process(b *testing.B) {
	ctx := context.Background()
	s := store.NewMemory()
	q := queue.NewMemory()
	p := benchPool(s, q)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		seed(b, ctx, s, q, "bench-"+strconv.Itoa(i))
		d, err := q.Dequeue(ctx)
		if err != nil {
			b.Fatal(err)
		}
		b.StartTimer()
		p.process(ctx, d)
	}
}

// BenchmarkPool_Process_Parallel measures throughput under concurrent load.
func BenchmarkPool_Process_Parallel(b *testing.B) {
	ctx := context.Background()
	s := store.NewMemory()
	q := queue.NewMemory()
	p := benchPool(s, q)
	for i := 0; i < b.N; i++ {
		seed(b, ctx, s, q, "bench-"+strconv.Itoa(i))
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			d, err := q.Dequeue(ctx)
			if err != nil {
				b.Error(err)
				return
			}
			p.process(ctx, d)
		}
	})
}
