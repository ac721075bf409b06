package queue

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
)

const defaultVisibilityTimeout = 5 * time.Minute

type inFlight struct {
	env      *domain.Envelope
	lane     string
	deadline time.Time
}

type parked struct {
	env     *domain.Envelope
	readyAt time.Time
}

// Memory is an in-process Queue.
type Memory struct {
	mu         sync.Mutex
	order      []string
	lanes      map[string][]*domain.Envelope
	inflight   map[string]*inFlight
	delayed    []parked
	visibility time.Duration
	closed     bool

	// changed is closed and replaced whenever waiters should re-check the queue.
	changed chan struct{}
}

// MemoryOption configures a Memory queue.
type MemoryOption func(*Memory)

// WithLanes sets the lane names, highest priority first.
func WithLanes(lanes ...string) MemoryOption {
	return func(q *Memory) { q.order = slices.Clone(lanes) }
}

// WithVisibilityTimeout sets how long a delivery may stay unacknowledged.
func WithVisibilityTimeout(d time.Duration) MemoryOption {
	return func(q *Memory) { q.visibility = d }
}

// NewMemory creates an empty in-memory queue.
func NewMemory(opts ...MemoryOption) *Memory {
	q := &Memory{
		order:      slices.Clone(domain.Lanes),
		inflight:   make(map[string]*inFlight),
		visibility: defaultVisibilityTimeout,
		changed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.lanes = make(map[string][]*domain.Envelope, len(q.order))
	for _, lane := range q.order {
		q.lanes[lane] = nil
	}
	return q
}

var _ Queue = (*Memory)(nil)

func (q *Memory) Enqueue(_ context.Context, env *domain.Envelope, delay time.Duration) error {
	lane := env.Priority.Lane()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if _, ok := q.lanes[lane]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLane, lane)
	}

	cp := *env
	if delay > 0 {
		q.delayed = append(q.delayed, parked{env: &cp, readyAt: time.Now().Add(delay)})
	} else {
		q.lanes[lane] = append(q.lanes[lane], &cp)
	}
	q.notifyLocked()
	return nil
}

func (q *Memory) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}

		now := time.Now()
		q.reclaimLocked(now)
		if d := q.popLocked(now); d != nil {
			q.mu.Unlock()
			return d, nil
		}
		wait := q.nextEventLocked(now)
		changed := q.changed
		q.mu.Unlock()

		var timer *time.Timer
		var fire <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-changed:
		case <-fire:
		}
		stopTimer(timer)
	}
}

func (q *Memory) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[d.Receipt]; !ok {
		return ErrUnknownReceipt
	}
	delete(q.inflight, d.Receipt)
	return nil
}

func (q *Memory) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{Ready: make(map[string]int, len(q.order)), InFlight: len(q.inflight), Delayed: len(q.delayed)}
	for _, lane := range q.order {
		s.Ready[lane] = len(q.lanes[lane])
	}
	return s, nil
}

func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		q.notifyLocked()
	}
	return nil
}

// reclaimLocked returns expired deliveries to the head of their lane and
// moves due delayed envelopes to the tail of theirs.
func (q *Memory) reclaimLocked(now time.Time) {
	var expired []string
	for receipt, f := range q.inflight {
		if !f.deadline.After(now) {
			expired = append(expired, receipt)
		}
	}
	// Oldest deadline ends up first in the lane.
	slices.SortFunc(expired, func(a, b string) int {
		return q.inflight[b].deadline.Compare(q.inflight[a].deadline)
	})
	for _, receipt := range expired {
		f := q.inflight[receipt]
		delete(q.inflight, receipt)
		q.lanes[f.lane] = append([]*domain.Envelope{f.env}, q.lanes[f.lane]...)
	}

	kept := q.delayed[:0]
	for _, p := range q.delayed {
		if p.readyAt.After(now) {
			kept = append(kept, p)
			continue
		}
		lane := p.env.Priority.Lane()
		q.lanes[lane] = append(q.lanes[lane], p.env)
	}
	q.delayed = kept
}

func (q *Memory) popLocked(now time.Time) *Delivery {
	for _, lane := range q.order {
		pending := q.lanes[lane]
		if len(pending) == 0 {
			continue
		}
		env := pending[0]
		pending[0] = nil
		q.lanes[lane] = pending[1:]

		d := &Delivery{
			Envelope: env,
			Lane:     lane,
			Receipt:  uuid.NewString(),
			Deadline: now.Add(q.visibility),
		}
		q.inflight[d.Receipt] = &inFlight{env: env, lane: lane, deadline: d.Deadline}
		return d
	}
	return nil
}

// nextEventLocked returns how long until a delivery expires or a delayed envelope is due.
// Zero means nothing is scheduled.
func (q *Memory) nextEventLocked(now time.Time) time.Duration {
	var next time.Time
	consider := func(t time.Time) {
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	for _, f := range q.inflight {
		consider(f.deadline)
	}
	for _, p := range q.delayed {
		consider(p.readyAt)
	}
	if next.IsZero() {
		return 0
	}
	if wait := next.Sub(now); wait > 0 {
		return wait
	}
	return time.Millisecond
}

func (q *Memory) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
