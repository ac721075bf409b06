// Package queue defines the priority-partitioned work queue and an in-memory implementation.
//
// Delivery is at-least-once. A dequeued envelope stays in flight until it is
// acknowledged; if the visibility timeout passes first it is returned to the
// head of its lane and handed to the next caller of Dequeue.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
)

var (
	// ErrClosed is returned by Dequeue and Enqueue once the queue is closed.
	ErrClosed = errors.New("queue closed")

	// ErrUnknownReceipt is returned by Ack for a delivery that is no longer in flight.
	ErrUnknownReceipt = errors.New("unknown or expired delivery receipt")

	// ErrUnknownLane is returned when an envelope maps to a lane the queue was not built with.
	ErrUnknownLane = errors.New("unknown lane")
)

// Delivery is one hand-out of an envelope to a worker.
type Delivery struct {
	Envelope *domain.Envelope
	Lane     string
	Receipt  string
	Deadline time.Time
}

// Stats is a point-in-time view of queue occupancy.
type Stats struct {
	Ready    map[string]int
	InFlight int
	Delayed  int
}

// Queue carries envelopes from the dispatcher to the worker pool.
type Queue interface {
	// Enqueue appends env to the tail of its lane, or parks it for delay first.
	Enqueue(ctx context.Context, env *domain.Envelope, delay time.Duration) error

	// Dequeue blocks until an envelope is available, ctx is done, or the queue closes.
	// Higher-priority lanes are always drained first.
	Dequeue(ctx context.Context) (*Delivery, error)

	// Ack permanently removes an in-flight delivery.
	Ack(ctx context.Context, d *Delivery) error

	Stats(ctx context.Context) (Stats, error)
	Close() error
}
