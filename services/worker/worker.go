// Package worker runs the pool of agents that execute queued tasks.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
	"github.com/ramiqadoumi/go-task-submit/internal/handlers"
	"github.com/ramiqadoumi/go-task-submit/internal/queue"
	"github.com/ramiqadoumi/go-task-submit/internal/store"
	"github.com/ramiqadoumi/go-task-submit/pkg/retry"
	"github.com/ramiqadoumi/go-task-submit/pkg/telemetry"
)

// DeadLetterPublisher receives the final record of every task that ends FAILED.
type DeadLetterPublisher interface {
	PublishFailed(ctx context.Context, rec *domain.TaskRecord) error
}

// Pool is a fixed set of agents that dequeue envelopes and execute them.
type Pool struct {
	store    store.Store
	queue    queue.Queue
	registry *handlers.Registry

	workerID      string
	concurrency   int
	timeout       time.Duration
	policy        retry.Policy
	requeue       retry.Loop
	errorBackoff  time.Duration
	statsInterval time.Duration
	dlq           DeadLetterPublisher
	logger        *slog.Logger

	inFlight atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

func WithConcurrency(n int) Option                { return func(p *Pool) { p.concurrency = n } }
func WithTimeout(d time.Duration) Option          { return func(p *Pool) { p.timeout = d } }
func WithPolicy(pol retry.Policy) Option          { return func(p *Pool) { p.policy = pol } }
func WithLogger(l *slog.Logger) Option            { return func(p *Pool) { p.logger = l } }
func WithWorkerID(id string) Option               { return func(p *Pool) { p.workerID = id } }
func WithDeadLetter(d DeadLetterPublisher) Option { return func(p *Pool) { p.dlq = d } }

// WithErrorBackoff sets the pause after a failed Dequeue.
func WithErrorBackoff(d time.Duration) Option { return func(p *Pool) { p.errorBackoff = d } }

// WithStatsInterval sets how often queue gauges are refreshed. Zero disables it.
func WithStatsInterval(d time.Duration) Option { return func(p *Pool) { p.statsInterval = d } }

// WithRequeueRetry bounds the in-process retries of a failed re-enqueue.
func WithRequeueRetry(attempts int, base time.Duration) Option {
	return func(p *Pool) {
		p.requeue.Attempts = attempts
		p.requeue.Backoff = retry.Quadratic(base)
	}
}

// NewPool creates a Pool. Defaults: 4 agents, 30s timeout, retry.DefaultPolicy.
func NewPool(s store.Store, q queue.Queue, reg *handlers.Registry, opts ...Option) *Pool {
	p := &Pool{
		store:         s,
		queue:         q,
		registry:      reg,
		workerID:      uuid.NewString(),
		concurrency:   4,
		timeout:       30 * time.Second,
		policy:        retry.DefaultPolicy(),
		requeue:       retry.Loop{Attempts: 3, Backoff: retry.Quadratic(100 * time.Millisecond)},
		errorBackoff:  time.Second,
		statsInterval: 15 * time.Second,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	return p
}

// InFlight returns the number of tasks currently executing.
func (p *Pool) InFlight() int64 { return p.inFlight.Load() }

// Run starts the agents and blocks until ctx is cancelled or the queue is closed.
// It returns only after every in-flight execution has finished.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID),
		slog.Int("concurrency", p.concurrency),
		slog.Duration("timeout", p.timeout),
		slog.Int("max_retries", p.policy.MaxRetries),
	)

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(agent int) {
			defer wg.Done()
			p.agent(ctx, agent)
		}(i)
	}
	if p.statsInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.reportStats(ctx)
		}()
	}
	wg.Wait()

	p.logger.Info("worker pool stopped", slog.String("worker_id", p.workerID))
	return nil
}

func (p *Pool) agent(ctx context.Context, n int) {
	log := p.logger.With(slog.String("worker_id", p.workerID), slog.Int("agent", n))
	for {
		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			log.Error("dequeue failed", slog.String("error", err.Error()))
			if !sleep(ctx, p.errorBackoff) {
				return
			}
			continue
		}
		// The outcome must be recorded even when shutdown starts mid-execution.
		p.process(context.WithoutCancel(ctx), d)
	}
}

// process takes one delivery through the task lifecycle. It acknowledges the
// delivery only once the outcome is durably recorded.
func (p *Pool) process(ctx context.Context, d *queue.Delivery) {
	env := d.Envelope
	attempt := env.Attempt + 1

	ctx, span := otel.Tracer("worker").Start(ctx, "worker.process_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", env.ID),
		attribute.String("task.handler", env.HandlerName),
		attribute.Int("task.attempt", attempt),
		attribute.String("worker.id", p.workerID),
	)

	log := p.logger.With(
		slog.String("task_id", env.ID),
		slog.String("handler", env.HandlerName),
		slog.String("worker_id", p.workerID),
		slog.Int("attempt", attempt),
	)

	rec, err := p.store.Get(ctx, env.ID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			log.Error("envelope has no task record, discarding")
			p.ack(ctx, d, log)
			return
		}
		log.Error("failed to read task record, leaving unacknowledged", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "store unavailable")
		return
	}

	// Duplicate deliveries of a finished task must not execute it again.
	if rec.State.IsTerminal() {
		log.Info("task already terminal, skipping", slog.String("state", string(rec.State)))
		telemetry.WorkerDuplicatesSkipped.Inc()
		p.ack(ctx, d, log)
		return
	}

	h, err := p.registry.Get(env.HandlerName)
	if err != nil {
		log.Error("no handler registered", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown handler")
		p.fail(ctx, d, domain.KindUnknownHandler, err, log)
		return
	}

	if err := p.store.MarkRunning(ctx, env.ID, attempt, d.Deadline); err != nil {
		p.recordFailed(ctx, d, "mark running", err, span, log)
		return
	}

	p.inFlight.Add(1)
	telemetry.WorkerTasksInFlight.Inc()
	start := time.Now()
	result, execErr := p.execute(ctx, h, env)
	duration := time.Since(start)
	telemetry.WorkerTasksInFlight.Dec()
	p.inFlight.Add(-1)
	telemetry.WorkerTaskDurationSeconds.WithLabelValues(env.HandlerName).Observe(duration.Seconds())

	if execErr == nil {
		if err := p.store.MarkSucceeded(ctx, env.ID, result); err != nil {
			p.recordFailed(ctx, d, "mark succeeded", err, span, log)
			return
		}
		p.ack(ctx, d, log)
		telemetry.WorkerTasksProcessed.WithLabelValues(env.HandlerName, string(domain.StateSucceeded)).Inc()
		log.Info("task completed", slog.Int64("duration_ms", duration.Milliseconds()))
		return
	}

	kind := domain.KindOf(execErr)
	span.RecordError(execErr)
	span.SetAttributes(attribute.String("task.error_kind", string(kind)))

	if p.policy.ShouldRetry(attempt, kind) {
		p.scheduleRetry(ctx, d, attempt, kind, execErr, log)
		return
	}

	span.SetStatus(codes.Error, string(kind))
	log.Error("task failed",
		slog.String("error_kind", string(kind)),
		slog.String("error", execErr.Error()),
		slog.Int64("duration_ms", duration.Milliseconds()),
	)
	p.fail(ctx, d, kind, execErr, log)
}

type outcome struct {
	result []byte
	err    error
}

// execute runs the handler in its own goroutine under the pool timeout.
// A handler that overruns is abandoned; its late outcome is dropped.
func (p *Pool) execute(ctx context.Context, h handlers.Handler, env *domain.Envelope) ([]byte, error) {
	execCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler %s panicked: %v", h.Name(), r)}
			}
		}()
		res, err := h.Handle(execCtx, env.Payload)
		done <- outcome{result: res, err: err}
	}()

	timedOut := &domain.HandlerTimeoutError{HandlerName: h.Name(), Timeout: p.timeout}
	select {
	case o := <-done:
		if o.err != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, timedOut
		}
		return o.result, o.err
	case <-execCtx.Done():
		return nil, timedOut
	}
}

// scheduleRetry records RETRYING and enqueues the next attempt after the policy
// delay. The original delivery is acknowledged only once the re-enqueue succeeded.
func (p *Pool) scheduleRetry(ctx context.Context, d *queue.Delivery, attempt int, kind domain.ErrorKind, execErr error, log *slog.Logger) {
	env := d.Envelope
	span := trace.SpanFromContext(ctx)

	if err := p.store.MarkRetrying(ctx, env.ID, kind, execErr.Error()); err != nil {
		p.recordFailed(ctx, d, "mark retrying", err, span, log)
		return
	}

	next := env.NextAttempt()
	delay := p.policy.Delay(attempt)
	loop := p.requeue
	loop.Retryable = func(err error) bool { return !errors.Is(err, queue.ErrClosed) }
	loop.OnRetry = func(n int, err error) {
		log.Warn("re-enqueue failed, retrying", slog.Int("try", n), slog.String("error", err.Error()))
	}
	if err := loop.Do(ctx, func() error { return p.queue.Enqueue(ctx, next, delay) }); err != nil {
		log.Error("re-enqueue failed, leaving delivery for redelivery", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "requeue failed")
		return
	}

	p.ack(ctx, d, log)
	telemetry.WorkerRetriesTotal.WithLabelValues(env.HandlerName).Inc()
	telemetry.WorkerTasksProcessed.WithLabelValues(env.HandlerName, string(domain.StateRetrying)).Inc()
	log.Warn("attempt failed, retry scheduled",
		slog.String("error_kind", string(kind)),
		slog.String("error", execErr.Error()),
		slog.Duration("delay", delay),
	)
}

// fail records FAILED, acknowledges the delivery and forwards the record to the
// dead-letter publisher.
func (p *Pool) fail(ctx context.Context, d *queue.Delivery, kind domain.ErrorKind, cause error, log *slog.Logger) {
	env := d.Envelope
	if err := p.store.MarkFailed(ctx, env.ID, kind, cause.Error()); err != nil {
		p.recordFailed(ctx, d, "mark failed", err, trace.SpanFromContext(ctx), log)
		return
	}
	p.ack(ctx, d, log)
	telemetry.WorkerTasksProcessed.WithLabelValues(env.HandlerName, string(domain.StateFailed)).Inc()

	if p.dlq == nil {
		return
	}
	rec, err := p.store.Get(ctx, env.ID)
	if err != nil {
		log.Error("failed to reload record for DLQ", slog.String("error", err.Error()))
		return
	}
	if err := p.dlq.PublishFailed(ctx, rec); err != nil {
		log.Error("failed to publish to DLQ", slog.String("error", err.Error()))
		return
	}
	telemetry.WorkerDLQTotal.WithLabelValues(env.HandlerName).Inc()
}

// recordFailed handles a store write that did not go through. A refused
// transition means another delivery already finished the task, so the
// delivery is dropped. Any other error leaves it unacknowledged for redelivery.
func (p *Pool) recordFailed(ctx context.Context, d *queue.Delivery, op string, err error, span trace.Span, log *slog.Logger) {
	var invalid *domain.InvalidTransitionError
	if errors.As(err, &invalid) {
		log.Info("delivery superseded, dropping",
			slog.String("op", op),
			slog.String("state", string(invalid.From)),
			slog.String("reason", invalid.Reason),
		)
		telemetry.WorkerDuplicatesSkipped.Inc()
		p.ack(ctx, d, log)
		return
	}
	log.Error("failed to record task state, leaving unacknowledged", slog.String("op", op), slog.String("error", err.Error()))
	span.RecordError(err)
	span.SetStatus(codes.Error, "store unavailable")
}

func (p *Pool) ack(ctx context.Context, d *queue.Delivery, log *slog.Logger) {
	if err := p.queue.Ack(ctx, d); err != nil {
		// An expired receipt means the envelope was already handed out again.
		log.Warn("ack failed", slog.String("error", err.Error()))
	}
}

func (p *Pool) reportStats(ctx context.Context) {
	ticker := time.NewTicker(p.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s, err := p.queue.Stats(ctx)
			if err != nil {
				p.logger.Warn("queue stats failed", slog.String("error", err.Error()))
				continue
			}
			for lane, n := range s.Ready {
				telemetry.QueueDepth.WithLabelValues(lane).Set(float64(n))
			}
			telemetry.QueueInFlight.Set(float64(s.InFlight))
			telemetry.QueueDelayed.Set(float64(s.Delayed))
		}
	}
}

// sleep waits d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
